package marketplace

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anskp/AssetLink-Custody-sub001/internal/domain"
	"github.com/anskp/AssetLink-Custody-sub001/pkg/money"
)

type Store interface {
	GetCustodyRecordByAssetID(ctx context.Context, tenantID, assetID string) (domain.CustodyRecord, error)
	InsertListing(ctx context.Context, l domain.Listing) error
	GetListing(ctx context.Context, tenantID, id string) (domain.Listing, error)
	ListListings(ctx context.Context, f ListFilter) ([]domain.Listing, int, error)
	// UpdateListingStatusIfCurrent is a compare-and-set on the listing status.
	UpdateListingStatusIfCurrent(ctx context.Context, tenantID, id string, from, to domain.ListingStatus) (bool, error)
	InsertBid(ctx context.Context, tenantID string, b domain.Bid) error
	GetBid(ctx context.Context, tenantID, id string) (domain.Bid, error)
	// AcceptBid applies the whole acceptance in one transaction: bid ACCEPTED,
	// ownership row appended, listing quantity_sold/status advanced. The
	// quantity_sold write is conditional on the previously read value; false
	// means a concurrent acceptance interleaved.
	AcceptBid(ctx context.Context, tenantID string, acc Acceptance) (bool, error)
	// RejectBidIfPending returns false when the bid was already decided.
	RejectBidIfPending(ctx context.Context, tenantID, bidID string) (bool, error)
	// SumTransferredOut totals ownership-ledger quantity transferred away from
	// sellerID for the asset; SumOwnedQuantity totals what ownerID holds.
	SumTransferredOut(ctx context.Context, tenantID, assetID, sellerID string) (string, error)
	SumOwnedQuantity(ctx context.Context, tenantID, assetID, ownerID string) (string, error)
	AppendAudit(ctx context.Context, ev domain.AuditEvent) error
}

type Acceptance struct {
	BidID            string
	ListingID        string
	PrevQuantitySold string
	NewQuantitySold  string
	NewListingStatus domain.ListingStatus
	Ownership        domain.OwnershipRecord
}

type ListFilter struct {
	TenantID string
	AssetID  string
	Status   *domain.ListingStatus
	Limit    int
	Offset   int
}

type CreateListingRequest struct {
	AssetID    string
	Price      string
	Currency   string
	Quantity   string
	ExpiryDate *time.Time
	Draft      bool
}

type Service struct {
	store Store
	log   *slog.Logger
	mctx  money.Context
	now   func() time.Time
}

type Options struct {
	Logger *slog.Logger
	Money  money.Context
	Now    func() time.Time
}

func New(store Store, opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Money.MaxDecimals == 0 {
		opts.Money = money.DefaultContext()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{store: store, log: log, mctx: opts.Money, now: opts.Now}
}

// CreateListing opens a sell order backed by a MINTED custody record. The
// seller's available balance is the minted quantity minus prior transfers out
// for the issuer, or the owned quantity for investors.
func (s *Service) CreateListing(ctx context.Context, req CreateListingRequest, p domain.Principal) (domain.Listing, error) {
	if strings.TrimSpace(req.Currency) == "" {
		return domain.Listing{}, &domain.ValidationError{Field: "currency", Reason: "required"}
	}
	if pos, err := s.mctx.IsPositive(req.Price); err != nil || !pos {
		return domain.Listing{}, &domain.ValidationError{Field: "price", Reason: "must be a positive decimal"}
	}
	if pos, err := s.mctx.IsPositive(req.Quantity); err != nil || !pos {
		return domain.Listing{}, &domain.ValidationError{Field: "quantity", Reason: "must be a positive decimal"}
	}
	rec, err := s.store.GetCustodyRecordByAssetID(ctx, p.TenantID, req.AssetID)
	if err != nil {
		return domain.Listing{}, err
	}
	if rec.Status != domain.CustodyMinted {
		return domain.Listing{}, &domain.NotMintedError{AssetID: rec.AssetID, Status: rec.Status}
	}

	available, err := s.availableBalance(ctx, p, rec)
	if err != nil {
		return domain.Listing{}, err
	}
	cmp, err := s.mctx.Cmp(req.Quantity, available)
	if err != nil {
		return domain.Listing{}, err
	}
	if cmp > 0 {
		return domain.Listing{}, &domain.InsufficientQuantityError{Requested: req.Quantity, Available: available}
	}

	status := domain.ListingActive
	if req.Draft {
		status = domain.ListingDraft
	}
	l := domain.Listing{
		ID:             "lst_" + uuid.NewString(),
		TenantID:       p.TenantID,
		AssetID:        rec.AssetID,
		SellerID:       p.ActorID,
		Price:          req.Price,
		Currency:       req.Currency,
		QuantityListed: req.Quantity,
		QuantitySold:   "0",
		Status:         status,
		ExpiryDate:     req.ExpiryDate,
		CreatedAt:      s.now(),
	}
	if err := s.store.InsertListing(ctx, l); err != nil {
		return domain.Listing{}, err
	}
	s.audit(ctx, p.TenantID, "listing", l.ID, "CREATED", p.ActorID, map[string]any{"asset_id": l.AssetID, "quantity": l.QuantityListed})
	s.log.Info("listing created", "listing_id", l.ID, "asset_id", l.AssetID, "seller_id", l.SellerID)
	return l, nil
}

func (s *Service) availableBalance(ctx context.Context, p domain.Principal, rec domain.CustodyRecord) (string, error) {
	if p.ActorID == rec.CreatedBy {
		out, err := s.store.SumTransferredOut(ctx, p.TenantID, rec.AssetID, p.ActorID)
		if err != nil {
			return "", err
		}
		return s.mctx.Sub(rec.Quantity, out)
	}
	owned, err := s.store.SumOwnedQuantity(ctx, p.TenantID, rec.AssetID, p.ActorID)
	if err != nil {
		return "", err
	}
	out, err := s.store.SumTransferredOut(ctx, p.TenantID, rec.AssetID, p.ActorID)
	if err != nil {
		return "", err
	}
	return s.mctx.Sub(owned, out)
}

func (s *Service) ActivateListing(ctx context.Context, listingID string, p domain.Principal) (domain.Listing, error) {
	l, err := s.ownListing(ctx, listingID, p)
	if err != nil {
		return domain.Listing{}, err
	}
	if err := l.Status.CanTransition(domain.ListingActive); err != nil {
		return domain.Listing{}, err
	}
	ok, err := s.store.UpdateListingStatusIfCurrent(ctx, p.TenantID, l.ID, l.Status, domain.ListingActive)
	if err != nil {
		return domain.Listing{}, err
	}
	if !ok {
		return domain.Listing{}, &domain.ConflictError{Reason: "listing changed concurrently"}
	}
	return s.store.GetListing(ctx, p.TenantID, l.ID)
}

func (s *Service) CancelListing(ctx context.Context, listingID string, p domain.Principal) (domain.Listing, error) {
	l, err := s.ownListing(ctx, listingID, p)
	if err != nil {
		return domain.Listing{}, err
	}
	if err := l.Status.CanTransition(domain.ListingCancelled); err != nil {
		return domain.Listing{}, err
	}
	ok, err := s.store.UpdateListingStatusIfCurrent(ctx, p.TenantID, l.ID, l.Status, domain.ListingCancelled)
	if err != nil {
		return domain.Listing{}, err
	}
	if !ok {
		return domain.Listing{}, &domain.ConflictError{Reason: "listing changed concurrently"}
	}
	s.audit(ctx, p.TenantID, "listing", l.ID, "CANCELLED", p.ActorID, nil)
	return s.store.GetListing(ctx, p.TenantID, l.ID)
}

func (s *Service) PlaceBid(ctx context.Context, listingID, amount, quantity string, p domain.Principal) (domain.Bid, error) {
	if pos, err := s.mctx.IsPositive(amount); err != nil || !pos {
		return domain.Bid{}, &domain.ValidationError{Field: "amount", Reason: "must be a positive decimal"}
	}
	if pos, err := s.mctx.IsPositive(quantity); err != nil || !pos {
		return domain.Bid{}, &domain.ValidationError{Field: "quantity", Reason: "must be a positive decimal"}
	}
	l, err := s.store.GetListing(ctx, p.TenantID, listingID)
	if err != nil {
		return domain.Bid{}, err
	}
	if l.Status != domain.ListingActive {
		return domain.Bid{}, &domain.StateError{Entity: "listing", From: string(l.Status), To: string(domain.ListingActive)}
	}
	if l.ExpiryDate != nil && !l.ExpiryDate.After(s.now()) {
		return domain.Bid{}, &domain.ValidationError{Field: "listingId", Reason: "listing expired"}
	}
	b := domain.Bid{
		ID:        "bid_" + uuid.NewString(),
		ListingID: l.ID,
		BuyerID:   p.ActorID,
		Amount:    amount,
		Quantity:  quantity,
		Status:    domain.BidPending,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertBid(ctx, p.TenantID, b); err != nil {
		return domain.Bid{}, err
	}
	s.audit(ctx, p.TenantID, "bid", b.ID, "PLACED", p.ActorID, map[string]any{"listing_id": l.ID, "quantity": quantity})
	return b, nil
}

// AcceptBid settles a bid: the ownership ledger gains an append-only entry,
// the bid flips to ACCEPTED and the listing's sold quantity advances, all in
// one transaction. Acceptance that would exceed the listed quantity fails
// with OversellError and changes nothing.
func (s *Service) AcceptBid(ctx context.Context, bidID string, p domain.Principal) (domain.Bid, error) {
	b, l, err := s.bidForDecision(ctx, bidID, p)
	if err != nil {
		return domain.Bid{}, err
	}
	newSold, err := s.mctx.Add(l.QuantitySold, b.Quantity)
	if err != nil {
		return domain.Bid{}, err
	}
	cmp, err := s.mctx.Cmp(newSold, l.QuantityListed)
	if err != nil {
		return domain.Bid{}, err
	}
	if cmp > 0 {
		remaining, _ := s.mctx.Sub(l.QuantityListed, l.QuantitySold)
		return domain.Bid{}, &domain.OversellError{ListingID: l.ID, Requested: b.Quantity, Remaining: remaining}
	}
	rec, err := s.store.GetCustodyRecordByAssetID(ctx, p.TenantID, l.AssetID)
	if err != nil {
		return domain.Bid{}, err
	}

	newStatus := l.Status
	if cmp == 0 {
		newStatus = domain.ListingSold
	}
	acc := Acceptance{
		BidID:            b.ID,
		ListingID:        l.ID,
		PrevQuantitySold: l.QuantitySold,
		NewQuantitySold:  newSold,
		NewListingStatus: newStatus,
		Ownership: domain.OwnershipRecord{
			ID:              "own_" + uuid.NewString(),
			TenantID:        p.TenantID,
			AssetID:         l.AssetID,
			CustodyRecordID: rec.ID,
			OwnerID:         b.BuyerID,
			SellerID:        l.SellerID,
			ListingID:       l.ID,
			BidID:           b.ID,
			Quantity:        b.Quantity,
			PurchasePrice:   b.Amount,
			AcquiredAt:      s.now(),
		},
	}
	ok, err := s.store.AcceptBid(ctx, p.TenantID, acc)
	if err != nil {
		return domain.Bid{}, err
	}
	if !ok {
		return domain.Bid{}, &domain.ConflictError{Reason: "listing changed concurrently, retry"}
	}
	s.audit(ctx, p.TenantID, "bid", b.ID, "ACCEPTED", p.ActorID, map[string]any{
		"listing_id": l.ID, "quantity": b.Quantity, "buyer_id": b.BuyerID,
	})
	s.log.Info("bid accepted", "bid_id", b.ID, "listing_id", l.ID, "quantity", b.Quantity)
	return s.store.GetBid(ctx, p.TenantID, b.ID)
}

func (s *Service) RejectBid(ctx context.Context, bidID string, p domain.Principal) (domain.Bid, error) {
	b, _, err := s.bidForDecision(ctx, bidID, p)
	if err != nil {
		return domain.Bid{}, err
	}
	ok, err := s.store.RejectBidIfPending(ctx, p.TenantID, b.ID)
	if err != nil {
		return domain.Bid{}, err
	}
	if !ok {
		return domain.Bid{}, &domain.StateError{Entity: "bid", From: string(domain.BidAccepted), To: string(domain.BidRejected)}
	}
	s.audit(ctx, p.TenantID, "bid", b.ID, "REJECTED", p.ActorID, nil)
	return s.store.GetBid(ctx, p.TenantID, b.ID)
}

func (s *Service) ListListings(ctx context.Context, f ListFilter) ([]domain.Listing, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.store.ListListings(ctx, f)
}

func (s *Service) ownListing(ctx context.Context, listingID string, p domain.Principal) (domain.Listing, error) {
	l, err := s.store.GetListing(ctx, p.TenantID, listingID)
	if err != nil {
		return domain.Listing{}, err
	}
	if l.SellerID != p.ActorID {
		return domain.Listing{}, &domain.ValidationError{Field: "sellerId", Reason: "only the seller may manage the listing"}
	}
	return l, nil
}

func (s *Service) bidForDecision(ctx context.Context, bidID string, p domain.Principal) (domain.Bid, domain.Listing, error) {
	b, err := s.store.GetBid(ctx, p.TenantID, bidID)
	if err != nil {
		return domain.Bid{}, domain.Listing{}, err
	}
	l, err := s.store.GetListing(ctx, p.TenantID, b.ListingID)
	if err != nil {
		return domain.Bid{}, domain.Listing{}, err
	}
	if l.SellerID != p.ActorID {
		return domain.Bid{}, domain.Listing{}, &domain.ValidationError{Field: "sellerId", Reason: "only the seller may decide bids"}
	}
	if b.Status != domain.BidPending {
		return domain.Bid{}, domain.Listing{}, &domain.StateError{Entity: "bid", From: string(b.Status), To: string(domain.BidAccepted)}
	}
	if l.Status != domain.ListingActive {
		return domain.Bid{}, domain.Listing{}, &domain.StateError{Entity: "listing", From: string(l.Status), To: string(domain.ListingSold)}
	}
	return b, l, nil
}

func (s *Service) audit(ctx context.Context, tenantID, entityType, entityID, action, actorID string, details map[string]any) {
	_ = s.store.AppendAudit(ctx, domain.AuditEvent{
		ID:         "aud_" + uuid.NewString(),
		TenantID:   tenantID,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		ActorID:    actorID,
		Details:    details,
		CreatedAt:  s.now(),
	})
}
