package custody

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
	// InsertCustodyRecord returns *domain.ConflictError when the tenant
	// already tracks the asset id.
	InsertCustodyRecord(ctx context.Context, rec domain.CustodyRecord) error
	GetCustodyRecord(ctx context.Context, tenantID, id string) (domain.CustodyRecord, error)
	GetCustodyRecordByAssetID(ctx context.Context, tenantID, assetID string) (domain.CustodyRecord, error)
	// DecideLink moves PENDING -> LINKED/UNLINKED only if the row is still
	// PENDING; returns false when a concurrent decision won.
	DecideLink(ctx context.Context, tenantID, id string, to domain.CustodyStatus, checkedBy string, reason *string, at time.Time) (bool, error)
	ListCustodyRecords(ctx context.Context, f ListFilter) ([]domain.CustodyRecord, int, error)
	AppendAudit(ctx context.Context, ev domain.AuditEvent) error
}

type ListFilter struct {
	TenantID string
	Status   *domain.CustodyStatus
	Limit    int
	Offset   int
}

type LinkRequest struct {
	AssetID          string
	Blockchain       string
	TokenStandard    string
	TokenID          *string
	Quantity         string
	NavOracleAddress *string
	PorOracleAddress *string
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

// LinkAsset opens a PENDING custody record for a real-world asset.
func (s *Service) LinkAsset(ctx context.Context, req LinkRequest, p domain.Principal) (domain.CustodyRecord, error) {
	if p.Role != domain.RoleMaker {
		return domain.CustodyRecord{}, &domain.RoleError{Required: domain.RoleMaker, Actual: p.Role}
	}
	if strings.TrimSpace(req.AssetID) == "" {
		return domain.CustodyRecord{}, &domain.ValidationError{Field: "assetId", Reason: "required"}
	}
	if strings.TrimSpace(req.Blockchain) == "" {
		return domain.CustodyRecord{}, &domain.ValidationError{Field: "blockchain", Reason: "required"}
	}
	if strings.TrimSpace(req.TokenStandard) == "" {
		return domain.CustodyRecord{}, &domain.ValidationError{Field: "tokenStandard", Reason: "required"}
	}
	pos, err := s.mctx.IsPositive(req.Quantity)
	if err != nil || !pos {
		return domain.CustodyRecord{}, &domain.ValidationError{Field: "quantity", Reason: "must be a positive decimal"}
	}

	rec := domain.CustodyRecord{
		ID:               "cr_" + uuid.NewString(),
		TenantID:         p.TenantID,
		AssetID:          strings.TrimSpace(req.AssetID),
		CreatedBy:        p.ActorID,
		Status:           domain.CustodyPending,
		Blockchain:       req.Blockchain,
		TokenStandard:    req.TokenStandard,
		TokenID:          req.TokenID,
		Quantity:         req.Quantity,
		NavOracleAddress: req.NavOracleAddress,
		PorOracleAddress: req.PorOracleAddress,
		CreatedAt:        s.now(),
	}
	if err := s.store.InsertCustodyRecord(ctx, rec); err != nil {
		return domain.CustodyRecord{}, err
	}
	s.audit(ctx, p.TenantID, rec.ID, "LINK_REQUESTED", p.ActorID, map[string]any{"asset_id": rec.AssetID})
	s.log.Info("custody link requested", "custody_record_id", rec.ID, "asset_id", rec.AssetID, "created_by", p.ActorID)
	return rec, nil
}

func (s *Service) ApproveLink(ctx context.Context, recordID string, p domain.Principal) (domain.CustodyRecord, error) {
	return s.decideLink(ctx, recordID, p, domain.CustodyLinked, nil)
}

func (s *Service) RejectLink(ctx context.Context, recordID string, p domain.Principal, reason string) (domain.CustodyRecord, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.CustodyRecord{}, &domain.ValidationError{Field: "reason", Reason: "required"}
	}
	return s.decideLink(ctx, recordID, p, domain.CustodyUnlinked, &reason)
}

func (s *Service) decideLink(ctx context.Context, recordID string, p domain.Principal, to domain.CustodyStatus, reason *string) (domain.CustodyRecord, error) {
	if p.Role != domain.RoleChecker {
		return domain.CustodyRecord{}, &domain.RoleError{Required: domain.RoleChecker, Actual: p.Role}
	}
	rec, err := s.store.GetCustodyRecord(ctx, p.TenantID, recordID)
	if err != nil {
		return domain.CustodyRecord{}, err
	}
	if rec.CreatedBy == p.ActorID {
		return domain.CustodyRecord{}, &domain.SelfApprovalError{ActorID: p.ActorID}
	}
	if err := rec.Status.CanTransition(to); err != nil {
		return domain.CustodyRecord{}, err
	}
	ok, err := s.store.DecideLink(ctx, p.TenantID, rec.ID, to, p.ActorID, reason, s.now())
	if err != nil {
		return domain.CustodyRecord{}, err
	}
	if !ok {
		cur, gerr := s.store.GetCustodyRecord(ctx, p.TenantID, rec.ID)
		if gerr != nil {
			return domain.CustodyRecord{}, gerr
		}
		return domain.CustodyRecord{}, &domain.StateError{Entity: "custody_record", From: string(cur.Status), To: string(to)}
	}
	action := "LINK_APPROVED"
	if to == domain.CustodyUnlinked {
		action = "LINK_REJECTED"
	}
	s.audit(ctx, p.TenantID, rec.ID, action, p.ActorID, nil)
	s.log.Info("custody link decided", "custody_record_id", rec.ID, "status", to, "checked_by", p.ActorID)
	return s.store.GetCustodyRecord(ctx, p.TenantID, rec.ID)
}

func (s *Service) GetByAssetID(ctx context.Context, tenantID, assetID string) (domain.CustodyRecord, error) {
	return s.store.GetCustodyRecordByAssetID(ctx, tenantID, assetID)
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.CustodyRecord, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.store.ListCustodyRecords(ctx, f)
}

func (s *Service) audit(ctx context.Context, tenantID, recordID, action, actorID string, details map[string]any) {
	_ = s.store.AppendAudit(ctx, domain.AuditEvent{
		ID:         "aud_" + uuid.NewString(),
		TenantID:   tenantID,
		EntityType: "custody_record",
		EntityID:   recordID,
		Action:     action,
		ActorID:    actorID,
		Details:    details,
		CreatedAt:  s.now(),
	})
}
