package store

import (
	"context"
	"strconv"

	"github.com/anskp/AssetLink-Custody-sub001/internal/domain"
	"github.com/anskp/AssetLink-Custody-sub001/internal/marketplace"
)

const listingColumns = `id,tenant_id,asset_id,seller_id,price::text,currency,quantity_listed::text,quantity_sold::text,status,expiry_date,created_at`

func scanListing(row interface{ Scan(...any) error }) (domain.Listing, error) {
	var l domain.Listing
	err := row.Scan(&l.ID, &l.TenantID, &l.AssetID, &l.SellerID, &l.Price, &l.Currency,
		&l.QuantityListed, &l.QuantitySold, &l.Status, &l.ExpiryDate, &l.CreatedAt)
	return l, err
}

func (s *Store) InsertListing(ctx context.Context, l domain.Listing) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO listings(id,tenant_id,asset_id,seller_id,price,currency,quantity_listed,quantity_sold,status,expiry_date,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`, l.ID, l.TenantID, l.AssetID, l.SellerID, l.Price, l.Currency,
		l.QuantityListed, l.QuantitySold, string(l.Status), l.ExpiryDate, l.CreatedAt)
	return err
}

func (s *Store) GetListing(ctx context.Context, tenantID, id string) (domain.Listing, error) {
	l, err := scanListing(s.DB.QueryRow(ctx, `
SELECT `+listingColumns+` FROM listings WHERE tenant_id=$1 AND id=$2
`, tenantID, id))
	if err != nil {
		return domain.Listing{}, notFound(err)
	}
	return l, nil
}

func (s *Store) ListListings(ctx context.Context, f marketplace.ListFilter) ([]domain.Listing, int, error) {
	q := `SELECT ` + listingColumns + ` FROM listings WHERE tenant_id=$1`
	cq := `SELECT count(*) FROM listings WHERE tenant_id=$1`
	args := []any{f.TenantID}
	if f.AssetID != "" {
		args = append(args, f.AssetID)
		cond := ` AND asset_id=$` + strconv.Itoa(len(args))
		q += cond
		cq += cond
	}
	if f.Status != nil {
		args = append(args, string(*f.Status))
		cond := ` AND status=$` + strconv.Itoa(len(args))
		q += cond
		cq += cond
	}

	var total int
	if err := s.DB.QueryRow(ctx, cq, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, f.Limit, f.Offset)
	q += ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []domain.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, l)
	}
	return out, total, rows.Err()
}

func (s *Store) UpdateListingStatusIfCurrent(ctx context.Context, tenantID, id string, from, to domain.ListingStatus) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
UPDATE listings SET status=$1 WHERE tenant_id=$2 AND id=$3 AND status=$4
`, string(to), tenantID, id, string(from))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) InsertBid(ctx context.Context, tenantID string, b domain.Bid) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO bids(id,tenant_id,listing_id,buyer_id,amount,quantity,status,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
`, b.ID, tenantID, b.ListingID, b.BuyerID, b.Amount, b.Quantity, string(b.Status), b.CreatedAt)
	return err
}

func (s *Store) GetBid(ctx context.Context, tenantID, id string) (domain.Bid, error) {
	var b domain.Bid
	err := s.DB.QueryRow(ctx, `
SELECT id,listing_id,buyer_id,amount::text,quantity::text,status,created_at
FROM bids WHERE tenant_id=$1 AND id=$2
`, tenantID, id).Scan(&b.ID, &b.ListingID, &b.BuyerID, &b.Amount, &b.Quantity, &b.Status, &b.CreatedAt)
	if err != nil {
		return domain.Bid{}, notFound(err)
	}
	return b, nil
}

// AcceptBid settles the whole acceptance in one transaction. The listing write
// is conditional on the quantity_sold value the caller read; zero rows means a
// concurrent acceptance moved it and nothing is committed.
func (s *Store) AcceptBid(ctx context.Context, tenantID string, acc marketplace.Acceptance) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE listings SET quantity_sold=$1, status=$2
WHERE tenant_id=$3 AND id=$4 AND quantity_sold=$5 AND status='ACTIVE'
`, acc.NewQuantitySold, string(acc.NewListingStatus), tenantID, acc.ListingID, acc.PrevQuantitySold)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	tag, err = tx.Exec(ctx, `
UPDATE bids SET status='ACCEPTED' WHERE tenant_id=$1 AND id=$2 AND status='PENDING'
`, tenantID, acc.BidID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	o := acc.Ownership
	_, err = tx.Exec(ctx, `
INSERT INTO ownership_records(id,tenant_id,asset_id,custody_record_id,owner_id,seller_id,listing_id,bid_id,quantity,purchase_price,acquired_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`, o.ID, o.TenantID, o.AssetID, o.CustodyRecordID, o.OwnerID, o.SellerID, o.ListingID, o.BidID,
		o.Quantity, o.PurchasePrice, o.AcquiredAt)
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *Store) RejectBidIfPending(ctx context.Context, tenantID, bidID string) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
UPDATE bids SET status='REJECTED' WHERE tenant_id=$1 AND id=$2 AND status='PENDING'
`, tenantID, bidID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SumTransferredOut(ctx context.Context, tenantID, assetID, sellerID string) (string, error) {
	var sum string
	err := s.DB.QueryRow(ctx, `
SELECT COALESCE(sum(quantity),0)::text FROM ownership_records
WHERE tenant_id=$1 AND asset_id=$2 AND seller_id=$3
`, tenantID, assetID, sellerID).Scan(&sum)
	return sum, err
}

func (s *Store) SumOwnedQuantity(ctx context.Context, tenantID, assetID, ownerID string) (string, error) {
	var sum string
	err := s.DB.QueryRow(ctx, `
SELECT COALESCE(sum(quantity),0)::text FROM ownership_records
WHERE tenant_id=$1 AND asset_id=$2 AND owner_id=$3
`, tenantID, assetID, ownerID).Scan(&sum)
	return sum, err
}
