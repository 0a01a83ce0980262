package store

import (
	"context"
	"strconv"
	"time"

	"github.com/anskp/AssetLink-Custody-sub001/internal/custody"
	"github.com/anskp/AssetLink-Custody-sub001/internal/domain"
)

const custodyColumns = `id,tenant_id,asset_id,created_by,status,blockchain,token_standard,token_address,token_id,quantity::text,nav_oracle_address,por_oracle_address,error_message,checked_by,linked_at,minted_at,created_at`

func scanCustodyRecord(row interface{ Scan(...any) error }) (domain.CustodyRecord, error) {
	var r domain.CustodyRecord
	err := row.Scan(&r.ID, &r.TenantID, &r.AssetID, &r.CreatedBy, &r.Status, &r.Blockchain,
		&r.TokenStandard, &r.TokenAddress, &r.TokenID, &r.Quantity, &r.NavOracleAddress,
		&r.PorOracleAddress, &r.ErrorMessage, &r.CheckedBy, &r.LinkedAt, &r.MintedAt, &r.CreatedAt)
	return r, err
}

func (s *Store) InsertCustodyRecord(ctx context.Context, rec domain.CustodyRecord) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO custody_records(id,tenant_id,asset_id,created_by,status,blockchain,token_standard,token_id,quantity,nav_oracle_address,por_oracle_address,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`, rec.ID, rec.TenantID, rec.AssetID, rec.CreatedBy, string(rec.Status), rec.Blockchain,
		rec.TokenStandard, rec.TokenID, rec.Quantity, rec.NavOracleAddress, rec.PorOracleAddress, rec.CreatedAt)
	if isUniqueViolation(err) {
		return &domain.ConflictError{Reason: "asset already linked for tenant"}
	}
	return err
}

func (s *Store) GetCustodyRecord(ctx context.Context, tenantID, id string) (domain.CustodyRecord, error) {
	rec, err := scanCustodyRecord(s.DB.QueryRow(ctx, `
SELECT `+custodyColumns+` FROM custody_records WHERE tenant_id=$1 AND id=$2
`, tenantID, id))
	if err != nil {
		return domain.CustodyRecord{}, notFound(err)
	}
	return rec, nil
}

func (s *Store) GetCustodyRecordByAssetID(ctx context.Context, tenantID, assetID string) (domain.CustodyRecord, error) {
	rec, err := scanCustodyRecord(s.DB.QueryRow(ctx, `
SELECT `+custodyColumns+` FROM custody_records WHERE tenant_id=$1 AND asset_id=$2
`, tenantID, assetID))
	if err != nil {
		return domain.CustodyRecord{}, notFound(err)
	}
	return rec, nil
}

func (s *Store) DecideLink(ctx context.Context, tenantID, id string, to domain.CustodyStatus, checkedBy string, reason *string, at time.Time) (bool, error) {
	var linkedAt *time.Time
	if to == domain.CustodyLinked {
		linkedAt = &at
	}
	tag, err := s.DB.Exec(ctx, `
UPDATE custody_records SET status=$1, checked_by=$2, error_message=COALESCE($3,error_message), linked_at=$4
WHERE tenant_id=$5 AND id=$6 AND status='PENDING'
`, string(to), checkedBy, reason, linkedAt, tenantID, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListCustodyRecords(ctx context.Context, f custody.ListFilter) ([]domain.CustodyRecord, int, error) {
	q := `SELECT ` + custodyColumns + ` FROM custody_records WHERE tenant_id=$1`
	cq := `SELECT count(*) FROM custody_records WHERE tenant_id=$1`
	args := []any{f.TenantID}
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

	var out []domain.CustodyRecord
	for rows.Next() {
		rec, err := scanCustodyRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}
