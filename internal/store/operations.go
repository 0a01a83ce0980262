package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/anskp/AssetLink-Custody-sub001/internal/domain"
	"github.com/anskp/AssetLink-Custody-sub001/internal/engine"
)

const operationColumns = `id,tenant_id,type,status,custody_record_id,payload,created_by,checked_by,rejection_reason,fireblocks_task_id,tx_hash,error_message,created_at,checked_at,executed_at`

func scanOperation(row interface{ Scan(...any) error }) (domain.Operation, error) {
	var op domain.Operation
	var payload []byte
	err := row.Scan(&op.ID, &op.TenantID, &op.Type, &op.Status, &op.CustodyRecordID, &payload,
		&op.CreatedBy, &op.CheckedBy, &op.RejectionReason, &op.FireblocksTaskID, &op.TxHash,
		&op.ErrorMessage, &op.CreatedAt, &op.CheckedAt, &op.ExecutedAt)
	if err != nil {
		return domain.Operation{}, err
	}
	_ = json.Unmarshal(payload, &op.Payload)
	return op, nil
}

func (s *Store) GetOperation(ctx context.Context, tenantID, id string) (domain.Operation, error) {
	op, err := scanOperation(s.DB.QueryRow(ctx, `
SELECT `+operationColumns+` FROM operations WHERE tenant_id=$1 AND id=$2
`, tenantID, id))
	if err != nil {
		return domain.Operation{}, notFound(err)
	}
	return op, nil
}

// InsertOperation serializes on the (custody_record_id, type) pair so racing
// creates cannot both slip past the in-flight check. The partial unique index
// backstops the same rule.
func (s *Store) InsertOperation(ctx context.Context, op domain.Operation) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1 || ':' || $2))`, op.CustodyRecordID, string(op.Type)); err != nil {
		return err
	}

	var n int
	err = tx.QueryRow(ctx, `
SELECT count(*) FROM operations
WHERE tenant_id=$1 AND custody_record_id=$2 AND type=$3 AND status IN ('PENDING_CHECKER','APPROVED')
`, op.TenantID, op.CustodyRecordID, string(op.Type)).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		return &domain.ConflictError{Reason: "an operation of this type is already in flight for the custody record"}
	}

	payload, _ := json.Marshal(op.Payload)
	_, err = tx.Exec(ctx, `
INSERT INTO operations(id,tenant_id,type,status,custody_record_id,payload,created_by,created_at)
VALUES($1,$2,$3,$4,$5,$6::jsonb,$7,$8)
`, op.ID, op.TenantID, string(op.Type), string(op.Status), op.CustodyRecordID, string(payload), op.CreatedBy, op.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ConflictError{Reason: "an operation of this type is already in flight for the custody record"}
		}
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) DecideOperation(ctx context.Context, tenantID, id string, from, to domain.OperationStatus, checkedBy string, reason *string, at time.Time) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
UPDATE operations SET status=$1, checked_by=$2, rejection_reason=$3, checked_at=$4
WHERE tenant_id=$5 AND id=$6 AND status=$7
`, string(to), checkedBy, reason, at, tenantID, id, string(from))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SetOperationTask(ctx context.Context, tenantID, id, taskID string) error {
	_, err := s.DB.Exec(ctx, `
UPDATE operations SET fireblocks_task_id=$1 WHERE tenant_id=$2 AND id=$3
`, taskID, tenantID, id)
	return err
}

func (s *Store) FinishOperation(ctx context.Context, tenantID string, fin engine.Finish) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
UPDATE operations SET status=$1, error_message=$2, tx_hash=$3, executed_at=$4
WHERE tenant_id=$5 AND id=$6
`, string(fin.Status), fin.ErrorMessage, fin.TxHash, fin.ExecutedAt, tenantID, fin.OperationID)
	if err != nil {
		return err
	}

	if cu := fin.Custody; cu != nil {
		_, err = tx.Exec(ctx, `
UPDATE custody_records SET
  status=COALESCE($1,status),
  token_address=COALESCE($2,token_address),
  minted_at=COALESCE($3,minted_at),
  error_message=COALESCE($4,error_message)
WHERE tenant_id=$5 AND id=$6
`, cu.Status, cu.TokenAddress, cu.MintedAt, cu.ErrorMessage, tenantID, cu.RecordID)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ListOperations(ctx context.Context, f engine.ListFilter) ([]domain.Operation, int, error) {
	q := `SELECT ` + operationColumns + ` FROM operations WHERE tenant_id=$1`
	cq := `SELECT count(*) FROM operations WHERE tenant_id=$1`
	args := []any{f.TenantID}
	if f.Status != nil {
		args = append(args, string(*f.Status))
		cond := ` AND status=$` + strconv.Itoa(len(args))
		q += cond
		cq += cond
	}
	if f.Type != nil {
		args = append(args, string(*f.Type))
		cond := ` AND type=$` + strconv.Itoa(len(args))
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

	var out []domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, op)
	}
	return out, total, rows.Err()
}
