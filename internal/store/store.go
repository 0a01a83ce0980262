package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anskp/AssetLink-Custody-sub001/internal/domain"
	"github.com/anskp/AssetLink-Custody-sub001/internal/idempotency"
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// HashKey is how API keys are stored; the plaintext never touches a row.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (domain.APIKey, string, error) {
	var k domain.APIKey
	var secret string
	err := s.DB.QueryRow(ctx, `
SELECT id,tenant_id,role,permissions,is_active,signing_secret,created_at
FROM api_keys WHERE key_hash=$1 AND is_active=true
`, keyHash).Scan(&k.ID, &k.TenantID, &k.Role, &k.Permissions, &k.IsActive, &secret, &k.CreatedAt)
	if err != nil {
		return domain.APIKey{}, "", notFound(err)
	}
	return k, secret, nil
}

func (s *Store) AppendAudit(ctx context.Context, ev domain.AuditEvent) error {
	b, _ := json.Marshal(ev.Details)
	_, err := s.DB.Exec(ctx, `
INSERT INTO audit_events(id,tenant_id,entity_type,entity_id,action,actor_id,details,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7::jsonb,$8)
`, ev.ID, ev.TenantID, ev.EntityType, ev.EntityID, ev.Action, ev.ActorID, string(b), ev.CreatedAt)
	return err
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, tenantID, keyID, idempotencyKey, endpoint string) (idempotency.Record, bool, error) {
	var rec idempotency.Record
	err := s.DB.QueryRow(ctx, `
SELECT request_fingerprint,response_status,response_body
FROM idempotency_records
WHERE tenant_id=$1 AND api_key_id=$2 AND idempotency_key=$3 AND endpoint=$4
`, tenantID, keyID, idempotencyKey, endpoint).Scan(&rec.Fingerprint, &rec.ResponseStatus, &rec.ResponseBody)
	if errors.Is(err, pgx.ErrNoRows) {
		return idempotency.Record{}, false, nil
	}
	if err != nil {
		return idempotency.Record{}, false, err
	}
	return rec, true, nil
}

func (s *Store) SaveIdempotencyRecord(ctx context.Context, tenantID, keyID, idempotencyKey, endpoint string, rec idempotency.Record) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO idempotency_records(tenant_id,api_key_id,idempotency_key,endpoint,request_fingerprint,response_status,response_body)
VALUES($1,$2,$3,$4,$5,$6,$7::jsonb)
ON CONFLICT (tenant_id,api_key_id,idempotency_key,endpoint) DO NOTHING
`, tenantID, keyID, idempotencyKey, endpoint, rec.Fingerprint, rec.ResponseStatus, string(rec.ResponseBody))
	return err
}
