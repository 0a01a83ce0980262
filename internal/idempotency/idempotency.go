package idempotency

import (
	"context"

	"github.com/anskp/AssetLink-Custody-sub001/internal/domain"
)

// ActorContext identifies who is replaying. Records are scoped per tenant and
// per API key so one tenant's key can never surface another's responses.
type ActorContext struct {
	TenantID       string
	KeyID          string
	IdempotencyKey string
}

type Record struct {
	Fingerprint    string
	ResponseStatus int
	ResponseBody   []byte
}

type Store interface {
	GetIdempotencyRecord(ctx context.Context, tenantID, keyID, idempotencyKey, endpoint string) (Record, bool, error)
	SaveIdempotencyRecord(ctx context.Context, tenantID, keyID, idempotencyKey, endpoint string, rec Record) error
}

// Replay returns the stored response for a repeated request. A key reused
// with a different request fingerprint is a client bug and conflicts rather
// than replaying someone else's payload.
func Replay(ctx context.Context, st Store, actor ActorContext, endpoint, fingerprint string) (int, []byte, bool, error) {
	if actor.IdempotencyKey == "" {
		return 0, nil, false, nil
	}
	rec, found, err := st.GetIdempotencyRecord(ctx, actor.TenantID, actor.KeyID, actor.IdempotencyKey, endpoint)
	if err != nil {
		return 0, nil, false, err
	}
	if !found {
		return 0, nil, false, nil
	}
	if rec.Fingerprint != fingerprint {
		return 0, nil, false, &domain.ConflictError{Reason: "idempotency key reused with a different request body"}
	}
	return rec.ResponseStatus, rec.ResponseBody, true, nil
}

func Save(ctx context.Context, st Store, actor ActorContext, endpoint, fingerprint string, status int, response []byte) error {
	if actor.IdempotencyKey == "" {
		return nil
	}
	return st.SaveIdempotencyRecord(ctx, actor.TenantID, actor.KeyID, actor.IdempotencyKey, endpoint, Record{
		Fingerprint:    fingerprint,
		ResponseStatus: status,
		ResponseBody:   response,
	})
}
