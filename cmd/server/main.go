package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"github.com/anskp/AssetLink-Custody-sub001/internal/custody"
	"github.com/anskp/AssetLink-Custody-sub001/internal/domain"
	"github.com/anskp/AssetLink-Custody-sub001/internal/engine"
	"github.com/anskp/AssetLink-Custody-sub001/internal/fireblocks"
	"github.com/anskp/AssetLink-Custody-sub001/internal/idempotency"
	"github.com/anskp/AssetLink-Custody-sub001/internal/marketplace"
	"github.com/anskp/AssetLink-Custody-sub001/internal/store"
	"github.com/anskp/AssetLink-Custody-sub001/pkg/apisig"
	"github.com/anskp/AssetLink-Custody-sub001/pkg/db"
	"github.com/anskp/AssetLink-Custody-sub001/pkg/httpx"
)

type ctxKey int

const (
	ctxPrincipal ctxKey = iota
	ctxFingerprint
)

func main() {
	_ = godotenv.Load()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	pool := db.MustConnect(db.Config{
		URL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		MaxConns: int32(envIntDefault("DB_MAX_CONNS", 10)),
	})
	st := store.New(pool)

	port := strings.TrimSpace(os.Getenv("SERVICE_PORT"))
	if port == "" {
		port = "8080"
	}
	tolerance := time.Duration(envIntDefault("API_SIGNATURE_TOLERANCE_SECONDS", 300)) * time.Second

	gw := fireblocks.New(fireblocks.Config{
		BaseURL:       strings.TrimSpace(os.Getenv("FIREBLOCKS_BASE_URL")),
		APIKey:        strings.TrimSpace(os.Getenv("FIREBLOCKS_API_KEY")),
		PrivateKey:    loadSignerKey(log),
		DefaultMinGas: strings.TrimSpace(os.Getenv("FIREBLOCKS_MIN_GAS")),
		Logger:        log,
	})
	eng := engine.New(st, gw, engine.Options{
		Logger:         log,
		VaultID:        strings.TrimSpace(os.Getenv("FIREBLOCKS_VAULT_ID")),
		ConfirmTimeout: time.Duration(envIntDefault("CONFIRM_TIMEOUT_SECONDS", 90)) * time.Second,
		ConfirmRetries: envIntDefault("CONFIRM_RETRIES", 2),
	})
	cust := custody.New(st, custody.Options{Logger: log})
	mkt := marketplace.New(st, marketplace.Options{Logger: log})

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/v1", func(api chi.Router) {
		api.Use(authMiddleware(st, tolerance, log))

		api.Route("/custody", func(cr chi.Router) {
			cr.Post("/link", func(w http.ResponseWriter, r *http.Request) {
				p := principalFrom(r)
				var req struct {
					AssetID          string  `json:"assetId"`
					Blockchain       string  `json:"blockchain"`
					TokenStandard    string  `json:"tokenStandard"`
					TokenID          *string `json:"tokenId"`
					Quantity         string  `json:"quantity"`
					NavOracleAddress *string `json:"navOracleAddress"`
					PorOracleAddress *string `json:"porOracleAddress"`
				}
				if err := httpx.ReadJSON(r, &req); err != nil {
					httpx.WriteError(w, 400, "BAD_JSON", err.Error())
					return
				}
				handleIdempotent(w, r, st, "POST /v1/custody/link", func() (int, any, error) {
					rec, err := cust.LinkAsset(r.Context(), custody.LinkRequest{
						AssetID:          req.AssetID,
						Blockchain:       req.Blockchain,
						TokenStandard:    req.TokenStandard,
						TokenID:          req.TokenID,
						Quantity:         req.Quantity,
						NavOracleAddress: req.NavOracleAddress,
						PorOracleAddress: req.PorOracleAddress,
					}, p)
					if err != nil {
						return 0, nil, err
					}
					return 201, rec, nil
				})
			})

			cr.Post("/{id}/approve", func(w http.ResponseWriter, r *http.Request) {
				rec, err := cust.ApproveLink(r.Context(), chi.URLParam(r, "id"), principalFrom(r))
				if err != nil {
					writeDomainError(w, err)
					return
				}
				httpx.WriteJSON(w, 200, rec)
			})

			cr.Post("/{id}/reject", func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					Reason string `json:"reason"`
				}
				if err := httpx.ReadJSON(r, &req); err != nil {
					httpx.WriteError(w, 400, "BAD_JSON", err.Error())
					return
				}
				rec, err := cust.RejectLink(r.Context(), chi.URLParam(r, "id"), principalFrom(r), req.Reason)
				if err != nil {
					writeDomainError(w, err)
					return
				}
				httpx.WriteJSON(w, 200, rec)
			})

			cr.Get("/{asset_id}", func(w http.ResponseWriter, r *http.Request) {
				p := principalFrom(r)
				rec, err := cust.GetByAssetID(r.Context(), p.TenantID, chi.URLParam(r, "asset_id"))
				if err != nil {
					writeDomainError(w, err)
					return
				}
				httpx.WriteJSON(w, 200, rec)
			})

			cr.Get("/", func(w http.ResponseWriter, r *http.Request) {
				p := principalFrom(r)
				f := custody.ListFilter{
					TenantID: p.TenantID,
					Limit:    queryInt(r, "limit"),
					Offset:   queryInt(r, "offset"),
				}
				if s := strings.TrimSpace(r.URL.Query().Get("status")); s != "" {
					cs := domain.CustodyStatus(s)
					f.Status = &cs
				}
				recs, total, err := cust.List(r.Context(), f)
				if err != nil {
					writeDomainError(w, err)
					return
				}
				httpx.WriteJSON(w, 200, map[string]any{"custodyRecords": recs, "total": total})
			})
		})

		api.Route("/operations", func(or chi.Router) {
			createOp := func(typ domain.OperationType) http.HandlerFunc {
				return func(w http.ResponseWriter, r *http.Request) {
					p := principalFrom(r)
					var req struct {
						AssetID string `json:"assetId"`
						domain.OperationPayload
					}
					if err := httpx.ReadJSON(r, &req); err != nil {
						httpx.WriteError(w, 400, "BAD_JSON", err.Error())
						return
					}
					if strings.TrimSpace(req.AssetID) == "" {
						writeDomainError(w, &domain.ValidationError{Field: "assetId", Reason: "required"})
						return
					}
					endpoint := "POST /v1/operations/" + strings.ToLower(string(typ))
					handleIdempotent(w, r, st, endpoint, func() (int, any, error) {
						rec, err := cust.GetByAssetID(r.Context(), p.TenantID, req.AssetID)
						if err != nil {
							return 0, nil, err
						}
						op, err := eng.CreateOperation(r.Context(), typ, rec.ID, req.OperationPayload, p)
						if err != nil {
							return 0, nil, err
						}
						return 201, op, nil
					})
				}
			}
			or.Post("/mint", createOp(domain.OpMint))
			or.Post("/burn", createOp(domain.OpBurn))
			or.Post("/freeze", createOp(domain.OpFreeze))
			or.Post("/withdraw", createOp(domain.OpWithdraw))

			or.Post("/{id}/approve", func(w http.ResponseWriter, r *http.Request) {
				op, err := eng.ApproveOperation(r.Context(), chi.URLParam(r, "id"), principalFrom(r))
				if err != nil {
					writeDomainError(w, err)
					return
				}
				httpx.WriteJSON(w, 200, op)
			})

			or.Post("/{id}/reject", func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					Reason string `json:"reason"`
				}
				if err := httpx.ReadJSON(r, &req); err != nil {
					httpx.WriteError(w, 400, "BAD_JSON", err.Error())
					return
				}
				op, err := eng.RejectOperation(r.Context(), chi.URLParam(r, "id"), principalFrom(r), req.Reason)
				if err != nil {
					writeDomainError(w, err)
					return
				}
				httpx.WriteJSON(w, 200, op)
			})

			or.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
				p := principalFrom(r)
				op, err := st.GetOperation(r.Context(), p.TenantID, chi.URLParam(r, "id"))
				if err != nil {
					writeDomainError(w, err)
					return
				}
				httpx.WriteJSON(w, 200, op)
			})

			or.Get("/", func(w http.ResponseWriter, r *http.Request) {
				p := principalFrom(r)
				f := engine.ListFilter{
					TenantID: p.TenantID,
					Limit:    queryInt(r, "limit"),
					Offset:   queryInt(r, "offset"),
				}
				if s := strings.TrimSpace(r.URL.Query().Get("status")); s != "" {
					opStatus := domain.OperationStatus(s)
					f.Status = &opStatus
				}
				if s := strings.TrimSpace(r.URL.Query().Get("type")); s != "" {
					typ, err := domain.ParseOperationType(s)
					if err != nil {
						writeDomainError(w, err)
						return
					}
					f.Type = &typ
				}
				ops, total, err := eng.ListOperations(r.Context(), f)
				if err != nil {
					writeDomainError(w, err)
					return
				}
				httpx.WriteJSON(w, 200, map[string]any{"operations": ops, "total": total})
			})
		})

		api.Route("/marketplace", func(mr chi.Router) {
			mr.Post("/listings", func(w http.ResponseWriter, r *http.Request) {
				p := principalFrom(r)
				var req struct {
					AssetID    string     `json:"assetId"`
					Price      string     `json:"price"`
					Currency   string     `json:"currency"`
					Quantity   string     `json:"quantity"`
					ExpiryDate *time.Time `json:"expiryDate"`
					Draft      bool       `json:"draft"`
				}
				if err := httpx.ReadJSON(r, &req); err != nil {
					httpx.WriteError(w, 400, "BAD_JSON", err.Error())
					return
				}
				handleIdempotent(w, r, st, "POST /v1/marketplace/listings", func() (int, any, error) {
					l, err := mkt.CreateListing(r.Context(), marketplace.CreateListingRequest{
						AssetID:    req.AssetID,
						Price:      req.Price,
						Currency:   req.Currency,
						Quantity:   req.Quantity,
						ExpiryDate: req.ExpiryDate,
						Draft:      req.Draft,
					}, p)
					if err != nil {
						return 0, nil, err
					}
					return 201, l, nil
				})
			})

			mr.Get("/listings", func(w http.ResponseWriter, r *http.Request) {
				p := principalFrom(r)
				f := marketplace.ListFilter{
					TenantID: p.TenantID,
					AssetID:  strings.TrimSpace(r.URL.Query().Get("assetId")),
					Limit:    queryInt(r, "limit"),
					Offset:   queryInt(r, "offset"),
				}
				if s := strings.TrimSpace(r.URL.Query().Get("status")); s != "" {
					ls := domain.ListingStatus(s)
					f.Status = &ls
				}
				listings, total, err := mkt.ListListings(r.Context(), f)
				if err != nil {
					writeDomainError(w, err)
					return
				}
				httpx.WriteJSON(w, 200, map[string]any{"listings": listings, "total": total})
			})

			mr.Post("/listings/{id}/activate", func(w http.ResponseWriter, r *http.Request) {
				l, err := mkt.ActivateListing(r.Context(), chi.URLParam(r, "id"), principalFrom(r))
				if err != nil {
					writeDomainError(w, err)
					return
				}
				httpx.WriteJSON(w, 200, l)
			})

			mr.Post("/listings/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
				l, err := mkt.CancelListing(r.Context(), chi.URLParam(r, "id"), principalFrom(r))
				if err != nil {
					writeDomainError(w, err)
					return
				}
				httpx.WriteJSON(w, 200, l)
			})

			mr.Post("/listings/{id}/bids", func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					Amount   string `json:"amount"`
					Quantity string `json:"quantity"`
				}
				if err := httpx.ReadJSON(r, &req); err != nil {
					httpx.WriteError(w, 400, "BAD_JSON", err.Error())
					return
				}
				handleIdempotent(w, r, st, "POST /v1/marketplace/listings/{id}/bids", func() (int, any, error) {
					b, err := mkt.PlaceBid(r.Context(), chi.URLParam(r, "id"), req.Amount, req.Quantity, principalFrom(r))
					if err != nil {
						return 0, nil, err
					}
					return 201, b, nil
				})
			})

			mr.Post("/bids/{id}/accept", func(w http.ResponseWriter, r *http.Request) {
				b, err := mkt.AcceptBid(r.Context(), chi.URLParam(r, "id"), principalFrom(r))
				if err != nil {
					writeDomainError(w, err)
					return
				}
				httpx.WriteJSON(w, 200, b)
			})

			mr.Post("/bids/{id}/reject", func(w http.ResponseWriter, r *http.Request) {
				b, err := mkt.RejectBid(r.Context(), chi.URLParam(r, "id"), principalFrom(r))
				if err != nil {
					writeDomainError(w, err)
					return
				}
				httpx.WriteJSON(w, 200, b)
			})
		})
	})

	log.Info("server listening", "port", port)
	if err := http.ListenAndServe(":"+port, r); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// authMiddleware verifies the API key and the timestamp-bound request
// signature, then attaches the resolved principal and the request fingerprint
// used by idempotent replay.
func authMiddleware(st *store.Store, tolerance time.Duration, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := strings.TrimSpace(r.Header.Get("X-API-KEY"))
			if rawKey == "" {
				httpx.WriteError(w, 401, "UNAUTHORIZED", "X-API-KEY header required")
				return
			}
			key, secret, err := st.GetAPIKeyByHash(r.Context(), store.HashKey(rawKey))
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					httpx.WriteError(w, 401, "UNAUTHORIZED", "unknown or inactive API key")
					return
				}
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				httpx.WriteError(w, 400, "BAD_REQUEST", "unreadable body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if err := apisig.Verify(secret, r.Method, r.URL.Path, r.Header.Get("X-TIMESTAMP"), body,
				r.Header.Get("X-SIGNATURE"), time.Now().UTC(), tolerance); err != nil {
				log.Warn("signature rejected", "key_id", key.ID, "path", r.URL.Path, "error", err)
				httpx.WriteError(w, 401, "BAD_SIGNATURE", err.Error())
				return
			}

			actorID := strings.TrimSpace(r.Header.Get("X-USER-ID"))
			if actorID == "" {
				actorID = key.ID
			}
			p := domain.Principal{TenantID: key.TenantID, KeyID: key.ID, ActorID: actorID, Role: key.Role}
			ctx := context.WithValue(r.Context(), ctxPrincipal, p)
			ctx = context.WithValue(ctx, ctxFingerprint, apisig.Fingerprint(r.Method, r.URL.Path, body))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func principalFrom(r *http.Request) domain.Principal {
	p, _ := r.Context().Value(ctxPrincipal).(domain.Principal)
	return p
}

// handleIdempotent replays a stored response when the Idempotency-Key header
// repeats, and stores the outcome of a fresh run. Domain errors are not
// stored; only committed outcomes replay.
func handleIdempotent(w http.ResponseWriter, r *http.Request, st *store.Store, endpoint string, run func() (int, any, error)) {
	p := principalFrom(r)
	fp, _ := r.Context().Value(ctxFingerprint).(string)
	actor := idempotency.ActorContext{
		TenantID:       p.TenantID,
		KeyID:          p.KeyID,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}

	status, raw, replayed, err := idempotency.Replay(r.Context(), st, actor, endpoint, fp)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if replayed {
		httpx.WriteRaw(w, status, raw)
		return
	}

	status, v, err := run()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		httpx.WriteError(w, 500, "INTERNAL", err.Error())
		return
	}
	if err := idempotency.Save(r.Context(), st, actor, endpoint, fp, status, body); err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", err.Error())
		return
	}
	httpx.WriteRaw(w, status, body)
}

func writeDomainError(w http.ResponseWriter, err error) {
	var (
		ve  *domain.ValidationError
		re  *domain.RoleError
		sa  *domain.SelfApprovalError
		se  *domain.StateError
		ce  *domain.ConflictError
		nm  *domain.NotMintedError
		iq  *domain.InsufficientQuantityError
		ov  *domain.OversellError
		sub *domain.SubmissionError
	)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		httpx.WriteError(w, 404, "NOT_FOUND", "resource not found")
	case errors.As(err, &ve):
		httpx.WriteError(w, 400, "VALIDATION_ERROR", ve.Error())
	case errors.As(err, &re):
		httpx.WriteError(w, 403, "ROLE_REQUIRED", re.Error())
	case errors.As(err, &sa):
		httpx.WriteError(w, 403, "SELF_APPROVAL_FORBIDDEN", sa.Error())
	case errors.As(err, &se):
		httpx.WriteError(w, 409, "INVALID_STATE", se.Error())
	case errors.As(err, &ce):
		httpx.WriteError(w, 409, "CONFLICT", ce.Error())
	case errors.As(err, &nm):
		httpx.WriteError(w, 409, "NOT_MINTED", nm.Error())
	case errors.As(err, &iq):
		httpx.WriteError(w, 409, "INSUFFICIENT_QUANTITY", iq.Error())
	case errors.As(err, &ov):
		httpx.WriteError(w, 409, "OVERSELL", ov.Error())
	case errors.As(err, &sub):
		httpx.WriteError(w, 502, "CUSTODIAN_ERROR", sub.Error())
	default:
		httpx.WriteError(w, 500, "INTERNAL", err.Error())
	}
}

// loadSignerKey reads the custodian signing key; without a configured path an
// ephemeral key keeps local development running against a stub custodian.
func loadSignerKey(log *slog.Logger) *rsa.PrivateKey {
	path := strings.TrimSpace(os.Getenv("FIREBLOCKS_PRIVATE_KEY_PATH"))
	if path == "" {
		log.Warn("FIREBLOCKS_PRIVATE_KEY_PATH not set, using an ephemeral signing key")
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			log.Error("generate ephemeral key", "error", err)
			os.Exit(1)
		}
		return key
	}
	key, err := fireblocks.LoadPrivateKey(path)
	if err != nil {
		log.Error("load custodian signing key", "path", path, "error", err)
		os.Exit(1)
	}
	return key
}

func queryInt(r *http.Request, name string) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func envIntDefault(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if v <= 0 {
		return def
	}
	return v
}
