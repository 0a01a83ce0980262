package fireblocks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/anskp/AssetLink-Custody-sub001/internal/domain"
	"github.com/anskp/AssetLink-Custody-sub001/internal/engine"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func newTestClient(t *testing.T, key *rsa.PrivateKey, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:       srv.URL,
		APIKey:        "fb-key-1",
		PrivateKey:    key,
		DefaultMinGas: "0.05",
		MinGas:        map[string]string{"MATIC_POLYGON": "0.2"},
		PollInterval:  time.Millisecond,
	})
}

func TestRequestsCarrySignedToken(t *testing.T) {
	key := testKey(t)
	var gotBody []byte
	var gotAuth string
	c := newTestClient(t, key, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotAuth = r.Header.Get("Authorization")
		if r.Header.Get("X-API-Key") != "fb-key-1" {
			t.Errorf("missing api key header")
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "task-1"})
	}))

	sub, err := c.Mint(context.Background(), engine.MintRequest{
		VaultID: "7", ChainID: "ETH_TEST5", AssetID: "A1",
		TokenSymbol: "GLD", TokenName: "Gold", TotalSupply: "1000", Decimals: 18,
	})
	if err != nil {
		t.Fatal(err)
	}
	if sub.TaskID != "task-1" {
		t.Fatalf("task id: %q", sub.TaskID)
	}

	raw := strings.TrimPrefix(gotAuth, "Bearer ")
	if raw == gotAuth {
		t.Fatal("Authorization header is not a bearer token")
	}
	tok, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil || !tok.Valid {
		t.Fatalf("token does not verify: %v", err)
	}
	claims := tok.Claims.(jwt.MapClaims)
	if claims["uri"] != "/v1/tokenization/deploy" {
		t.Fatalf("uri claim: %v", claims["uri"])
	}
	sum := sha256.Sum256(gotBody)
	if claims["bodyHash"] != hex.EncodeToString(sum[:]) {
		t.Fatal("bodyHash claim does not match sent body")
	}
	if claims["nonce"] == "" {
		t.Fatal("nonce claim missing")
	}
}

func TestEnsureGasForVault(t *testing.T) {
	key := testKey(t)
	available := "0.5"
	c := newTestClient(t, key, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/vault/accounts/7/MATIC_POLYGON/balance" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"available": available})
	}))

	rep, err := c.EnsureGasForVault(context.Background(), "7", "MATIC_POLYGON")
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Sufficient || rep.Required != "0.2" {
		t.Fatalf("expected sufficient at 0.5 >= 0.2, got %+v", rep)
	}

	available = "0.19"
	rep, err = c.EnsureGasForVault(context.Background(), "7", "MATIC_POLYGON")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Sufficient {
		t.Fatalf("0.19 < 0.2 must be insufficient: %+v", rep)
	}
	if rep.Available != "0.19" {
		t.Fatalf("report should echo the balance, got %+v", rep)
	}
}

func TestSubmitErrorsAreSubmissionErrors(t *testing.T) {
	key := testKey(t)
	c := newTestClient(t, key, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{"message": "signer unavailable"})
	}))

	_, err := c.Burn(context.Background(), engine.BurnRequest{VaultID: "7", ChainID: "ETH_TEST5", TokenAddress: "0xabc", Amount: "10"})
	var se *domain.SubmissionError
	if !errors.As(err, &se) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}

	c2 := newTestClient(t, key, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	_, err = c2.Freeze(context.Background(), engine.FreezeRequest{VaultID: "7", ChainID: "ETH_TEST5", TokenAddress: "0xabc"})
	if !errors.As(err, &se) {
		t.Fatalf("missing task id must be a SubmissionError, got %v", err)
	}
}

func TestAwaitCompletionPollsUntilTerminal(t *testing.T) {
	key := testKey(t)
	var polls atomic.Int64
	c := newTestClient(t, key, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := polls.Add(1)
		status := "PENDING"
		if n >= 3 {
			status = "COMPLETED"
		}
		json.NewEncoder(w).Encode(map[string]string{
			"status": status, "txHash": "0xfeed", "contractAddress": "0xc0de",
		})
	}))

	comp, err := c.AwaitCompletion(context.Background(), "task-1", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if comp.Status != engine.CompletionCompleted || comp.TxHash != "0xfeed" || comp.ContractAddress != "0xc0de" {
		t.Fatalf("unexpected completion: %+v", comp)
	}
	if got := polls.Load(); got != 3 {
		t.Fatalf("expected 3 polls, got %d", got)
	}
}

func TestAwaitCompletionFailureCarriesMessage(t *testing.T) {
	key := testKey(t)
	c := newTestClient(t, key, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "FAILED", "errorMessage": "out of gas"})
	}))

	comp, err := c.AwaitCompletion(context.Background(), "task-1", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if comp.Status != engine.CompletionFailed || comp.ErrorMessage != "out of gas" {
		t.Fatalf("unexpected completion: %+v", comp)
	}
}

func TestAwaitCompletionTimesOut(t *testing.T) {
	key := testKey(t)
	c := newTestClient(t, key, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "PENDING"})
	}))

	comp, err := c.AwaitCompletion(context.Background(), "task-1", 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if comp.Status != engine.CompletionTimeout {
		t.Fatalf("expected TIMEOUT, got %+v", comp)
	}
}
