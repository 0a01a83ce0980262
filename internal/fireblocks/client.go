package fireblocks

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/anskp/AssetLink-Custody-sub001/internal/domain"
	"github.com/anskp/AssetLink-Custody-sub001/internal/engine"
	"github.com/anskp/AssetLink-Custody-sub001/pkg/money"
)

// Client talks to the custodial MPC signer. Every request carries a short
// lived RS256 token binding the uri, a nonce and the body hash, so a captured
// request cannot be replayed. The custodian does not deduplicate submissions;
// callers own the never-resubmit rule.
type Client struct {
	baseURL      string
	apiKey       string
	key          *rsa.PrivateKey
	http         *http.Client
	log          *slog.Logger
	mctx         money.Context
	minGas       map[string]string
	defaultGas   string
	pollInterval time.Duration
}

type Config struct {
	BaseURL    string
	APIKey     string
	PrivateKey *rsa.PrivateKey
	// MinGas maps a chain asset id to the native balance required before a
	// value-moving submission is allowed. DefaultMinGas applies otherwise.
	MinGas        map[string]string
	DefaultMinGas string
	PollInterval  time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
	Money         money.Context
}

func New(cfg Config) *Client {
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Money.MaxDecimals == 0 {
		cfg.Money = money.DefaultContext()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.DefaultMinGas == "" {
		cfg.DefaultMinGas = "0.01"
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		key:          cfg.PrivateKey,
		http:         httpc,
		log:          log,
		mctx:         cfg.Money,
		minGas:       cfg.MinGas,
		defaultGas:   cfg.DefaultMinGas,
		pollInterval: cfg.PollInterval,
	}
}

// LoadPrivateKey reads a PEM-encoded RSA key (PKCS#1 or PKCS#8).
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("fireblocks: no PEM block in %s", path)
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("fireblocks: parse private key: %w", err)
	}
	k, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("fireblocks: key in %s is not RSA", path)
	}
	return k, nil
}

func (c *Client) EnsureGasForVault(ctx context.Context, vaultID, chainAssetID string) (engine.GasReport, error) {
	var resp struct {
		Available string `json:"available"`
	}
	uri := fmt.Sprintf("/v1/vault/accounts/%s/%s/balance", vaultID, chainAssetID)
	if err := c.doJSON(ctx, http.MethodGet, uri, nil, &resp); err != nil {
		return engine.GasReport{}, err
	}
	required := c.defaultGas
	if v, ok := c.minGas[chainAssetID]; ok {
		required = v
	}
	cmp, err := c.mctx.Cmp(resp.Available, required)
	if err != nil {
		return engine.GasReport{}, fmt.Errorf("fireblocks: bad balance %q: %w", resp.Available, err)
	}
	return engine.GasReport{
		Sufficient: cmp >= 0,
		Available:  resp.Available,
		Required:   required,
	}, nil
}

func (c *Client) Mint(ctx context.Context, req engine.MintRequest) (engine.Submission, error) {
	body := map[string]any{
		"vaultAccountId": req.VaultID,
		"blockchainId":   req.ChainID,
		"assetId":        req.AssetID,
		"tokenSymbol":    req.TokenSymbol,
		"tokenName":      req.TokenName,
		"totalSupply":    req.TotalSupply,
		"decimals":       req.Decimals,
	}
	return c.submit(ctx, "/v1/tokenization/deploy", body)
}

func (c *Client) Burn(ctx context.Context, req engine.BurnRequest) (engine.Submission, error) {
	body := map[string]any{
		"vaultAccountId": req.VaultID,
		"blockchainId":   req.ChainID,
		"tokenAddress":   req.TokenAddress,
		"amount":         req.Amount,
	}
	return c.submit(ctx, "/v1/tokenization/burn", body)
}

func (c *Client) Freeze(ctx context.Context, req engine.FreezeRequest) (engine.Submission, error) {
	body := map[string]any{
		"vaultAccountId": req.VaultID,
		"blockchainId":   req.ChainID,
		"tokenAddress":   req.TokenAddress,
		"reason":         req.Reason,
	}
	return c.submit(ctx, "/v1/tokenization/freeze", body)
}

func (c *Client) Withdraw(ctx context.Context, req engine.WithdrawRequest) (engine.Submission, error) {
	body := map[string]any{
		"vaultAccountId": req.VaultID,
		"blockchainId":   req.ChainID,
		"tokenAddress":   req.TokenAddress,
		"amount":         req.Amount,
		"destination":    req.Destination,
	}
	return c.submit(ctx, "/v1/transactions", body)
}

func (c *Client) submit(ctx context.Context, uri string, body map[string]any) (engine.Submission, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, uri, body, &resp); err != nil {
		return engine.Submission{}, &domain.SubmissionError{Reason: err.Error()}
	}
	if strings.TrimSpace(resp.ID) == "" {
		return engine.Submission{}, &domain.SubmissionError{Reason: "custodian returned no task id"}
	}
	c.log.Info("custodian accepted submission", "uri", uri, "task_id", resp.ID)
	return engine.Submission{TaskID: resp.ID}, nil
}

// AwaitCompletion polls the task until terminal or the timeout elapses. A
// timeout is a normal result, not an error; the caller decides whether to
// re-poll.
func (c *Client) AwaitCompletion(ctx context.Context, taskID string, timeout time.Duration) (engine.Completion, error) {
	deadline := time.Now().Add(timeout)
	uri := "/v1/tasks/" + taskID
	for {
		var resp struct {
			Status          string `json:"status"`
			TxHash          string `json:"txHash"`
			ContractAddress string `json:"contractAddress"`
			ErrorMessage    string `json:"errorMessage"`
		}
		if err := c.doJSON(ctx, http.MethodGet, uri, nil, &resp); err != nil {
			return engine.Completion{}, err
		}
		switch strings.ToUpper(resp.Status) {
		case "COMPLETED":
			return engine.Completion{
				Status:          engine.CompletionCompleted,
				TxHash:          resp.TxHash,
				ContractAddress: resp.ContractAddress,
			}, nil
		case "FAILED", "BLOCKED", "CANCELLED", "REJECTED":
			msg := resp.ErrorMessage
			if msg == "" {
				msg = "task " + strings.ToLower(resp.Status)
			}
			return engine.Completion{Status: engine.CompletionFailed, ErrorMessage: msg}, nil
		}

		if time.Now().Add(c.pollInterval).After(deadline) {
			return engine.Completion{Status: engine.CompletionTimeout}, nil
		}
		select {
		case <-ctx.Done():
			return engine.Completion{Status: engine.CompletionTimeout}, nil
		case <-time.After(c.pollInterval):
		}
	}
}

// signToken issues the per-request credential: nonce plus a 30 second expiry,
// bound to the uri and body hash.
func (c *Client) signToken(uri string, body []byte) (string, error) {
	now := time.Now().UTC()
	sum := sha256.Sum256(body)
	claims := jwt.MapClaims{
		"uri":      uri,
		"nonce":    uuid.NewString(),
		"iat":      now.Unix(),
		"exp":      now.Add(30 * time.Second).Unix(),
		"sub":      c.apiKey,
		"bodyHash": hex.EncodeToString(sum[:]),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
}

func (c *Client) doJSON(ctx context.Context, method, uri string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	token, err := c.signToken(uri, payload)
	if err != nil {
		return fmt.Errorf("fireblocks: sign request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+uri, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var errBody map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("custodian http %d: %v", resp.StatusCode, errBody)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
