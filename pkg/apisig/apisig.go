package apisig

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingSignature = errors.New("apisig: signature header missing")
	ErrBadEncoding      = errors.New("apisig: signature is not hex")
	ErrMismatch         = errors.New("apisig: signature mismatch")
	ErrStaleTimestamp   = errors.New("apisig: timestamp outside tolerance")
	ErrBadTimestamp     = errors.New("apisig: timestamp is not a unix time")
)

const DefaultTolerance = 300 * time.Second

// Fingerprint identifies a request for duplicate suppression: sha256 hex of
// the canonical method+path+body tuple.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(strings.TrimSpace(method))))
	h.Write([]byte{'\n'})
	h.Write([]byte(strings.TrimSpace(path)))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Sign computes the HMAC-SHA256 signature clients are expected to send:
// hex(HMAC(secret, method+path+timestamp+body)).
func Sign(secret, method, path, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.ToUpper(strings.TrimSpace(method))))
	mac.Write([]byte(strings.TrimSpace(path)))
	mac.Write([]byte(strings.TrimSpace(timestamp)))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a provided signature against the shared secret and bounds the
// timestamp skew. timestamp is unix seconds as a decimal string.
func Verify(secret, method, path, timestamp string, body []byte, provided string, now time.Time, tolerance time.Duration) error {
	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("apisig: verifier secret is empty")
	}
	sigHex := strings.TrimSpace(provided)
	if sigHex == "" {
		return ErrMissingSignature
	}
	providedSig, err := hex.DecodeString(sigHex)
	if err != nil {
		return ErrBadEncoding
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil || ts <= 0 {
		return ErrBadTimestamp
	}
	skew := now.UTC().Unix() - ts
	if skew < 0 {
		skew = -skew
	}

	expected, _ := hex.DecodeString(Sign(secret, method, path, timestamp, body))
	if !hmac.Equal(expected, providedSig) {
		return ErrMismatch
	}
	if tolerance > 0 && time.Duration(skew)*time.Second > tolerance {
		return ErrStaleTimestamp
	}
	return nil
}
