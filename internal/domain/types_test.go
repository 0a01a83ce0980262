package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/anskp/AssetLink-Custody-sub001/pkg/money"
)

func TestOperationTransitions(t *testing.T) {
	cases := []struct {
		from, to OperationStatus
		ok       bool
	}{
		{OpPendingChecker, OpApproved, true},
		{OpPendingChecker, OpRejected, true},
		{OpPendingChecker, OpExecuted, false},
		{OpApproved, OpExecuted, true},
		{OpApproved, OpFailed, true},
		{OpApproved, OpRejected, false},
		{OpRejected, OpApproved, false},
		{OpExecuted, OpFailed, false},
		{OpFailed, OpApproved, false},
	}
	for _, c := range cases {
		err := c.from.CanTransition(c.to)
		if c.ok && err != nil {
			t.Fatalf("%s -> %s should be allowed: %v", c.from, c.to, err)
		}
		if !c.ok {
			var se *StateError
			if !errors.As(err, &se) {
				t.Fatalf("%s -> %s should yield StateError, got %v", c.from, c.to, err)
			}
		}
	}
}

func TestCustodyFailedIsRetryable(t *testing.T) {
	if err := CustodyFailed.CanTransition(CustodyMinted); err != nil {
		t.Fatalf("FAILED custody records must be mintable again: %v", err)
	}
	if err := CustodyUnlinked.CanTransition(CustodyMinted); err == nil {
		t.Fatalf("UNLINKED is terminal")
	}
}

func TestListingTransitions(t *testing.T) {
	if err := ListingDraft.CanTransition(ListingActive); err != nil {
		t.Fatal(err)
	}
	if err := ListingActive.CanTransition(ListingSold); err != nil {
		t.Fatal(err)
	}
	if err := ListingSold.CanTransition(ListingCancelled); err == nil {
		t.Fatal("SOLD is terminal")
	}
	if err := ListingDraft.CanTransition(ListingSold); err == nil {
		t.Fatal("DRAFT cannot jump to SOLD")
	}
}

func TestMintPayloadValidation(t *testing.T) {
	mctx := money.DefaultContext()
	dec := 18
	good := OperationPayload{
		TokenSymbol: "GLD", TokenName: "Gold Token", TotalSupply: "100",
		Decimals: &dec, BlockchainID: "ETH_TEST5",
	}
	if err := good.Validate(OpMint, mctx); err != nil {
		t.Fatalf("valid MINT payload rejected: %v", err)
	}

	bad := good
	bad.TokenSymbol = ""
	var ve *ValidationError
	if err := bad.Validate(OpMint, mctx); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for missing tokenSymbol, got %v", err)
	}

	bad = good
	bad.TotalSupply = "-5"
	if err := bad.Validate(OpMint, mctx); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for negative supply, got %v", err)
	}
}

// Clients send the documented camelCase field names; strict decoding must
// accept them without any renaming.
func TestMintBodyDecodesStrict(t *testing.T) {
	body := []byte(`{"assetId":"A1","tokenSymbol":"GLD","tokenName":"Gold Token","totalSupply":"100","decimals":18,"blockchainId":"ETH_TEST5"}`)
	var req struct {
		AssetID string `json:"assetId"`
		OperationPayload
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		t.Fatalf("documented mint body rejected: %v", err)
	}
	if req.AssetID != "A1" || req.TokenSymbol != "GLD" || req.TotalSupply != "100" {
		t.Fatalf("fields not bound: %+v", req)
	}
	if req.Decimals == nil || *req.Decimals != 18 {
		t.Fatalf("decimals not bound: %+v", req.Decimals)
	}

	if b, err := json.Marshal(Operation{ID: "op_1", Type: OpMint, Status: OpPendingChecker, CustodyRecordID: "cr_1"}); err != nil ||
		!bytes.Contains(b, []byte(`"custodyRecordId"`)) || !bytes.Contains(b, []byte(`"PENDING_CHECKER"`)) {
		t.Fatalf("operation wire shape drifted: %s (%v)", b, err)
	}
}

func TestWithdrawPayloadValidation(t *testing.T) {
	mctx := money.DefaultContext()
	p := OperationPayload{Amount: "10", Destination: "0xdead"}
	if err := p.Validate(OpWithdraw, mctx); err != nil {
		t.Fatalf("valid WITHDRAW payload rejected: %v", err)
	}
	p.Destination = ""
	if err := p.Validate(OpWithdraw, mctx); err == nil {
		t.Fatal("WITHDRAW without destination must fail")
	}
	p = OperationPayload{Amount: "0"}
	if err := p.Validate(OpBurn, mctx); err == nil {
		t.Fatal("BURN of zero must fail")
	}
}
