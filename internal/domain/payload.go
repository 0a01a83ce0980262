package domain

import (
	"strings"

	"github.com/anskp/AssetLink-Custody-sub001/pkg/money"
)

// OperationPayload carries the type-specific parameters of an operation.
// Unused fields stay empty; Validate enforces the per-type requirements.
type OperationPayload struct {
	TokenSymbol  string `json:"tokenSymbol,omitempty"`
	TokenName    string `json:"tokenName,omitempty"`
	TotalSupply  string `json:"totalSupply,omitempty"`
	Decimals     *int   `json:"decimals,omitempty"`
	BlockchainID string `json:"blockchainId,omitempty"`
	Amount       string `json:"amount,omitempty"`
	Destination  string `json:"destination,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

func (p OperationPayload) Validate(typ OperationType, mctx money.Context) error {
	switch typ {
	case OpMint:
		if strings.TrimSpace(p.TokenSymbol) == "" {
			return &ValidationError{Field: "tokenSymbol", Reason: "required for MINT"}
		}
		if strings.TrimSpace(p.TokenName) == "" {
			return &ValidationError{Field: "tokenName", Reason: "required for MINT"}
		}
		if strings.TrimSpace(p.BlockchainID) == "" {
			return &ValidationError{Field: "blockchainId", Reason: "required for MINT"}
		}
		if p.Decimals == nil || *p.Decimals < 0 || *p.Decimals > 18 {
			return &ValidationError{Field: "decimals", Reason: "must be between 0 and 18"}
		}
		pos, err := mctx.IsPositive(p.TotalSupply)
		if err != nil || !pos {
			return &ValidationError{Field: "totalSupply", Reason: "must be a positive decimal"}
		}
	case OpBurn, OpWithdraw:
		pos, err := mctx.IsPositive(p.Amount)
		if err != nil || !pos {
			return &ValidationError{Field: "amount", Reason: "must be a positive decimal"}
		}
		if typ == OpWithdraw && strings.TrimSpace(p.Destination) == "" {
			return &ValidationError{Field: "destination", Reason: "required for WITHDRAW"}
		}
	case OpFreeze:
		// Freeze takes no value parameters; reason is optional.
	default:
		return &ValidationError{Field: "type", Reason: "unknown operation type " + string(typ)}
	}
	return nil
}
