package domain

import "time"

type Role string

const (
	RoleMaker   Role = "MAKER"
	RoleChecker Role = "CHECKER"
	RoleViewer  Role = "VIEWER"
)

// Principal is the verified caller identity attached by the auth middleware.
// ActorID is the end-user identity when X-User-Id is supplied, otherwise the
// API key itself acts as the principal.
type Principal struct {
	TenantID string
	KeyID    string
	ActorID  string
	Role     Role
}

type OperationType string

const (
	OpMint     OperationType = "MINT"
	OpBurn     OperationType = "BURN"
	OpFreeze   OperationType = "FREEZE"
	OpWithdraw OperationType = "WITHDRAW"
)

func ParseOperationType(s string) (OperationType, error) {
	switch OperationType(s) {
	case OpMint, OpBurn, OpFreeze, OpWithdraw:
		return OperationType(s), nil
	}
	return "", &ValidationError{Field: "type", Reason: "unknown operation type " + s}
}

type OperationStatus string

const (
	OpPendingChecker OperationStatus = "PENDING_CHECKER"
	OpApproved       OperationStatus = "APPROVED"
	OpRejected       OperationStatus = "REJECTED"
	OpExecuted       OperationStatus = "EXECUTED"
	OpFailed         OperationStatus = "FAILED"
)

// CanTransition is the exhaustive operation state table. REJECTED, EXECUTED
// and FAILED are terminal; a fresh operation must be created to retry.
func (s OperationStatus) CanTransition(to OperationStatus) error {
	allowed := map[OperationStatus][]OperationStatus{
		OpPendingChecker: {OpApproved, OpRejected},
		OpApproved:       {OpExecuted, OpFailed},
		OpRejected:       nil,
		OpExecuted:       nil,
		OpFailed:         nil,
	}
	next, known := allowed[s]
	if !known {
		return &StateError{Entity: "operation", From: string(s), To: string(to)}
	}
	for _, n := range next {
		if n == to {
			return nil
		}
	}
	return &StateError{Entity: "operation", From: string(s), To: string(to)}
}

type CustodyStatus string

const (
	CustodyPending  CustodyStatus = "PENDING"
	CustodyLinked   CustodyStatus = "LINKED"
	CustodyUnlinked CustodyStatus = "UNLINKED"
	CustodyMinted   CustodyStatus = "MINTED"
	CustodyFailed   CustodyStatus = "FAILED"
)

// CanTransition is the custody link state table. FAILED is non-terminal: a
// retried mint moves the record back to MINTED or keeps it FAILED.
func (s CustodyStatus) CanTransition(to CustodyStatus) error {
	allowed := map[CustodyStatus][]CustodyStatus{
		CustodyPending:  {CustodyLinked, CustodyUnlinked},
		CustodyLinked:   {CustodyMinted, CustodyFailed},
		CustodyUnlinked: nil,
		CustodyMinted:   {CustodyFailed},
		CustodyFailed:   {CustodyMinted, CustodyFailed},
	}
	next, known := allowed[s]
	if !known {
		return &StateError{Entity: "custody_record", From: string(s), To: string(to)}
	}
	for _, n := range next {
		if n == to {
			return nil
		}
	}
	return &StateError{Entity: "custody_record", From: string(s), To: string(to)}
}

type ListingStatus string

const (
	ListingDraft     ListingStatus = "DRAFT"
	ListingActive    ListingStatus = "ACTIVE"
	ListingSold      ListingStatus = "SOLD"
	ListingCancelled ListingStatus = "CANCELLED"
)

func (s ListingStatus) CanTransition(to ListingStatus) error {
	allowed := map[ListingStatus][]ListingStatus{
		ListingDraft:     {ListingActive, ListingCancelled},
		ListingActive:    {ListingSold, ListingCancelled},
		ListingSold:      nil,
		ListingCancelled: nil,
	}
	next, known := allowed[s]
	if !known {
		return &StateError{Entity: "listing", From: string(s), To: string(to)}
	}
	for _, n := range next {
		if n == to {
			return nil
		}
	}
	return &StateError{Entity: "listing", From: string(s), To: string(to)}
}

type BidStatus string

const (
	BidPending  BidStatus = "PENDING"
	BidAccepted BidStatus = "ACCEPTED"
	BidRejected BidStatus = "REJECTED"
)

type CustodyRecord struct {
	ID               string        `json:"id"`
	TenantID         string        `json:"tenantId"`
	AssetID          string        `json:"assetId"`
	CreatedBy        string        `json:"createdBy"`
	Status           CustodyStatus `json:"status"`
	Blockchain       string        `json:"blockchain"`
	TokenStandard    string        `json:"tokenStandard"`
	TokenAddress     *string       `json:"tokenAddress,omitempty"`
	TokenID          *string       `json:"tokenId,omitempty"`
	Quantity         string        `json:"quantity"`
	NavOracleAddress *string       `json:"navOracleAddress,omitempty"`
	PorOracleAddress *string       `json:"porOracleAddress,omitempty"`
	ErrorMessage     *string       `json:"errorMessage,omitempty"`
	CheckedBy        *string       `json:"checkedBy,omitempty"`
	LinkedAt         *time.Time    `json:"linkedAt,omitempty"`
	MintedAt         *time.Time    `json:"mintedAt,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
}

type Operation struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenantId"`
	Type             OperationType   `json:"type"`
	Status           OperationStatus `json:"status"`
	CustodyRecordID  string          `json:"custodyRecordId"`
	Payload          OperationPayload `json:"payload"`
	CreatedBy        string          `json:"createdBy"`
	CheckedBy        *string         `json:"checkedBy,omitempty"`
	RejectionReason  *string         `json:"rejectionReason,omitempty"`
	FireblocksTaskID *string         `json:"fireblocksTaskId,omitempty"`
	TxHash           *string         `json:"txHash,omitempty"`
	ErrorMessage     *string         `json:"errorMessage,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	CheckedAt        *time.Time      `json:"checkedAt,omitempty"`
	ExecutedAt       *time.Time      `json:"executedAt,omitempty"`
}

type Listing struct {
	ID             string        `json:"id"`
	TenantID       string        `json:"tenantId"`
	AssetID        string        `json:"assetId"`
	SellerID       string        `json:"sellerId"`
	Price          string        `json:"price"`
	Currency       string        `json:"currency"`
	QuantityListed string        `json:"quantityListed"`
	QuantitySold   string        `json:"quantitySold"`
	Status         ListingStatus `json:"status"`
	ExpiryDate     *time.Time    `json:"expiryDate,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

type Bid struct {
	ID        string    `json:"id"`
	ListingID string    `json:"listingId"`
	BuyerID   string    `json:"buyerId"`
	Amount    string    `json:"amount"`
	Quantity  string    `json:"quantity"`
	Status    BidStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// OwnershipRecord is an append-only ledger entry; rows are never mutated.
type OwnershipRecord struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenantId"`
	AssetID         string    `json:"assetId"`
	CustodyRecordID string    `json:"custodyRecordId"`
	OwnerID         string    `json:"ownerId"`
	SellerID        string    `json:"sellerId"`
	ListingID       string    `json:"listingId"`
	BidID           string    `json:"bidId"`
	Quantity        string    `json:"quantity"`
	PurchasePrice   string    `json:"purchasePrice"`
	AcquiredAt      time.Time `json:"acquiredAt"`
}

type APIKey struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	Role        Role      `json:"role"`
	Permissions []string  `json:"permissions"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
}

type AuditEvent struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenantId"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Action     string         `json:"action"`
	ActorID    string         `json:"actorId"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}
