package engine

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anskp/AssetLink-Custody-sub001/internal/domain"
	"github.com/anskp/AssetLink-Custody-sub001/pkg/money"
)

// Store is the persistence surface the engine needs. The pgx implementation
// lives in internal/store; tests use fakes.
type Store interface {
	GetOperation(ctx context.Context, tenantID, id string) (domain.Operation, error)
	GetCustodyRecord(ctx context.Context, tenantID, id string) (domain.CustodyRecord, error)
	// InsertOperation persists a PENDING_CHECKER operation. It returns
	// *domain.ConflictError when another operation for the same
	// (custody_record_id, type) pair is still in flight.
	InsertOperation(ctx context.Context, op domain.Operation) error
	// DecideOperation is a compare-and-set: the row moves from -> to only if
	// it is still in the from status. Returns false when the row was not in
	// that status, which is how concurrent deciders lose the race.
	DecideOperation(ctx context.Context, tenantID, id string, from, to domain.OperationStatus, checkedBy string, reason *string, at time.Time) (bool, error)
	SetOperationTask(ctx context.Context, tenantID, id, taskID string) error
	// FinishOperation writes the terminal operation status and any custody
	// record update in a single transaction.
	FinishOperation(ctx context.Context, tenantID string, fin Finish) error
	ListOperations(ctx context.Context, f ListFilter) ([]domain.Operation, int, error)
	AppendAudit(ctx context.Context, ev domain.AuditEvent) error
}

type Finish struct {
	OperationID  string
	Status       domain.OperationStatus
	ErrorMessage *string
	TxHash       *string
	ExecutedAt   time.Time
	Custody      *CustodyUpdate
}

type CustodyUpdate struct {
	RecordID     string
	Status       *domain.CustodyStatus
	TokenAddress *string
	MintedAt     *time.Time
	ErrorMessage *string
}

type ListFilter struct {
	TenantID string
	Status   *domain.OperationStatus
	Type     *domain.OperationType
	Limit    int
	Offset   int
}

type GasReport struct {
	Sufficient bool   `json:"sufficient"`
	Available  string `json:"available"`
	Required   string `json:"required"`
}

type Submission struct {
	TaskID string
}

type CompletionStatus string

const (
	CompletionCompleted CompletionStatus = "COMPLETED"
	CompletionFailed    CompletionStatus = "FAILED"
	CompletionTimeout   CompletionStatus = "TIMEOUT"
)

type Completion struct {
	Status          CompletionStatus
	TxHash          string
	ContractAddress string
	ErrorMessage    string
}

type MintRequest struct {
	VaultID     string
	ChainID     string
	AssetID     string
	TokenSymbol string
	TokenName   string
	TotalSupply string
	Decimals    int
}

type BurnRequest struct {
	VaultID      string
	ChainID      string
	TokenAddress string
	Amount       string
}

type FreezeRequest struct {
	VaultID      string
	ChainID      string
	TokenAddress string
	Reason       string
}

type WithdrawRequest struct {
	VaultID      string
	ChainID      string
	TokenAddress string
	Amount       string
	Destination  string
}

// Gateway abstracts the custodial MPC signer. Submissions are fire-and-forget
// and must never be retried by callers; the custodian does not deduplicate.
type Gateway interface {
	EnsureGasForVault(ctx context.Context, vaultID, chainAssetID string) (GasReport, error)
	Mint(ctx context.Context, req MintRequest) (Submission, error)
	Burn(ctx context.Context, req BurnRequest) (Submission, error)
	Freeze(ctx context.Context, req FreezeRequest) (Submission, error)
	Withdraw(ctx context.Context, req WithdrawRequest) (Submission, error)
	AwaitCompletion(ctx context.Context, taskID string, timeout time.Duration) (Completion, error)
}

type Options struct {
	Logger         *slog.Logger
	Money          money.Context
	VaultID        string
	ConfirmTimeout time.Duration
	// ConfirmRetries bounds re-polls of an already-submitted task. Only the
	// confirmation poll is retried, never the submission.
	ConfirmRetries int
	RetryBackoff   time.Duration
	Now            func() time.Time
}

type Engine struct {
	store          Store
	gw             Gateway
	log            *slog.Logger
	mctx           money.Context
	vaultID        string
	confirmTimeout time.Duration
	confirmRetries int
	retryBackoff   time.Duration
	now            func() time.Time
}

func New(store Store, gw Gateway, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Money.MaxDecimals == 0 {
		opts.Money = money.DefaultContext()
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 90 * time.Second
	}
	if opts.ConfirmRetries < 0 {
		opts.ConfirmRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		store:          store,
		gw:             gw,
		log:            log,
		mctx:           opts.Money,
		vaultID:        opts.VaultID,
		confirmTimeout: opts.ConfirmTimeout,
		confirmRetries: opts.ConfirmRetries,
		retryBackoff:   opts.RetryBackoff,
		now:            opts.Now,
	}
}

// CreateOperation opens a maker-checker gated operation in PENDING_CHECKER.
func (e *Engine) CreateOperation(ctx context.Context, typ domain.OperationType, custodyRecordID string, payload domain.OperationPayload, p domain.Principal) (domain.Operation, error) {
	if p.Role != domain.RoleMaker {
		return domain.Operation{}, &domain.RoleError{Required: domain.RoleMaker, Actual: p.Role}
	}
	if err := payload.Validate(typ, e.mctx); err != nil {
		return domain.Operation{}, err
	}
	rec, err := e.store.GetCustodyRecord(ctx, p.TenantID, custodyRecordID)
	if err != nil {
		return domain.Operation{}, err
	}
	if err := e.checkCustodyPrerequisite(typ, rec); err != nil {
		return domain.Operation{}, err
	}

	op := domain.Operation{
		ID:              "op_" + uuid.NewString(),
		TenantID:        p.TenantID,
		Type:            typ,
		Status:          domain.OpPendingChecker,
		CustodyRecordID: rec.ID,
		Payload:         payload,
		CreatedBy:       p.ActorID,
		CreatedAt:       e.now(),
	}
	if err := e.store.InsertOperation(ctx, op); err != nil {
		return domain.Operation{}, err
	}
	e.audit(ctx, p.TenantID, "operation", op.ID, "CREATED", p.ActorID, map[string]any{
		"type": string(typ), "custody_record_id": rec.ID,
	})
	e.log.Info("operation created",
		"operation_id", op.ID, "type", typ, "custody_record_id", rec.ID, "created_by", p.ActorID)
	return op, nil
}

// MINT runs against linked (or previously failed) records; value-moving and
// control operations require an already minted token.
func (e *Engine) checkCustodyPrerequisite(typ domain.OperationType, rec domain.CustodyRecord) error {
	switch typ {
	case domain.OpMint:
		if rec.Status != domain.CustodyLinked && rec.Status != domain.CustodyFailed {
			return &domain.StateError{Entity: "custody_record", From: string(rec.Status), To: string(domain.CustodyMinted)}
		}
	case domain.OpBurn, domain.OpFreeze, domain.OpWithdraw:
		if rec.Status != domain.CustodyMinted {
			return &domain.NotMintedError{AssetID: rec.AssetID, Status: rec.Status}
		}
	}
	return nil
}

// ApproveOperation transitions PENDING_CHECKER -> APPROVED and immediately
// executes against the custodian. Approval and execution are one
// caller-visible step: the returned operation is EXECUTED or FAILED.
func (e *Engine) ApproveOperation(ctx context.Context, operationID string, p domain.Principal) (domain.Operation, error) {
	op, err := e.authorizeDecision(ctx, operationID, p, domain.OpApproved)
	if err != nil {
		return domain.Operation{}, err
	}
	now := e.now()
	ok, err := e.store.DecideOperation(ctx, p.TenantID, op.ID, domain.OpPendingChecker, domain.OpApproved, p.ActorID, nil, now)
	if err != nil {
		return domain.Operation{}, err
	}
	if !ok {
		// A concurrent checker won the race; report the state they left.
		cur, gerr := e.store.GetOperation(ctx, p.TenantID, op.ID)
		if gerr != nil {
			return domain.Operation{}, gerr
		}
		return domain.Operation{}, &domain.StateError{Entity: "operation", From: string(cur.Status), To: string(domain.OpApproved)}
	}
	e.audit(ctx, p.TenantID, "operation", op.ID, "APPROVED", p.ActorID, nil)
	e.log.Info("operation approved", "operation_id", op.ID, "checked_by", p.ActorID)

	if err := e.execute(ctx, p.TenantID, op.ID); err != nil {
		return domain.Operation{}, err
	}
	return e.store.GetOperation(ctx, p.TenantID, op.ID)
}

func (e *Engine) RejectOperation(ctx context.Context, operationID string, p domain.Principal, reason string) (domain.Operation, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.Operation{}, &domain.ValidationError{Field: "reason", Reason: "required"}
	}
	op, err := e.authorizeDecision(ctx, operationID, p, domain.OpRejected)
	if err != nil {
		return domain.Operation{}, err
	}
	ok, err := e.store.DecideOperation(ctx, p.TenantID, op.ID, domain.OpPendingChecker, domain.OpRejected, p.ActorID, &reason, e.now())
	if err != nil {
		return domain.Operation{}, err
	}
	if !ok {
		cur, gerr := e.store.GetOperation(ctx, p.TenantID, op.ID)
		if gerr != nil {
			return domain.Operation{}, gerr
		}
		return domain.Operation{}, &domain.StateError{Entity: "operation", From: string(cur.Status), To: string(domain.OpRejected)}
	}
	e.audit(ctx, p.TenantID, "operation", op.ID, "REJECTED", p.ActorID, map[string]any{"reason": reason})
	e.log.Info("operation rejected", "operation_id", op.ID, "checked_by", p.ActorID, "reason", reason)
	return e.store.GetOperation(ctx, p.TenantID, op.ID)
}

func (e *Engine) ListOperations(ctx context.Context, f ListFilter) ([]domain.Operation, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return e.store.ListOperations(ctx, f)
}

func (e *Engine) authorizeDecision(ctx context.Context, operationID string, p domain.Principal, to domain.OperationStatus) (domain.Operation, error) {
	if p.Role != domain.RoleChecker {
		return domain.Operation{}, &domain.RoleError{Required: domain.RoleChecker, Actual: p.Role}
	}
	op, err := e.store.GetOperation(ctx, p.TenantID, operationID)
	if err != nil {
		return domain.Operation{}, err
	}
	if op.CreatedBy == p.ActorID {
		return domain.Operation{}, &domain.SelfApprovalError{ActorID: p.ActorID}
	}
	if op.Status != domain.OpPendingChecker {
		return domain.Operation{}, &domain.StateError{Entity: "operation", From: string(op.Status), To: string(to)}
	}
	return op, nil
}

// execute runs the approved operation against the custodian exactly once.
// The operation row is the idempotency boundary: execution only proceeds from
// a fresh APPROVED read, and every outcome lands the row in a terminal state.
func (e *Engine) execute(ctx context.Context, tenantID, operationID string) error {
	op, err := e.store.GetOperation(ctx, tenantID, operationID)
	if err != nil {
		return err
	}
	if op.Status != domain.OpApproved {
		return &domain.StateError{Entity: "operation", From: string(op.Status), To: string(domain.OpExecuted)}
	}
	rec, err := e.store.GetCustodyRecord(ctx, tenantID, op.CustodyRecordID)
	if err != nil {
		return err
	}

	chainID := op.Payload.BlockchainID
	if chainID == "" {
		chainID = rec.Blockchain
	}

	// Gas preflight for anything that moves value. Blocking here is cheaper
	// than a transaction stuck at the custodian.
	if op.Type == domain.OpMint || op.Type == domain.OpWithdraw {
		gas, gerr := e.gw.EnsureGasForVault(ctx, e.vaultID, chainID)
		if gerr != nil {
			return e.fail(ctx, tenantID, op, rec, "gas check failed: "+gerr.Error(), false)
		}
		if !gas.Sufficient {
			e.log.Warn("gas preflight blocked execution",
				"operation_id", op.ID, "available", gas.Available, "required", gas.Required)
			return e.fail(ctx, tenantID, op, rec, "insufficient gas", false)
		}
	}

	sub, serr := e.submit(ctx, op, rec, chainID)
	if serr != nil {
		return e.fail(ctx, tenantID, op, rec, serr.Error(), op.Type == domain.OpMint)
	}
	if err := e.store.SetOperationTask(ctx, tenantID, op.ID, sub.TaskID); err != nil {
		return err
	}
	e.log.Info("operation submitted", "operation_id", op.ID, "task_id", sub.TaskID)

	comp := e.awaitWithRetries(ctx, sub.TaskID)
	switch comp.Status {
	case CompletionCompleted:
		return e.succeed(ctx, tenantID, op, rec, comp)
	case CompletionFailed:
		msg := comp.ErrorMessage
		if msg == "" {
			msg = "custodian reported failure"
		}
		return e.fail(ctx, tenantID, op, rec, msg, op.Type == domain.OpMint)
	default:
		terr := &domain.TimeoutError{TaskID: sub.TaskID}
		return e.fail(ctx, tenantID, op, rec, terr.Error(), op.Type == domain.OpMint)
	}
}

func (e *Engine) submit(ctx context.Context, op domain.Operation, rec domain.CustodyRecord, chainID string) (Submission, error) {
	tokenAddress := ""
	if rec.TokenAddress != nil {
		tokenAddress = *rec.TokenAddress
	}
	switch op.Type {
	case domain.OpMint:
		decimals := 18
		if op.Payload.Decimals != nil {
			decimals = *op.Payload.Decimals
		}
		return e.gw.Mint(ctx, MintRequest{
			VaultID:     e.vaultID,
			ChainID:     chainID,
			AssetID:     rec.AssetID,
			TokenSymbol: op.Payload.TokenSymbol,
			TokenName:   op.Payload.TokenName,
			TotalSupply: op.Payload.TotalSupply,
			Decimals:    decimals,
		})
	case domain.OpBurn:
		return e.gw.Burn(ctx, BurnRequest{
			VaultID: e.vaultID, ChainID: chainID, TokenAddress: tokenAddress, Amount: op.Payload.Amount,
		})
	case domain.OpFreeze:
		return e.gw.Freeze(ctx, FreezeRequest{
			VaultID: e.vaultID, ChainID: chainID, TokenAddress: tokenAddress, Reason: op.Payload.Reason,
		})
	case domain.OpWithdraw:
		return e.gw.Withdraw(ctx, WithdrawRequest{
			VaultID: e.vaultID, ChainID: chainID, TokenAddress: tokenAddress,
			Amount: op.Payload.Amount, Destination: op.Payload.Destination,
		})
	}
	return Submission{}, &domain.SubmissionError{Reason: "unknown operation type " + string(op.Type)}
}

// awaitWithRetries re-polls the confirmation with backoff. The submission is
// never repeated; only AwaitCompletion is.
func (e *Engine) awaitWithRetries(ctx context.Context, taskID string) Completion {
	comp := Completion{Status: CompletionTimeout}
	for attempt := 0; attempt <= e.confirmRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return comp
			case <-time.After(e.retryBackoff):
			}
		}
		got, err := e.gw.AwaitCompletion(ctx, taskID, e.confirmTimeout)
		if err != nil {
			e.log.Warn("confirmation poll error", "task_id", taskID, "attempt", attempt, "error", err)
			continue
		}
		comp = got
		if comp.Status != CompletionTimeout {
			return comp
		}
	}
	return comp
}

func (e *Engine) succeed(ctx context.Context, tenantID string, op domain.Operation, rec domain.CustodyRecord, comp Completion) error {
	now := e.now()
	fin := Finish{
		OperationID: op.ID,
		Status:      domain.OpExecuted,
		ExecutedAt:  now,
	}
	if comp.TxHash != "" {
		tx := comp.TxHash
		fin.TxHash = &tx
	}
	if op.Type == domain.OpMint {
		minted := domain.CustodyMinted
		addr := comp.ContractAddress
		mintedAt := now
		fin.Custody = &CustodyUpdate{
			RecordID:     rec.ID,
			Status:       &minted,
			TokenAddress: &addr,
			MintedAt:     &mintedAt,
		}
	}
	if err := e.store.FinishOperation(ctx, tenantID, fin); err != nil {
		return err
	}
	e.audit(ctx, tenantID, "operation", op.ID, "EXECUTED", "SYSTEM", map[string]any{
		"tx_hash": comp.TxHash, "contract_address": comp.ContractAddress,
	})
	e.log.Info("operation executed", "operation_id", op.ID, "tx_hash", comp.TxHash)
	return nil
}

// fail lands the operation in FAILED and mirrors the message onto the custody
// record. failCustody additionally flips the record status (mint failures);
// gas preflight failures leave the record status untouched.
func (e *Engine) fail(ctx context.Context, tenantID string, op domain.Operation, rec domain.CustodyRecord, msg string, failCustody bool) error {
	fin := Finish{
		OperationID:  op.ID,
		Status:       domain.OpFailed,
		ErrorMessage: &msg,
		ExecutedAt:   e.now(),
		Custody: &CustodyUpdate{
			RecordID:     rec.ID,
			ErrorMessage: &msg,
		},
	}
	if failCustody {
		failed := domain.CustodyFailed
		fin.Custody.Status = &failed
	}
	if err := e.store.FinishOperation(ctx, tenantID, fin); err != nil {
		return err
	}
	e.audit(ctx, tenantID, "operation", op.ID, "FAILED", "SYSTEM", map[string]any{"error": msg})
	e.log.Warn("operation failed", "operation_id", op.ID, "error", msg)
	return nil
}

func (e *Engine) audit(ctx context.Context, tenantID, entityType, entityID, action, actorID string, details map[string]any) {
	_ = e.store.AppendAudit(ctx, domain.AuditEvent{
		ID:         "aud_" + uuid.NewString(),
		TenantID:   tenantID,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		ActorID:    actorID,
		Details:    details,
		CreatedAt:  e.now(),
	})
}
