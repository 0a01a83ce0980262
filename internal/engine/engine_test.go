package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anskp/AssetLink-Custody-sub001/internal/custody"
	"github.com/anskp/AssetLink-Custody-sub001/internal/domain"
)

type fakeStore struct {
	mu     sync.Mutex
	ops    map[string]domain.Operation
	recs   map[string]domain.CustodyRecord
	audits []domain.AuditEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ops:  map[string]domain.Operation{},
		recs: map[string]domain.CustodyRecord{},
	}
}

func (f *fakeStore) GetOperation(ctx context.Context, tenantID, id string) (domain.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[id]
	if !ok || op.TenantID != tenantID {
		return domain.Operation{}, domain.ErrNotFound
	}
	return op, nil
}

func (f *fakeStore) GetCustodyRecord(ctx context.Context, tenantID, id string) (domain.CustodyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok || rec.TenantID != tenantID {
		return domain.CustodyRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) InsertOperation(ctx context.Context, op domain.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.ops {
		if existing.CustodyRecordID == op.CustodyRecordID && existing.Type == op.Type &&
			(existing.Status == domain.OpPendingChecker || existing.Status == domain.OpApproved) {
			return &domain.ConflictError{Reason: "operation already in flight for this record and type"}
		}
	}
	f.ops[op.ID] = op
	return nil
}

func (f *fakeStore) DecideOperation(ctx context.Context, tenantID, id string, from, to domain.OperationStatus, checkedBy string, reason *string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[id]
	if !ok || op.TenantID != tenantID || op.Status != from {
		return false, nil
	}
	op.Status = to
	op.CheckedBy = &checkedBy
	op.CheckedAt = &at
	op.RejectionReason = reason
	f.ops[id] = op
	return true, nil
}

func (f *fakeStore) SetOperationTask(ctx context.Context, tenantID, id, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := f.ops[id]
	op.FireblocksTaskID = &taskID
	f.ops[id] = op
	return nil
}

func (f *fakeStore) FinishOperation(ctx context.Context, tenantID string, fin Finish) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := f.ops[fin.OperationID]
	op.Status = fin.Status
	op.ErrorMessage = fin.ErrorMessage
	op.TxHash = fin.TxHash
	op.ExecutedAt = &fin.ExecutedAt
	f.ops[fin.OperationID] = op
	if fin.Custody != nil {
		rec := f.recs[fin.Custody.RecordID]
		if fin.Custody.Status != nil {
			rec.Status = *fin.Custody.Status
		}
		if fin.Custody.TokenAddress != nil {
			rec.TokenAddress = fin.Custody.TokenAddress
		}
		if fin.Custody.MintedAt != nil {
			rec.MintedAt = fin.Custody.MintedAt
		}
		if fin.Custody.ErrorMessage != nil {
			rec.ErrorMessage = fin.Custody.ErrorMessage
		}
		f.recs[fin.Custody.RecordID] = rec
	}
	return nil
}

func (f *fakeStore) ListOperations(ctx context.Context, filter ListFilter) ([]domain.Operation, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Operation
	for _, op := range f.ops {
		if op.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != nil && op.Status != *filter.Status {
			continue
		}
		if filter.Type != nil && op.Type != *filter.Type {
			continue
		}
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if filter.Offset >= len(out) {
		return nil, total, nil
	}
	out = out[filter.Offset:]
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, total, nil
}

func (f *fakeStore) InsertCustodyRecord(ctx context.Context, rec domain.CustodyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.recs {
		if existing.TenantID == rec.TenantID && existing.AssetID == rec.AssetID {
			return &domain.ConflictError{Reason: "asset already under custody"}
		}
	}
	f.recs[rec.ID] = rec
	return nil
}

func (f *fakeStore) GetCustodyRecordByAssetID(ctx context.Context, tenantID, assetID string) (domain.CustodyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.recs {
		if rec.TenantID == tenantID && rec.AssetID == assetID {
			return rec, nil
		}
	}
	return domain.CustodyRecord{}, domain.ErrNotFound
}

func (f *fakeStore) DecideLink(ctx context.Context, tenantID, id string, to domain.CustodyStatus, checkedBy string, reason *string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok || rec.TenantID != tenantID || rec.Status != domain.CustodyPending {
		return false, nil
	}
	rec.Status = to
	rec.CheckedBy = &checkedBy
	if reason != nil {
		rec.ErrorMessage = reason
	}
	if to == domain.CustodyLinked {
		rec.LinkedAt = &at
	}
	f.recs[id] = rec
	return true, nil
}

func (f *fakeStore) ListCustodyRecords(ctx context.Context, filter custody.ListFilter) ([]domain.CustodyRecord, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CustodyRecord
	for _, rec := range f.recs {
		if rec.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != nil && rec.Status != *filter.Status {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, len(out), nil
}

func (f *fakeStore) AppendAudit(ctx context.Context, ev domain.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, ev)
	return nil
}

type fakeGateway struct {
	mu            sync.Mutex
	gas           GasReport
	gasErr        error
	submitErr     error
	completion    Completion
	mintCalls     int
	burnCalls     int
	withdrawCalls int
	freezeCalls   int
	pollCalls     int
}

func okGateway() *fakeGateway {
	return &fakeGateway{
		gas:        GasReport{Sufficient: true, Available: "1.0", Required: "0.02"},
		completion: Completion{Status: CompletionCompleted, TxHash: "0xtx", ContractAddress: "0xabc"},
	}
}

func (g *fakeGateway) EnsureGasForVault(ctx context.Context, vaultID, chainAssetID string) (GasReport, error) {
	return g.gas, g.gasErr
}

func (g *fakeGateway) Mint(ctx context.Context, req MintRequest) (Submission, error) {
	g.mu.Lock()
	g.mintCalls++
	g.mu.Unlock()
	if g.submitErr != nil {
		return Submission{}, g.submitErr
	}
	return Submission{TaskID: "task_mint"}, nil
}

func (g *fakeGateway) Burn(ctx context.Context, req BurnRequest) (Submission, error) {
	g.mu.Lock()
	g.burnCalls++
	g.mu.Unlock()
	if g.submitErr != nil {
		return Submission{}, g.submitErr
	}
	return Submission{TaskID: "task_burn"}, nil
}

func (g *fakeGateway) Freeze(ctx context.Context, req FreezeRequest) (Submission, error) {
	g.mu.Lock()
	g.freezeCalls++
	g.mu.Unlock()
	return Submission{TaskID: "task_freeze"}, nil
}

func (g *fakeGateway) Withdraw(ctx context.Context, req WithdrawRequest) (Submission, error) {
	g.mu.Lock()
	g.withdrawCalls++
	g.mu.Unlock()
	if g.submitErr != nil {
		return Submission{}, g.submitErr
	}
	return Submission{TaskID: "task_withdraw"}, nil
}

func (g *fakeGateway) AwaitCompletion(ctx context.Context, taskID string, timeout time.Duration) (Completion, error) {
	g.mu.Lock()
	g.pollCalls++
	g.mu.Unlock()
	return g.completion, nil
}

func newTestEngine(st *fakeStore, gw Gateway) *Engine {
	return New(st, gw, Options{
		VaultID:        "vault-1",
		ConfirmTimeout: 10 * time.Millisecond,
		ConfirmRetries: 2,
		RetryBackoff:   time.Millisecond,
	})
}

func seedLinkedRecord(st *fakeStore) domain.CustodyRecord {
	rec := domain.CustodyRecord{
		ID: "cr_1", TenantID: "t1", AssetID: "A1", CreatedBy: "issuer-1",
		Status: domain.CustodyLinked, Blockchain: "ETH_TEST5", TokenStandard: "ERC20",
		Quantity: "100", CreatedAt: time.Now().UTC(),
	}
	st.recs[rec.ID] = rec
	return rec
}

func mintPayload() domain.OperationPayload {
	dec := 18
	return domain.OperationPayload{
		TokenSymbol: "GLD", TokenName: "Gold", TotalSupply: "100",
		Decimals: &dec, BlockchainID: "ETH_TEST5",
	}
}

var (
	maker   = domain.Principal{TenantID: "t1", KeyID: "key_m", ActorID: "alice", Role: domain.RoleMaker}
	checker = domain.Principal{TenantID: "t1", KeyID: "key_c", ActorID: "bob", Role: domain.RoleChecker}
)

func TestCreateRequiresMakerRole(t *testing.T) {
	st := newFakeStore()
	seedLinkedRecord(st)
	e := newTestEngine(st, okGateway())

	_, err := e.CreateOperation(context.Background(), domain.OpMint, "cr_1", mintPayload(), checker)
	var re *domain.RoleError
	if !errors.As(err, &re) {
		t.Fatalf("expected RoleError, got %v", err)
	}
}

func TestCreateRejectsMalformedPayload(t *testing.T) {
	st := newFakeStore()
	seedLinkedRecord(st)
	e := newTestEngine(st, okGateway())

	p := mintPayload()
	p.TokenSymbol = ""
	_, err := e.CreateOperation(context.Background(), domain.OpMint, "cr_1", p, maker)
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCreateConflictsOnInFlightDuplicate(t *testing.T) {
	st := newFakeStore()
	seedLinkedRecord(st)
	e := newTestEngine(st, okGateway())

	if _, err := e.CreateOperation(context.Background(), domain.OpMint, "cr_1", mintPayload(), maker); err != nil {
		t.Fatal(err)
	}
	_, err := e.CreateOperation(context.Background(), domain.OpMint, "cr_1", mintPayload(), maker)
	var ce *domain.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError for duplicate in-flight MINT, got %v", err)
	}
}

func TestBurnRequiresMintedRecord(t *testing.T) {
	st := newFakeStore()
	seedLinkedRecord(st)
	e := newTestEngine(st, okGateway())

	_, err := e.CreateOperation(context.Background(), domain.OpBurn, "cr_1", domain.OperationPayload{Amount: "5"}, maker)
	var nm *domain.NotMintedError
	if !errors.As(err, &nm) {
		t.Fatalf("expected NotMintedError, got %v", err)
	}
}

func TestSelfApprovalForbidden(t *testing.T) {
	st := newFakeStore()
	seedLinkedRecord(st)
	gw := okGateway()
	e := newTestEngine(st, gw)

	op, err := e.CreateOperation(context.Background(), domain.OpMint, "cr_1", mintPayload(), maker)
	if err != nil {
		t.Fatal(err)
	}
	sameActor := domain.Principal{TenantID: "t1", KeyID: "key_c", ActorID: maker.ActorID, Role: domain.RoleChecker}
	_, err = e.ApproveOperation(context.Background(), op.ID, sameActor)
	var sa *domain.SelfApprovalError
	if !errors.As(err, &sa) {
		t.Fatalf("expected SelfApprovalError, got %v", err)
	}
	cur, _ := st.GetOperation(context.Background(), "t1", op.ID)
	if cur.Status != domain.OpPendingChecker {
		t.Fatalf("operation must remain PENDING_CHECKER, got %s", cur.Status)
	}
	if gw.mintCalls != 0 {
		t.Fatalf("gateway must not be called, got %d mint calls", gw.mintCalls)
	}
}

func TestApproveMintHappyPath(t *testing.T) {
	st := newFakeStore()
	seedLinkedRecord(st)
	gw := okGateway()
	e := newTestEngine(st, gw)

	op, err := e.CreateOperation(context.Background(), domain.OpMint, "cr_1", mintPayload(), maker)
	if err != nil {
		t.Fatal(err)
	}
	got, err := e.ApproveOperation(context.Background(), op.ID, checker)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.OpExecuted {
		t.Fatalf("expected EXECUTED, got %s (%v)", got.Status, got.ErrorMessage)
	}
	if got.CheckedBy == nil || *got.CheckedBy != "bob" {
		t.Fatalf("checked_by not recorded: %+v", got.CheckedBy)
	}
	if got.FireblocksTaskID == nil || *got.FireblocksTaskID != "task_mint" {
		t.Fatalf("task id not recorded")
	}
	rec, _ := st.GetCustodyRecord(context.Background(), "t1", "cr_1")
	if rec.Status != domain.CustodyMinted {
		t.Fatalf("custody record should be MINTED, got %s", rec.Status)
	}
	if rec.TokenAddress == nil || *rec.TokenAddress != "0xabc" {
		t.Fatalf("token address should be 0xabc, got %v", rec.TokenAddress)
	}
	if rec.MintedAt == nil {
		t.Fatalf("minted_at should be set")
	}
	if gw.mintCalls != 1 {
		t.Fatalf("expected exactly one mint submission, got %d", gw.mintCalls)
	}
}

func TestApproveBlockedByInsufficientGas(t *testing.T) {
	st := newFakeStore()
	seedLinkedRecord(st)
	gw := okGateway()
	gw.gas = GasReport{Sufficient: false, Available: "0.001", Required: "0.02"}
	e := newTestEngine(st, gw)

	op, _ := e.CreateOperation(context.Background(), domain.OpMint, "cr_1", mintPayload(), maker)
	got, err := e.ApproveOperation(context.Background(), op.ID, checker)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.OpFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "insufficient gas" {
		t.Fatalf("expected 'insufficient gas', got %v", got.ErrorMessage)
	}
	if gw.mintCalls != 0 {
		t.Fatalf("no transaction may be submitted on gas failure, got %d", gw.mintCalls)
	}
	rec, _ := st.GetCustodyRecord(context.Background(), "t1", "cr_1")
	if rec.Status != domain.CustodyLinked {
		t.Fatalf("custody status must be unchanged, got %s", rec.Status)
	}
	if rec.ErrorMessage == nil || *rec.ErrorMessage != "insufficient gas" {
		t.Fatalf("custody error message not propagated: %v", rec.ErrorMessage)
	}
	if rec.TokenAddress != nil {
		t.Fatalf("token address must stay unset")
	}
}

func TestSecondApproveDoesNotReachGateway(t *testing.T) {
	st := newFakeStore()
	seedLinkedRecord(st)
	gw := okGateway()
	e := newTestEngine(st, gw)

	op, _ := e.CreateOperation(context.Background(), domain.OpMint, "cr_1", mintPayload(), maker)
	if _, err := e.ApproveOperation(context.Background(), op.ID, checker); err != nil {
		t.Fatal(err)
	}
	other := domain.Principal{TenantID: "t1", KeyID: "key_c2", ActorID: "carol", Role: domain.RoleChecker}
	_, err := e.ApproveOperation(context.Background(), op.ID, other)
	var se *domain.StateError
	if !errors.As(err, &se) {
		t.Fatalf("expected StateError on re-approval, got %v", err)
	}
	if gw.mintCalls != 1 {
		t.Fatalf("gateway must be invoked exactly once, got %d", gw.mintCalls)
	}
}

func TestConcurrentApprovalsExecuteOnce(t *testing.T) {
	st := newFakeStore()
	seedLinkedRecord(st)
	gw := okGateway()
	e := newTestEngine(st, gw)

	op, _ := e.CreateOperation(context.Background(), domain.OpMint, "cr_1", mintPayload(), maker)

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := domain.Principal{TenantID: "t1", KeyID: "k", ActorID: "checker-x", Role: domain.RoleChecker}
			_, errs[i] = e.ApproveOperation(context.Background(), op.ID, p)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		var se *domain.StateError
		if !errors.As(err, &se) {
			t.Fatalf("losers must fail with StateError, got %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("exactly one approval must win, got %d", winners)
	}
	if gw.mintCalls != 1 {
		t.Fatalf("exactly one submission expected, got %d", gw.mintCalls)
	}
}

func TestRejectRecordsReason(t *testing.T) {
	st := newFakeStore()
	seedLinkedRecord(st)
	e := newTestEngine(st, okGateway())

	op, _ := e.CreateOperation(context.Background(), domain.OpMint, "cr_1", mintPayload(), maker)
	got, err := e.RejectOperation(context.Background(), op.ID, checker, "supply looks wrong")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.OpRejected {
		t.Fatalf("expected REJECTED, got %s", got.Status)
	}
	if got.RejectionReason == nil || *got.RejectionReason != "supply looks wrong" {
		t.Fatalf("rejection reason missing: %v", got.RejectionReason)
	}

	// REJECTED is terminal for the instance.
	_, err = e.ApproveOperation(context.Background(), op.ID, checker)
	var se *domain.StateError
	if !errors.As(err, &se) {
		t.Fatalf("approving a rejected operation must fail with StateError, got %v", err)
	}
}

func TestConfirmationTimeoutFailsOperationWithoutResubmission(t *testing.T) {
	st := newFakeStore()
	seedLinkedRecord(st)
	gw := okGateway()
	gw.completion = Completion{Status: CompletionTimeout}
	e := newTestEngine(st, gw)

	op, _ := e.CreateOperation(context.Background(), domain.OpMint, "cr_1", mintPayload(), maker)
	got, err := e.ApproveOperation(context.Background(), op.ID, checker)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.OpFailed {
		t.Fatalf("expected FAILED after poll retries exhausted, got %s", got.Status)
	}
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "may still be in flight") {
		t.Fatalf("timeout must be distinguishable in error message, got %v", got.ErrorMessage)
	}
	if gw.mintCalls != 1 {
		t.Fatalf("submission must never be retried, got %d", gw.mintCalls)
	}
	if gw.pollCalls != 3 {
		t.Fatalf("expected 3 confirmation polls (1 + 2 retries), got %d", gw.pollCalls)
	}
}

func TestSubmissionFailureMarksCustodyFailed(t *testing.T) {
	st := newFakeStore()
	seedLinkedRecord(st)
	gw := okGateway()
	gw.submitErr = &domain.SubmissionError{Reason: "custodian rejected contract params"}
	e := newTestEngine(st, gw)

	op, _ := e.CreateOperation(context.Background(), domain.OpMint, "cr_1", mintPayload(), maker)
	got, err := e.ApproveOperation(context.Background(), op.ID, checker)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.OpFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	rec, _ := st.GetCustodyRecord(context.Background(), "t1", "cr_1")
	if rec.Status != domain.CustodyFailed {
		t.Fatalf("custody should be FAILED after mint submission failure, got %s", rec.Status)
	}
	if rec.ErrorMessage == nil {
		t.Fatalf("custody error message should be set")
	}
}

func TestFailedMintCanBeRetriedWithFreshOperation(t *testing.T) {
	st := newFakeStore()
	seedLinkedRecord(st)
	gw := okGateway()
	gw.completion = Completion{Status: CompletionFailed, ErrorMessage: "deploy reverted"}
	e := newTestEngine(st, gw)

	op, _ := e.CreateOperation(context.Background(), domain.OpMint, "cr_1", mintPayload(), maker)
	if _, err := e.ApproveOperation(context.Background(), op.ID, checker); err != nil {
		t.Fatal(err)
	}

	// Record is FAILED but non-terminal; a fresh MINT goes through.
	gw.completion = Completion{Status: CompletionCompleted, TxHash: "0xtx2", ContractAddress: "0xdef"}
	op2, err := e.CreateOperation(context.Background(), domain.OpMint, "cr_1", mintPayload(), maker)
	if err != nil {
		t.Fatal(err)
	}
	got, err := e.ApproveOperation(context.Background(), op2.ID, checker)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.OpExecuted {
		t.Fatalf("retry should execute, got %s", got.Status)
	}
	rec, _ := st.GetCustodyRecord(context.Background(), "t1", "cr_1")
	if rec.Status != domain.CustodyMinted || rec.TokenAddress == nil || *rec.TokenAddress != "0xdef" {
		t.Fatalf("retry should mint the record: %+v", rec)
	}
}

func TestListOperationsFiltersAndOrders(t *testing.T) {
	st := newFakeStore()
	seedLinkedRecord(st)
	e := newTestEngine(st, okGateway())

	op1, _ := e.CreateOperation(context.Background(), domain.OpMint, "cr_1", mintPayload(), maker)
	if _, err := e.RejectOperation(context.Background(), op1.ID, checker, "no"); err != nil {
		t.Fatal(err)
	}
	op2, _ := e.CreateOperation(context.Background(), domain.OpMint, "cr_1", mintPayload(), maker)

	status := domain.OpPendingChecker
	ops, total, err := e.ListOperations(context.Background(), ListFilter{TenantID: "t1", Status: &status})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(ops) != 1 || ops[0].ID != op2.ID {
		t.Fatalf("filter mismatch: total=%d ops=%v", total, ops)
	}

	ops, total, err = e.ListOperations(context.Background(), ListFilter{TenantID: "t1"})
	if err != nil || total != 2 {
		t.Fatalf("expected 2 operations, got %d (%v)", total, err)
	}
	if !ops[0].CreatedAt.Before(time.Now().Add(time.Minute)) {
		t.Fatalf("sanity: timestamps populated")
	}
}

// A reject attempt on an already-decided operation must report the transition
// the caller asked for, not the approve path.
func TestRejectAfterExecutionReportsRejectTransition(t *testing.T) {
	st := newFakeStore()
	seedLinkedRecord(st)
	e := newTestEngine(st, okGateway())

	op, _ := e.CreateOperation(context.Background(), domain.OpMint, "cr_1", mintPayload(), maker)
	if _, err := e.ApproveOperation(context.Background(), op.ID, checker); err != nil {
		t.Fatal(err)
	}

	_, err := e.RejectOperation(context.Background(), op.ID, checker, "too late")
	var se *domain.StateError
	if !errors.As(err, &se) {
		t.Fatalf("expected StateError, got %v", err)
	}
	if se.From != string(domain.OpExecuted) || se.To != string(domain.OpRejected) {
		t.Fatalf("expected EXECUTED -> REJECTED in the error, got %s -> %s", se.From, se.To)
	}
}

// Full issuance flow over one shared store: a maker links an asset, a checker
// approves the link, the maker raises a MINT and a second checker approves it,
// leaving the operation EXECUTED and the record MINTED at the deployed address.
func TestLinkThenMintEndToEnd(t *testing.T) {
	st := newFakeStore()
	gw := okGateway()
	e := newTestEngine(st, gw)
	cs := custody.New(st, custody.Options{})
	ctx := context.Background()

	rec, err := cs.LinkAsset(ctx, custody.LinkRequest{
		AssetID: "A1", Blockchain: "ETH_TEST5", TokenStandard: "ERC20", Quantity: "100",
	}, maker)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.CustodyPending {
		t.Fatalf("fresh link should be PENDING, got %s", rec.Status)
	}

	rec, err = cs.ApproveLink(ctx, rec.ID, checker)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.CustodyLinked || rec.LinkedAt == nil {
		t.Fatalf("approved link should be LINKED with linkedAt, got %+v", rec)
	}

	byAsset, err := cs.GetByAssetID(ctx, "t1", "A1")
	if err != nil || byAsset.ID != rec.ID {
		t.Fatalf("lookup by asset id failed: %v %+v", err, byAsset)
	}

	op, err := e.CreateOperation(ctx, domain.OpMint, byAsset.ID, mintPayload(), maker)
	if err != nil {
		t.Fatal(err)
	}
	if op.Status != domain.OpPendingChecker {
		t.Fatalf("fresh operation should be PENDING_CHECKER, got %s", op.Status)
	}

	got, err := e.ApproveOperation(ctx, op.ID, checker)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.OpExecuted {
		t.Fatalf("expected EXECUTED, got %s (%v)", got.Status, got.ErrorMessage)
	}

	final, _ := st.GetCustodyRecord(ctx, "t1", rec.ID)
	if final.Status != domain.CustodyMinted {
		t.Fatalf("record should be MINTED, got %s", final.Status)
	}
	if final.TokenAddress == nil || *final.TokenAddress != "0xabc" {
		t.Fatalf("token address should be 0xabc, got %v", final.TokenAddress)
	}
	if gw.mintCalls != 1 {
		t.Fatalf("expected exactly one mint submission, got %d", gw.mintCalls)
	}
}
