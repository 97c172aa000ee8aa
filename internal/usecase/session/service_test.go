package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meterlane/paygent/internal/domain"
	"github.com/meterlane/paygent/internal/domain/pricing"
	domses "github.com/meterlane/paygent/internal/domain/session"
)

func newTestManager() (*Manager, *fakeRail, *fakeStore) {
	rail := newFakeRail()
	store := newFakeStore()
	return NewManager(rail, store, zap.NewNop()), rail, store
}

func TestCreate_HappyPath(t *testing.T) {
	m, rail, store := newTestManager()
	rail.balance = 12_000_000 // $12

	sess, err := m.Create(context.Background(), 5_000_000, 24*time.Hour)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if sess.BudgetLimit != 5_000_000 || sess.BudgetUsed != 0 {
		t.Errorf("unexpected ledger: %+v", sess)
	}
	if sess.DelegatedSigner != rail.delegate {
		t.Errorf("expected delegate %q, got %q", rail.delegate, sess.DelegatedSigner)
	}
	if _, present := store.stored(); !present {
		t.Error("expected session persisted")
	}
	if _, state := m.Current(); state != StateActive {
		t.Errorf("expected StateActive, got %s", state)
	}
}

func TestCreate_NotConnected(t *testing.T) {
	m, rail, _ := newTestManager()
	rail.owner = ""

	_, err := m.Create(context.Background(), 5_000_000, 24*time.Hour)
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestCreate_InsufficientBalance(t *testing.T) {
	m, rail, _ := newTestManager()
	rail.balance = 3_000_000

	_, err := m.Create(context.Background(), 5_000_000, 24*time.Hour)
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	var ib *domain.InsufficientBalanceError
	if !errors.As(err, &ib) {
		t.Fatal("expected InsufficientBalanceError with shortfall")
	}
	if ib.Required != 5_000_000 || ib.Available != 3_000_000 {
		t.Errorf("unexpected shortfall: %+v", ib)
	}
	if rail.approveCalls != 0 || rail.grantCalls != 0 {
		t.Error("no authorization call may run after a failed balance pre-check")
	}
}

func TestCreate_IdempotentApproval(t *testing.T) {
	m, rail, _ := newTestManager()
	rail.balance = 12_000_000
	rail.allowance = 10_000_000 // standing allowance already covers the budget

	if _, err := m.Create(context.Background(), 5_000_000, 24*time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}

	if rail.approveCalls != 0 {
		t.Errorf("expected zero approval calls, got %d", rail.approveCalls)
	}
	if rail.grantCalls != 1 {
		t.Errorf("expected one grant call, got %d", rail.grantCalls)
	}
}

func TestCreate_ApprovalRunsWhenAllowanceShort(t *testing.T) {
	m, rail, _ := newTestManager()
	rail.balance = 12_000_000
	rail.allowance = 1_000_000

	if _, err := m.Create(context.Background(), 5_000_000, 24*time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rail.approveCalls != 1 {
		t.Errorf("expected one approval call, got %d", rail.approveCalls)
	}
}

func TestCreate_AllOrNothing_GrantFails(t *testing.T) {
	m, rail, store := newTestManager()
	rail.balance = 12_000_000
	rail.grantErr = errors.New("user rejected in wallet")

	_, err := m.Create(context.Background(), 5_000_000, 24*time.Hour)
	if !errors.Is(err, domain.ErrAuthorizationRejected) {
		t.Fatalf("expected ErrAuthorizationRejected, got %v", err)
	}
	if rail.approveCalls != 1 {
		t.Fatalf("expected approval to have run before grant, got %d calls", rail.approveCalls)
	}

	if _, present := store.stored(); present {
		t.Error("no partial session may be persisted after a failed grant")
	}
	if store.saveCalls != 0 {
		t.Errorf("expected zero saves, got %d", store.saveCalls)
	}
	if _, state := m.Current(); state != StateNone {
		t.Errorf("expected StateNone, got %s", state)
	}
}

func TestCreate_ApproveRejected(t *testing.T) {
	m, rail, store := newTestManager()
	rail.balance = 12_000_000
	rail.approveErr = errors.New("rejected")

	_, err := m.Create(context.Background(), 5_000_000, 24*time.Hour)
	if !errors.Is(err, domain.ErrAuthorizationRejected) {
		t.Fatalf("expected ErrAuthorizationRejected, got %v", err)
	}
	if rail.grantCalls != 0 {
		t.Error("grant must not run after a rejected approval")
	}
	if _, present := store.stored(); present {
		t.Error("no partial session may be persisted")
	}
}

func TestCreate_ConcurrentCreationRejected(t *testing.T) {
	m, rail, _ := newTestManager()
	rail.balance = 12_000_000

	m.mu.Lock()
	m.creating = true
	m.mu.Unlock()

	_, err := m.Create(context.Background(), 5_000_000, 24*time.Hour)
	if !errors.Is(err, domain.ErrSessionCreating) {
		t.Fatalf("expected ErrSessionCreating, got %v", err)
	}
}

func TestCreate_ValidatesInput(t *testing.T) {
	m, _, _ := newTestManager()
	if _, err := m.Create(context.Background(), 0, time.Hour); err == nil {
		t.Error("expected error for zero budget")
	}
	if _, err := m.Create(context.Background(), 1_000_000, 0); err == nil {
		t.Error("expected error for zero duration")
	}
	if _, err := m.Create(context.Background(), 1_000_000, 30*24*time.Hour); err == nil {
		t.Error("expected error for duration beyond maximum")
	}
}

func TestRecordUsage_OrderedAndPersisted(t *testing.T) {
	m, rail, store := newTestManager()
	rail.balance = 12_000_000
	if _, err := m.Create(context.Background(), 5_000_000, 24*time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := m.RecordUsage(context.Background(), 250_000); err != nil {
		t.Fatalf("record: %v", err)
	}
	sess, err := m.RecordUsage(context.Background(), 250_000)
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	if sess.BudgetUsed != 500_000 || sess.Remaining() != 4_500_000 {
		t.Errorf("unexpected ledger after two settlements: %+v", sess)
	}
	stored, present := store.stored()
	if !present || stored.BudgetUsed != 500_000 {
		t.Errorf("expected persisted used=500000, got %+v present=%v", stored, present)
	}
}

func TestRecordUsage_DefaultsToFlatCallPrice(t *testing.T) {
	m, rail, _ := newTestManager()
	rail.balance = 12_000_000
	if _, err := m.Create(context.Background(), 5_000_000, 24*time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}

	sess, err := m.RecordUsage(context.Background(), 0)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if sess.BudgetUsed != pricing.DefaultCallPrice {
		t.Errorf("expected default call price %d, got %d", pricing.DefaultCallPrice, sess.BudgetUsed)
	}
}

func TestRecordUsage_ExhaustionTransition(t *testing.T) {
	m, rail, store := newTestManager()
	rail.balance = 12_000_000
	if _, err := m.Create(context.Background(), 1_000_000, 24*time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}

	sess, err := m.RecordUsage(context.Background(), 1_000_000)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if sess.Remaining() != 0 {
		t.Errorf("expected remaining=0, got %d", sess.Remaining())
	}

	if _, state := m.Current(); state != StateExhausted {
		t.Errorf("expected StateExhausted, got %s", state)
	}
	if _, present := store.stored(); present {
		t.Error("exhausted session must be absent from storage")
	}

	// Observably identical to no session for further settlements.
	if _, err := m.RecordUsage(context.Background(), 1); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("expected ErrNoSession after exhaustion, got %v", err)
	}
}

func TestRecordUsage_NoSession(t *testing.T) {
	m, _, _ := newTestManager()
	if _, err := m.RecordUsage(context.Background(), 100); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestRecordUsage_FailedPersistLeavesLedgerUntouched(t *testing.T) {
	m, rail, store := newTestManager()
	rail.balance = 12_000_000
	if _, err := m.Create(context.Background(), 5_000_000, 24*time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}

	store.saveErr = errors.New("storage down")
	if _, err := m.RecordUsage(context.Background(), 250_000); err == nil {
		t.Fatal("expected persist error")
	}
	store.saveErr = nil

	sess, _ := m.Current()
	if sess.BudgetUsed != 0 {
		t.Errorf("in-memory ledger mutated despite failed persist: used=%d", sess.BudgetUsed)
	}
}

func TestEnd_ClearsStorageAndState(t *testing.T) {
	m, rail, store := newTestManager()
	rail.balance = 12_000_000
	if _, err := m.Create(context.Background(), 5_000_000, 24*time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.End(context.Background()); err != nil {
		t.Fatalf("end: %v", err)
	}

	if _, present := store.stored(); present {
		t.Error("expected storage cleared")
	}
	if _, state := m.Current(); state != StateNone {
		t.Errorf("expected StateNone, got %s", state)
	}
}

func TestStart_RestoresSurvivingSession(t *testing.T) {
	rail := newFakeRail()
	rail.balance = 12_000_000
	store := newFakeStore()

	first := NewManager(rail, store, zap.NewNop())
	if _, err := first.Create(context.Background(), 5_000_000, 24*time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	second := NewManager(rail, store, zap.NewNop())
	if err := second.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	sess, state := second.Current()
	if state != StateActive {
		t.Fatalf("expected restored session, got state %s", state)
	}
	if sess.BudgetLimit != 5_000_000 {
		t.Errorf("unexpected restored ledger: %+v", sess)
	}
}

func TestStart_NoSignerIsNoop(t *testing.T) {
	m, rail, _ := newTestManager()
	rail.owner = ""

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start without signer: %v", err)
	}
	if _, state := m.Current(); state != StateNone {
		t.Errorf("expected StateNone, got %s", state)
	}
}

func TestRemoteRevoke_AppliedWithoutReload(t *testing.T) {
	m, rail, store := newTestManager()
	rail.balance = 12_000_000

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.Create(ctx, 5_000_000, 24*time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Wait for the watch goroutine to register its callback.
	deadline := time.After(time.Second)
	for {
		store.mu.Lock()
		registered := store.watchFn != nil
		store.mu.Unlock()
		if registered {
			break
		}
		select {
		case <-deadline:
			t.Fatal("watch callback never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Another instance ended the session: the store reports it absent.
	store.watchFn(domses.Session{}, false)

	if _, state := m.Current(); state != StateNone {
		t.Errorf("expected StateNone after remote revoke, got %s", state)
	}

	// Reapplying the same notification is a no-op.
	store.watchFn(domses.Session{}, false)
	if _, state := m.Current(); state != StateNone {
		t.Errorf("expected StateNone to be stable, got %s", state)
	}
}
