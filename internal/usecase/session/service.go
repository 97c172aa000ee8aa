// Package session orchestrates the spending-session lifecycle: two-phase
// on-chain creation, ordered usage settlement, explicit teardown, and
// convergence with remote instances sharing the same store.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meterlane/paygent/internal/domain"
	"github.com/meterlane/paygent/internal/domain/pricing"
	domses "github.com/meterlane/paygent/internal/domain/session"
	"github.com/meterlane/paygent/internal/metrics"
)

// State is the observable lifecycle state of the manager.
type State string

const (
	// StateNone means no session exists.
	StateNone State = "none"
	// StateCreating means the two authorization round-trips are in flight.
	StateCreating State = "creating"
	// StateActive means a funded, unexpired session exists.
	StateActive State = "active"
	// StateExhausted means the last session ran out of budget or time.
	// Storage-wise it is identical to StateNone; the distinction exists
	// for UI messaging only.
	StateExhausted State = "exhausted"
)

const defaultMaxDuration = 7 * 24 * time.Hour

// Manager is the session state machine. All transitions are serialized by
// the mutex; the on-chain calls during creation run outside the lock, with
// the creating flag rejecting concurrent creations.
type Manager struct {
	rail        Rail
	store       Store
	logger      *zap.Logger
	maxDuration time.Duration
	now         func() time.Time

	mu        sync.Mutex
	sess      domses.Session
	has       bool
	creating  bool
	exhausted bool
}

// NewManager creates a session manager.
func NewManager(rail Rail, store Store, logger *zap.Logger) *Manager {
	return &Manager{
		rail:        rail,
		store:       store,
		logger:      logger,
		maxDuration: defaultMaxDuration,
		now:         time.Now,
	}
}

// WithMaxDuration overrides the maximum session duration.
func (m *Manager) WithMaxDuration(d time.Duration) *Manager {
	if d > 0 {
		m.maxDuration = d
	}
	return m
}

// Start loads any surviving session for the connected owner and begins
// applying remote changes until ctx is cancelled. Safe to call with no
// signer connected; there is then no session to restore.
func (m *Manager) Start(ctx context.Context) error {
	owner := m.rail.Owner()
	if owner == "" {
		return nil
	}

	sess, ok, err := m.store.Load(ctx, owner)
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	if ok {
		m.mu.Lock()
		m.sess = sess
		m.has = true
		m.exhausted = false
		m.mu.Unlock()
		m.logger.Info("Session restored",
			zap.Int64("budget_limit", sess.BudgetLimit),
			zap.Int64("budget_used", sess.BudgetUsed),
			zap.Time("expires_at", sess.ExpiresAt),
		)
	}

	go func() {
		if err := m.store.Watch(ctx, owner, m.applyRemote); err != nil {
			m.logger.Warn("Session change watch stopped", zap.Error(err))
		}
	}()
	return nil
}

// Create runs the two-phase authorization and activates a new session:
// balance pre-check, idempotent spend approval, then the time-boxed
// delegated-signer grant. Nothing is persisted unless both phases succeed.
func (m *Manager) Create(ctx context.Context, budgetLimit int64, duration time.Duration) (domses.Session, error) {
	if budgetLimit <= 0 {
		return domses.Session{}, fmt.Errorf("budget limit must be positive, got %d", budgetLimit)
	}
	if duration <= 0 || duration > m.maxDuration {
		return domses.Session{}, fmt.Errorf("duration must be in (0, %s], got %s", m.maxDuration, duration)
	}

	m.mu.Lock()
	if m.creating {
		m.mu.Unlock()
		return domses.Session{}, domain.ErrSessionCreating
	}
	m.creating = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.creating = false
		m.mu.Unlock()
	}()

	owner := m.rail.Owner()
	if owner == "" {
		return domses.Session{}, domain.ErrNotConnected
	}

	// Fail fast on balance before any on-chain write.
	balance, err := m.rail.Balance(ctx)
	if err != nil {
		return domses.Session{}, fmt.Errorf("balance query: %w", err)
	}
	if balance < budgetLimit {
		return domses.Session{}, domain.NewInsufficientBalance(budgetLimit, balance)
	}

	// Skip the approval transaction when the standing allowance already covers the budget.
	allowance, err := m.rail.Allowance(ctx)
	if err != nil {
		return domses.Session{}, fmt.Errorf("allowance query: %w", err)
	}
	if allowance < budgetLimit {
		if err := m.rail.Approve(ctx, budgetLimit); err != nil {
			return domses.Session{}, fmt.Errorf("approve spend: %v: %w", err, domain.ErrAuthorizationRejected)
		}
	}

	now := m.now()
	delegate, err := m.rail.GrantSessionKey(ctx, budgetLimit, now, now.Add(duration))
	if err != nil {
		return domses.Session{}, fmt.Errorf("grant delegated signer: %v: %w", err, domain.ErrAuthorizationRejected)
	}

	sess := domses.New(budgetLimit, duration, delegate, now)

	// Persist-then-publish: storage is the source of truth on crash.
	if err := m.store.Save(ctx, sess, owner); err != nil {
		return domses.Session{}, fmt.Errorf("persist session: %w", err)
	}

	m.mu.Lock()
	m.sess = sess
	m.has = true
	m.exhausted = false
	m.mu.Unlock()

	metrics.SessionsCreatedTotal.Inc()
	metrics.SessionBudgetRemaining.Set(float64(sess.Remaining()))
	m.logger.Info("Session created",
		zap.Int64("budget_limit", budgetLimit),
		zap.Duration("duration", duration),
		zap.String("delegate", delegate),
	)
	return sess, nil
}

// RecordUsage settles amount against the active session. A non-positive
// amount falls back to the flat default call price. Usage is applied in
// invocation order under the lock, persisted before becoming visible.
func (m *Manager) RecordUsage(ctx context.Context, amount int64) (domses.Session, error) {
	if amount <= 0 {
		amount = pricing.DefaultCallPrice
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.has || !m.sess.Active(m.now()) {
		return domses.Session{}, domain.ErrNoSession
	}

	next := m.sess.RecordUsage(amount)
	if err := m.store.Save(ctx, next, m.rail.Owner()); err != nil {
		return domses.Session{}, fmt.Errorf("persist usage: %w", err)
	}

	m.sess = next
	if !next.Active(m.now()) {
		m.exhausted = true
		m.has = false
		metrics.SessionsExhaustedTotal.Inc()
		m.logger.Info("Session exhausted", zap.Int64("budget_used", next.BudgetUsed))
	}

	metrics.SettlementsTotal.Inc()
	metrics.SettledMicroTotal.Add(float64(amount))
	metrics.SessionBudgetRemaining.Set(float64(next.Remaining()))
	return next, nil
}

// End revokes the session locally and clears storage. The on-chain grant is
// not revoked; it expires with its time window.
func (m *Manager) End(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Save(ctx, domses.Session{}, m.rail.Owner()); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}

	m.sess = domses.Session{}
	m.has = false
	m.exhausted = false
	metrics.SessionsEndedTotal.Inc()
	metrics.SessionBudgetRemaining.Set(0)
	m.logger.Info("Session ended")
	return nil
}

// Current returns a snapshot of the session and the lifecycle state.
// Expiry is evaluated lazily here, not by a timer.
func (m *Manager) Current() (domses.Session, State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.creating:
		return m.sess, StateCreating
	case m.has && m.sess.Active(m.now()):
		return m.sess, StateActive
	case m.exhausted, m.has:
		return m.sess, StateExhausted
	default:
		return m.sess, StateNone
	}
}

// applyRemote applies a change published by another instance. Last writer
// to storage wins; reapplying the same state is a no-op by construction.
func (m *Manager) applyRemote(sess domses.Session, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sess = sess
	m.has = ok
	if !ok {
		m.exhausted = false
	}
	metrics.SessionBudgetRemaining.Set(float64(sess.Remaining()))
	m.logger.Debug("Applied remote session change", zap.Bool("present", ok))
}
