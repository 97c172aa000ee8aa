// Package session holds the budget ledger: a pure value type tracking an
// authorized spending cap, cumulative usage and expiry. All amounts are
// fixed-point integers in the payment token's smallest unit (6 decimals).
package session

import "time"

// Session is a user-authorized, time-boxed spending budget.
// The zero value is the inactive default session.
type Session struct {
	BudgetLimit     int64
	BudgetUsed      int64
	ExpiresAt       time.Time // zero only in the inactive default session
	DelegatedSigner string    // delegate authorized to settle payments, empty if none
}

// New creates an active session with a fresh ledger.
func New(budgetLimit int64, duration time.Duration, delegatedSigner string, now time.Time) Session {
	return Session{
		BudgetLimit:     budgetLimit,
		BudgetUsed:      0,
		ExpiresAt:       now.Add(duration),
		DelegatedSigner: delegatedSigner,
	}
}

// Remaining returns the unspent budget, never negative.
func (s Session) Remaining() int64 {
	r := s.BudgetLimit - s.BudgetUsed
	if r < 0 {
		return 0
	}
	return r
}

// Active reports whether the session can still settle calls at the given time.
func (s Session) Active(now time.Time) bool {
	return s.Remaining() > 0 && !s.ExpiresAt.IsZero() && now.Before(s.ExpiresAt)
}

// Expired reports whether the session's time window has passed.
func (s Session) Expired(now time.Time) bool {
	return s.ExpiresAt.IsZero() || !now.Before(s.ExpiresAt)
}

// RecordUsage returns a copy with amount added to cumulative usage.
// Usage is clamped so it never exceeds BudgetLimit.
func (s Session) RecordUsage(amount int64) Session {
	if amount < 0 {
		amount = 0
	}
	used := s.BudgetUsed + amount
	if used > s.BudgetLimit {
		used = s.BudgetLimit
	}
	s.BudgetUsed = used
	return s
}

// HasBudget reports whether the session is active and holds at least required.
func (s Session) HasBudget(required int64, now time.Time) bool {
	return s.Active(now) && s.Remaining() >= required
}
