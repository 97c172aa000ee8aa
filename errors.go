package paygent

import "github.com/meterlane/paygent/internal/domain"

// Sentinel errors re-exported from the domain layer.
// Use errors.Is() to check.
var (
	ErrNotConnected          = domain.ErrNotConnected
	ErrInsufficientBalance   = domain.ErrInsufficientBalance
	ErrAuthorizationRejected = domain.ErrAuthorizationRejected
	ErrPaymentRequired       = domain.ErrPaymentRequired
	ErrSessionBudgetExceeded = domain.ErrSessionBudgetExceeded
	ErrSessionCreating       = domain.ErrSessionCreating
	ErrNoSession             = domain.ErrNoSession
	ErrStream                = domain.ErrStream
	ErrTransport             = domain.ErrTransport
	ErrMalformedResponse     = domain.ErrMalformedResponse
)
