package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected signals that no signer is available.
	ErrNotConnected = errors.New("no signer connected")
	// ErrInsufficientBalance signals that the token balance cannot cover the requested budget.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrAuthorizationRejected signals a failed or user-rejected authorization call.
	ErrAuthorizationRejected = errors.New("authorization rejected")
	// ErrPaymentRequired signals that a payment challenge could not be satisfied.
	ErrPaymentRequired = errors.New("payment required")
	// ErrSessionBudgetExceeded signals that the pre-flight estimate exceeds the session headroom.
	ErrSessionBudgetExceeded = errors.New("session budget exceeded")
	// ErrSessionCreating signals that a session creation is already in flight.
	ErrSessionCreating = errors.New("session creation in progress")
	// ErrNoSession signals that no active session exists.
	ErrNoSession = errors.New("no active session")
	// ErrStream signals a failure while consuming a streaming response body.
	ErrStream = errors.New("stream error")
	// ErrTransport signals a network-level failure.
	ErrTransport = errors.New("transport error")
	// ErrMalformedResponse signals an unrecognized response shape.
	ErrMalformedResponse = errors.New("malformed response")
)

// InsufficientBalanceError wraps ErrInsufficientBalance with the shortfall amounts.
type InsufficientBalanceError struct {
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%s: need %d, have %d (short %d)",
		ErrInsufficientBalance.Error(), e.Required, e.Available, e.Required-e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// NewInsufficientBalance creates an insufficient balance error with the shortfall.
func NewInsufficientBalance(required, available int64) error {
	return &InsufficientBalanceError{Required: required, Available: available}
}
