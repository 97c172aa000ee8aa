package inference

import (
	"context"
	"time"

	domses "github.com/meterlane/paygent/internal/domain/session"
	trinf "github.com/meterlane/paygent/internal/transport/inference"
	sessionuc "github.com/meterlane/paygent/internal/usecase/session"
)

// SessionSource is the slice of the session manager this service consumes:
// the current ledger snapshot for headers and pre-flight checks, and the
// settlement entry point.
type SessionSource interface {
	Current() (domses.Session, sessionuc.State)
	RecordUsage(ctx context.Context, amount int64) (domses.Session, error)
}

// Caller dispatches one inference request and classifies the response.
type Caller interface {
	Send(ctx context.Context, req trinf.Request, opts trinf.CallOptions) (*trinf.Response, error)
}

// Hooks are optional per-call observers. Nil hooks are skipped.
type Hooks struct {
	// OnUpdate receives the full accumulated assistant text at each flush.
	OnUpdate func(snapshot string)
	// OnSessionBudgetExceeded fires when the pre-flight estimate does not fit
	// the remaining session budget. Advisory only; the call still proceeds.
	OnSessionBudgetExceeded func(estimate, remaining int64)
	// OnPaymentRequired fires when the call needs a connected signer or a
	// payment the account refused.
	OnPaymentRequired func()
}

// MediaDraft is an outbound attachment before base64 encoding.
type MediaDraft struct {
	MimeType string
	Data     []byte
}

// Input is one user turn.
type Input struct {
	ModelID      string
	Message      string
	ThreadID     string
	SystemPrompt string
	Image        *MediaDraft
	Audio        *MediaDraft
}

// Result is the completed assistant turn. Text holds whatever accumulated
// before a stream error, so callers can render the partial answer alongside
// the error.
type Result struct {
	ThreadID    string
	Text        string
	Media       *trinf.Media
	TotalTokens int
	SettledCost int64
	Duration    time.Duration
}
