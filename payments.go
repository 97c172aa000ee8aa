package paygent

import (
	"context"
	"time"

	trinf "github.com/meterlane/paygent/internal/transport/inference"
	inferenceuc "github.com/meterlane/paygent/internal/usecase/inference"
)

// State is the observable session lifecycle state.
type State string

const (
	// StateNone means no session exists.
	StateNone State = "none"
	// StateCreating means the authorization round-trips are in flight.
	StateCreating State = "creating"
	// StateActive means a funded, unexpired session exists.
	StateActive State = "active"
	// StateExhausted means the last session ran out of budget or time.
	StateExhausted State = "exhausted"
)

// Session is a snapshot of the current spending session.
type Session struct {
	BudgetLimit     int64
	BudgetUsed      int64
	BudgetRemaining int64
	ExpiresAt       time.Time
	DelegatedSigner string
}

// Media is a displayable binary attachment or response payload.
type Media struct {
	MimeType string
	Data     []byte
}

// ChatRequest is one user turn. Callbacks are optional.
type ChatRequest struct {
	Message      string
	ModelID      string
	ThreadID     string
	SystemPrompt string
	Image        *Media
	Audio        *Media

	// OnUpdate receives the full accumulated response text at each flush.
	OnUpdate func(snapshot string)
	// OnBudgetExceeded fires when the pre-flight estimate does not fit the
	// remaining session budget. The call still proceeds.
	OnBudgetExceeded func(estimate, remaining int64)
	// OnPaymentRequired fires when the call needs a connected account or a
	// payment that was refused.
	OnPaymentRequired func()
}

// ChatResult is the completed turn. Text holds whatever accumulated before
// a stream error.
type ChatResult struct {
	ThreadID    string
	Text        string
	Media       *Media
	TotalTokens int
	SettledCost int64
}

// CreateSession authorizes spending and opens a session with the given
// budget cap and lifetime. Idempotent over the on-chain approval: an
// existing sufficient allowance is reused.
func (c *Client) CreateSession(ctx context.Context, budgetLimit int64, duration time.Duration) (Session, error) {
	sess, err := c.sessions.Create(ctx, budgetLimit, duration)
	if err != nil {
		return Session{}, err
	}
	return Session{
		BudgetLimit:     sess.BudgetLimit,
		BudgetUsed:      sess.BudgetUsed,
		BudgetRemaining: sess.Remaining(),
		ExpiresAt:       sess.ExpiresAt,
		DelegatedSigner: sess.DelegatedSigner,
	}, nil
}

// Session returns the current session snapshot and lifecycle state.
func (c *Client) Session() (Session, State) {
	sess, state := c.sessions.Current()
	return Session{
		BudgetLimit:     sess.BudgetLimit,
		BudgetUsed:      sess.BudgetUsed,
		BudgetRemaining: sess.Remaining(),
		ExpiresAt:       sess.ExpiresAt,
		DelegatedSigner: sess.DelegatedSigner,
	}, State(state)
}

// EndSession revokes the current session everywhere.
func (c *Client) EndSession(ctx context.Context) error {
	return c.sessions.End(ctx)
}

// Chat runs one metered inference turn. Streamed responses are surfaced
// through req.OnUpdate; the returned result carries the final text or media
// and the settled cost, if any.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResult, error) {
	in := inferenceuc.Input{
		ModelID:      req.ModelID,
		Message:      req.Message,
		ThreadID:     req.ThreadID,
		SystemPrompt: req.SystemPrompt,
	}
	if in.ModelID == "" {
		in.ModelID = c.defaultModel
	}
	if req.Image != nil {
		in.Image = &inferenceuc.MediaDraft{MimeType: req.Image.MimeType, Data: req.Image.Data}
	}
	if req.Audio != nil {
		in.Audio = &inferenceuc.MediaDraft{MimeType: req.Audio.MimeType, Data: req.Audio.Data}
	}

	res, err := c.chat.Send(ctx, in, inferenceuc.Hooks{
		OnUpdate:                req.OnUpdate,
		OnSessionBudgetExceeded: req.OnBudgetExceeded,
		OnPaymentRequired:       req.OnPaymentRequired,
	})
	out := ChatResult{
		ThreadID:    res.ThreadID,
		Text:        res.Text,
		Media:       mediaFromTransport(res.Media),
		TotalTokens: res.TotalTokens,
		SettledCost: res.SettledCost,
	}
	return out, err
}

func mediaFromTransport(m *trinf.Media) *Media {
	if m == nil {
		return nil
	}
	return &Media{MimeType: m.MimeType, Data: m.Data}
}
