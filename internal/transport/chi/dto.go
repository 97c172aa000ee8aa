package chi

import "time"

// errorResponse is the JSON error body.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error response codes.
const (
	codeBadRequest          = "bad_request"
	codeInsufficientBalance = "insufficient_balance"
	codePaymentRequired     = "payment_required"
	codeSessionCreating     = "session_creating"
	codeNoSession           = "no_session"
	codeNotConnected        = "not_connected"
	codeAuthRejected        = "authorization_rejected"
	codeUpstreamError       = "upstream_error"
	codeInternalError       = "internal_error"
)

// createSessionRequest is the POST /session body.
type createSessionRequest struct {
	BudgetLimit int64 `json:"budget_limit"`
	DurationSec int64 `json:"duration_sec"`
}

// sessionResponse is the session snapshot returned by GET and POST /session.
type sessionResponse struct {
	State           string     `json:"state"`
	BudgetLimit     int64      `json:"budget_limit,omitempty"`
	BudgetUsed      int64      `json:"budget_used,omitempty"`
	BudgetRemaining int64      `json:"budget_remaining,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	DelegatedSigner string     `json:"delegated_signer,omitempty"`
	Presets         []int64    `json:"presets,omitempty"`
}

// mediaPayload is an inbound or outbound attachment, base64-encoded.
type mediaPayload struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// chatRequest is the POST /chat body.
type chatRequest struct {
	Message      string        `json:"message"`
	ModelID      string        `json:"model_id"`
	ThreadID     string        `json:"thread_id,omitempty"`
	SystemPrompt string        `json:"system_prompt,omitempty"`
	Image        *mediaPayload `json:"image,omitempty"`
	Audio        *mediaPayload `json:"audio,omitempty"`
	Stream       bool          `json:"stream,omitempty"`
}

// chatResponse is the non-streamed POST /chat reply.
type chatResponse struct {
	ThreadID    string        `json:"thread_id"`
	Text        string        `json:"text,omitempty"`
	Media       *mediaPayload `json:"media,omitempty"`
	TotalTokens int           `json:"total_tokens,omitempty"`
	SettledCost int64         `json:"settled_cost,omitempty"`
}

// healthResponse is the GET /health reply.
type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
