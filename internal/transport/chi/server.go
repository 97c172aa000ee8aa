// Package chi is the HTTP surface of the sidecar: session lifecycle,
// metered chat, health, and metrics.
package chi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	chirouter "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meterlane/paygent/internal/domain"
	"github.com/meterlane/paygent/internal/domain/pricing"
	domses "github.com/meterlane/paygent/internal/domain/session"
	trinf "github.com/meterlane/paygent/internal/transport/inference"
	healthuc "github.com/meterlane/paygent/internal/usecase/health"
	inferenceuc "github.com/meterlane/paygent/internal/usecase/inference"
	sessionuc "github.com/meterlane/paygent/internal/usecase/session"
)

// SessionManager is the slice of the session state machine the API exposes.
type SessionManager interface {
	Create(ctx context.Context, budgetLimit int64, duration time.Duration) (domses.Session, error)
	Current() (domses.Session, sessionuc.State)
	End(ctx context.Context) error
}

// ChatService runs one metered inference turn.
type ChatService interface {
	Send(ctx context.Context, in inferenceuc.Input, hooks inferenceuc.Hooks) (inferenceuc.Result, error)
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server exposes the sidecar API over chi.
type Server struct {
	sessions      SessionManager
	chat          ChatService
	health        *healthuc.Service
	defaultModel  string
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(sessions SessionManager, chat ChatService, health *healthuc.Service, logger *zap.Logger) *Server {
	s := &Server{
		sessions: sessions,
		chat:     chat,
		health:   health,
		logger:   logger,
	}
	s.errorHandlers = []errorHandler{
		insufficientBalanceHandler,
		sentinelHandler(domain.ErrPaymentRequired, http.StatusPaymentRequired, codePaymentRequired),
		sentinelHandler(domain.ErrSessionBudgetExceeded, http.StatusPaymentRequired, codePaymentRequired),
		sentinelHandler(domain.ErrSessionCreating, http.StatusConflict, codeSessionCreating),
		sentinelHandler(domain.ErrNoSession, http.StatusNotFound, codeNoSession),
		sentinelHandler(domain.ErrNotConnected, http.StatusPreconditionFailed, codeNotConnected),
		sentinelHandler(domain.ErrAuthorizationRejected, http.StatusBadGateway, codeAuthRejected),
		sentinelHandler(domain.ErrTransport, http.StatusBadGateway, codeUpstreamError),
		sentinelHandler(domain.ErrMalformedResponse, http.StatusBadGateway, codeUpstreamError),
		sentinelHandler(domain.ErrStream, http.StatusBadGateway, codeUpstreamError),
	}
	return s
}

// WithDefaultModel sets the model used when a chat request names none.
func (s *Server) WithDefaultModel(id string) *Server {
	s.defaultModel = id
	return s
}

// Register mounts all routes on the router.
func (s *Server) Register(r chirouter.Router) {
	r.Post("/api/v1/session", s.CreateSession)
	r.Get("/api/v1/session", s.GetSession)
	r.Delete("/api/v1/session", s.EndSession)
	r.Post("/api/v1/chat", s.Chat)
	r.Get("/health", s.HealthCheck)
	r.Get("/metrics", s.Metrics)
}

// CreateSession handles POST /api/v1/session.
func (s *Server) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.BudgetLimit <= 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "budget_limit must be positive")
		return
	}
	if req.DurationSec <= 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "duration_sec must be positive")
		return
	}

	sess, err := s.sessions.Create(r.Context(), req.BudgetLimit, time.Duration(req.DurationSec)*time.Second)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sessionToResponse(sess, sessionuc.StateActive))
}

// GetSession handles GET /api/v1/session.
func (s *Server) GetSession(w http.ResponseWriter, _ *http.Request) {
	sess, state := s.sessions.Current()
	resp := sessionToResponse(sess, state)
	resp.Presets = pricing.Presets
	writeJSON(w, http.StatusOK, resp)
}

// EndSession handles DELETE /api/v1/session.
func (s *Server) EndSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.End(r.Context()); err != nil {
		s.handleDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Chat handles POST /api/v1/chat. With "stream": true the reply is a
// text/event-stream of snapshot updates; otherwise a single JSON body.
func (s *Server) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	in := inferenceuc.Input{
		ModelID:      req.ModelID,
		Message:      req.Message,
		ThreadID:     req.ThreadID,
		SystemPrompt: req.SystemPrompt,
	}
	if in.ModelID == "" {
		in.ModelID = s.defaultModel
	}
	var err error
	if in.Image, err = draftFromPayload(req.Image); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid image payload: "+err.Error())
		return
	}
	if in.Audio, err = draftFromPayload(req.Audio); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid audio payload: "+err.Error())
		return
	}

	if req.Stream {
		s.chatStreamed(w, r, in)
		return
	}

	res, err := s.chat.Send(r.Context(), in, inferenceuc.Hooks{})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatToResponse(res))
}

// chatStreamed relays OnUpdate flushes as SSE events. A mid-stream failure
// is delivered as an error event after the partial text already sent.
func (s *Server) chatStreamed(w http.ResponseWriter, r *http.Request, in inferenceuc.Input) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternalError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	res, err := s.chat.Send(r.Context(), in, inferenceuc.Hooks{
		OnUpdate: func(snapshot string) {
			writeSSE(w, "update", snapshot)
			flusher.Flush()
		},
	})
	if err != nil {
		s.logger.Warn("Chat stream failed", zap.Error(err))
		writeSSE(w, "error", safeDomainMessage(err))
		flusher.Flush()
		return
	}

	final, marshalErr := json.Marshal(chatToResponse(res))
	if marshalErr != nil {
		s.logger.Error("Marshal chat result", zap.Error(marshalErr))
		return
	}
	writeSSE(w, "done", string(final))
	flusher.Flush()
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}

	httpStatus := http.StatusOK
	if report.Status != healthuc.Healthy {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, healthResponse{
		Status: string(report.Status),
		Checks: checks,
	})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func sessionToResponse(sess domses.Session, state sessionuc.State) sessionResponse {
	resp := sessionResponse{State: string(state)}
	if state == sessionuc.StateActive {
		resp.BudgetLimit = sess.BudgetLimit
		resp.BudgetUsed = sess.BudgetUsed
		resp.BudgetRemaining = sess.Remaining()
		resp.DelegatedSigner = sess.DelegatedSigner
		if !sess.ExpiresAt.IsZero() {
			t := sess.ExpiresAt.UTC()
			resp.ExpiresAt = &t
		}
	}
	return resp
}

func chatToResponse(res inferenceuc.Result) chatResponse {
	resp := chatResponse{
		ThreadID:    res.ThreadID,
		Text:        res.Text,
		TotalTokens: res.TotalTokens,
		SettledCost: res.SettledCost,
	}
	if res.Media != nil {
		resp.Media = payloadFromMedia(res.Media)
	}
	return resp
}

func payloadFromMedia(m *trinf.Media) *mediaPayload {
	return &mediaPayload{
		MimeType: m.MimeType,
		Data:     base64.StdEncoding.EncodeToString(m.Data),
	}
}

func draftFromPayload(p *mediaPayload) (*inferenceuc.MediaDraft, error) {
	if p == nil {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return &inferenceuc.MediaDraft{MimeType: p.MimeType, Data: data}, nil
}

func writeSSE(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Code:    code,
		Message: message,
	})
}

// safeDomainMessage returns a sentinel error message for the client without exposing internals.
func safeDomainMessage(err error) string {
	sentinels := []error{
		domain.ErrInsufficientBalance,
		domain.ErrPaymentRequired,
		domain.ErrSessionBudgetExceeded,
		domain.ErrSessionCreating,
		domain.ErrNoSession,
		domain.ErrNotConnected,
		domain.ErrAuthorizationRejected,
		domain.ErrTransport,
		domain.ErrMalformedResponse,
		domain.ErrStream,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

// insufficientBalanceHandler surfaces the required/available shortfall fields.
func insufficientBalanceHandler(w http.ResponseWriter, err error, msg string) bool {
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		return false
	}
	var ibe *domain.InsufficientBalanceError
	if errors.As(err, &ibe) {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"code":      codeInsufficientBalance,
			"message":   msg,
			"required":  ibe.Required,
			"available": ibe.Available,
		})
		return true
	}
	writeError(w, http.StatusPaymentRequired, codeInsufficientBalance, msg)
	return true
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
}
