// Package inference orchestrates metered model calls: pre-flight budget
// advice, dispatch over the payment-capable client, rate-limited streaming
// consumption, and token-based settlement against the active session.
package inference

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meterlane/paygent/internal/domain"
	"github.com/meterlane/paygent/internal/domain/pricing"
	"github.com/meterlane/paygent/internal/metrics"
	trinf "github.com/meterlane/paygent/internal/transport/inference"
	sessionuc "github.com/meterlane/paygent/internal/usecase/session"
)

// defaultFlushInterval batches stream chunks into visible updates. Chunks
// arriving within one interval coalesce into a single OnUpdate.
const defaultFlushInterval = 50 * time.Millisecond

// Service runs metered inference calls for one connected account.
type Service struct {
	sessions      SessionSource
	caller        Caller
	schedule      pricing.Schedule
	flushInterval time.Duration
	connected     func() bool
	logger        *zap.Logger

	now func() time.Time
}

// NewService creates the inference service. connected reports whether a
// signer is available; calls without one short-circuit before any network
// traffic.
func NewService(
	sessions SessionSource,
	caller Caller,
	schedule pricing.Schedule,
	flushInterval time.Duration,
	connected func() bool,
	logger *zap.Logger,
) *Service {
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	return &Service{
		sessions:      sessions,
		caller:        caller,
		schedule:      schedule,
		flushInterval: flushInterval,
		connected:     connected,
		logger:        logger,
		now:           time.Now,
	}
}

// Send runs one metered inference turn. Streamed text is delivered through
// hooks.OnUpdate with at most one flush per flush interval plus a final
// flush at end of stream. Settlement happens only when the server reports a
// token count and a session is active.
func (s *Service) Send(ctx context.Context, in Input, hooks Hooks) (Result, error) {
	started := s.now()

	if strings.TrimSpace(in.Message) == "" && in.Image == nil && in.Audio == nil {
		return Result{}, fmt.Errorf("message is empty")
	}
	if !s.connected() {
		fire(hooks.OnPaymentRequired)
		return Result{}, fmt.Errorf("no account connected: %w", domain.ErrPaymentRequired)
	}

	sess, state := s.sessions.Current()
	active := state == sessionuc.StateActive

	if estimate := s.schedule.EstimateCallCost(); active && !sess.HasBudget(estimate, s.now()) {
		s.logger.Info("Pre-flight estimate exceeds session budget",
			zap.Int64("estimate", estimate),
			zap.Int64("remaining", sess.Remaining()),
		)
		if hooks.OnSessionBudgetExceeded != nil {
			hooks.OnSessionBudgetExceeded(estimate, sess.Remaining())
		}
	}

	threadID := in.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}

	resp, err := s.caller.Send(ctx, buildRequest(in, threadID, active), trinf.CallOptions{
		SessionActive:   active,
		BudgetRemaining: sess.Remaining(),
	})
	if err != nil {
		if errors.Is(err, domain.ErrPaymentRequired) {
			fire(hooks.OnPaymentRequired)
		}
		s.observe(in.ModelID, "error", started, 0)
		return Result{ThreadID: threadID}, err
	}

	result := Result{ThreadID: threadID}
	switch resp.Kind {
	case trinf.KindStream:
		text, tokens, streamErr := s.consumeStream(ctx, resp.Stream, hooks.OnUpdate)
		result.Text = text
		result.TotalTokens = tokens
		if streamErr != nil {
			s.observe(in.ModelID, "error", started, 0)
			result.Duration = s.now().Sub(started)
			return result, streamErr
		}

	case trinf.KindMedia:
		result.Media = resp.Media
		result.TotalTokens = resp.TotalTokens

	default:
		result.Text = resp.Text
		result.TotalTokens = resp.TotalTokens
		if hooks.OnUpdate != nil && result.Text != "" {
			hooks.OnUpdate(result.Text)
		}
	}

	result.SettledCost = s.settle(ctx, active, result.TotalTokens)
	result.Duration = s.now().Sub(started)
	s.observe(in.ModelID, "ok", started, result.TotalTokens)
	return result, nil
}

// consumeStream accumulates chunks and flushes the snapshot through onUpdate
// at most once per flush interval, with a guaranteed final flush. The stream
// is closed on every exit path.
func (s *Service) consumeStream(ctx context.Context, stream *trinf.Stream, onUpdate func(string)) (string, int, error) {
	defer stream.Close()

	var buf strings.Builder
	dirty := false
	lastFlush := s.now()

	flush := func() {
		if dirty && onUpdate != nil {
			onUpdate(buf.String())
		}
		dirty = false
	}

	for {
		if err := ctx.Err(); err != nil {
			flush()
			return buf.String(), 0, fmt.Errorf("stream cancelled: %v: %w", err, domain.ErrStream)
		}

		chunk, err := stream.Next()
		if chunk != "" {
			buf.WriteString(chunk)
			dirty = true
		}
		if err == io.EOF {
			flush()
			return buf.String(), stream.TotalTokens(), nil
		}
		if err != nil {
			flush()
			return buf.String(), 0, fmt.Errorf("read stream: %v: %w", err, domain.ErrStream)
		}

		if now := s.now(); now.Sub(lastFlush) >= s.flushInterval {
			flush()
			lastFlush = now
		}
	}
}

// settle records the exact token-based cost against the session. Responses
// without a reported token count settle nothing. A settlement failure never
// fails the call; the answer is already delivered.
func (s *Service) settle(ctx context.Context, active bool, totalTokens int) int64 {
	if !active || totalTokens <= 0 {
		return 0
	}
	cost := s.schedule.TokenCost(totalTokens)
	if cost <= 0 {
		return 0
	}
	if _, err := s.sessions.RecordUsage(ctx, cost); err != nil {
		s.logger.Warn("Settlement failed after successful call",
			zap.Int64("cost", cost),
			zap.Int("total_tokens", totalTokens),
			zap.Error(err),
		)
		return 0
	}
	return cost
}

func (s *Service) observe(modelID, status string, started time.Time, tokens int) {
	metrics.InferenceRequestsTotal.WithLabelValues(modelID, status).Inc()
	metrics.InferenceRequestDuration.WithLabelValues(modelID).Observe(s.now().Sub(started).Seconds())
	if tokens > 0 {
		metrics.InferenceTokensTotal.WithLabelValues(modelID).Add(float64(tokens))
	}
}

func buildRequest(in Input, threadID string, active bool) trinf.Request {
	req := trinf.Request{
		Message:       in.Message,
		ThreadID:      threadID,
		ModelID:       in.ModelID,
		SystemPrompt:  in.SystemPrompt,
		SessionActive: active,
	}
	if in.Image != nil {
		req.Image = encodeMedia(in.Image)
	}
	if in.Audio != nil {
		req.Audio = encodeMedia(in.Audio)
	}
	return req
}

func encodeMedia(m *MediaDraft) string {
	return base64.StdEncoding.EncodeToString(m.Data)
}

func fire(hook func()) {
	if hook != nil {
		hook()
	}
}
