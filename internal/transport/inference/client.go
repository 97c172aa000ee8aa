// Package inference is the HTTP client for the marketplace inference
// endpoint: a payment-capable POST that answers with an event stream,
// binary media, or a JSON envelope.
package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meterlane/paygent/internal/domain"
)

const (
	// HeaderSessionActive flags that a spending session should settle the call.
	HeaderSessionActive = "X-Session-Active"
	// HeaderBudgetRemaining carries the current session headroom in smallest units.
	HeaderBudgetRemaining = "X-Session-Budget-Remaining"
	// HeaderTotalTokens reports the token count on non-stream responses.
	HeaderTotalTokens = "X-Total-Tokens"

	defaultTimeout = 120 * time.Second
)

// Request is the outbound inference payload.
type Request struct {
	Message       string `json:"message"`
	ThreadID      string `json:"threadId"`
	ModelID       string `json:"modelId"`
	SystemPrompt  string `json:"systemPrompt,omitempty"`
	SessionActive bool   `json:"sessionActive"`
	Image         string `json:"image,omitempty"` // base64
	Audio         string `json:"audio,omitempty"` // base64
}

// CallOptions carries per-call session state for header injection.
type CallOptions struct {
	SessionActive   bool
	BudgetRemaining int64
}

// Kind classifies the response body.
type Kind string

const (
	// KindStream is an incremental assistant-text stream.
	KindStream Kind = "stream"
	// KindText is a complete text payload.
	KindText Kind = "text"
	// KindMedia is a displayable binary blob.
	KindMedia Kind = "media"
)

// Media is a materialized displayable blob.
type Media struct {
	MimeType string
	Data     []byte
}

// Response is a classified inference response. For KindStream the caller
// owns Stream and must close it on every exit path.
type Response struct {
	Kind        Kind
	Stream      *Stream
	Text        string
	Media       *Media
	TotalTokens int // 0 when the server did not report a count
}

// envelope is the JSON response/error shape.
type envelope struct {
	Success     bool   `json:"success"`
	Data        string `json:"data,omitempty"`
	Type        string `json:"type,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Error       string `json:"error,omitempty"`
	TotalTokens int    `json:"totalTokens,omitempty"`
}

// Config holds the inference endpoint settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client calls the inference endpoint over a payment-capable transport.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger
}

// NewClient creates an inference client. transport should be the
// payment-capable round tripper; nil falls back to the default transport.
func NewClient(cfg Config, transport http.RoundTripper, logger *zap.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Transport: transport, Timeout: timeout},
		baseURL:    baseURL,
		logger:     logger,
	}, nil
}

// Send dispatches one inference request and classifies the response.
func (c *Client) Send(ctx context.Context, req Request, opts CallOptions) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/inference", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/json, */*")
	if opts.SessionActive {
		httpReq.Header.Set(HeaderSessionActive, "true")
		httpReq.Header.Set(HeaderBudgetRemaining, strconv.FormatInt(opts.BudgetRemaining, 10))
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	return c.classify(resp)
}

// classify branches on the response content type. Unknown shapes degrade to
// best-effort text extraction, never a hard failure.
func (c *Client) classify(resp *http.Response) (*Response, error) {
	if resp.StatusCode == http.StatusPaymentRequired {
		// The payment transport already retried; a surviving 402 is final.
		drainClose(resp.Body)
		return nil, fmt.Errorf("endpoint demanded payment: %w", domain.ErrPaymentRequired)
	}

	mediaType := contentType(resp)

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if msg := envelopeError(body); msg != "" {
			return nil, fmt.Errorf("inference failed: %s: %w", msg, domain.ErrTransport)
		}
		return nil, fmt.Errorf("inference failed with status %d: %w", resp.StatusCode, domain.ErrTransport)
	}

	switch {
	case mediaType == "text/event-stream":
		return &Response{Kind: KindStream, Stream: NewSSEStream(resp.Body)}, nil

	case mediaType == "text/plain" || strings.HasPrefix(mediaType, "text/"):
		return &Response{Kind: KindStream, Stream: NewPlainStream(resp.Body, headerTokens(resp))}, nil

	case strings.HasPrefix(mediaType, "image/"),
		strings.HasPrefix(mediaType, "audio/"),
		strings.HasPrefix(mediaType, "video/"):
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read media body: %v: %w", err, domain.ErrStream)
		}
		return &Response{
			Kind:        KindMedia,
			Media:       &Media{MimeType: mediaType, Data: data},
			TotalTokens: headerTokens(resp),
		}, nil

	case mediaType == "application/json":
		defer resp.Body.Close()
		return c.classifyEnvelope(resp.Body)

	default:
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("read body: %v: %w", err, domain.ErrStream)
		}
		c.logger.Warn("Unrecognized response content type, extracting as text",
			zap.String("content_type", mediaType))
		return &Response{Kind: KindText, Text: string(body), TotalTokens: headerTokens(resp)}, nil
	}
}

// classifyEnvelope handles the {success,data,type,mimeType,error} shape,
// including base64-encoded media payloads.
func (c *Client) classifyEnvelope(body io.Reader) (*Response, error) {
	raw, err := io.ReadAll(io.LimitReader(body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read envelope: %v: %w", err, domain.ErrStream)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// Best-effort text extraction for near-JSON payloads.
		return &Response{Kind: KindText, Text: string(raw)}, nil
	}
	if !env.Success && env.Error != "" {
		return nil, fmt.Errorf("inference failed: %s: %w", env.Error, domain.ErrTransport)
	}

	switch env.Type {
	case "image", "audio", "video":
		data, decErr := base64.StdEncoding.DecodeString(env.Data)
		if decErr != nil {
			return nil, fmt.Errorf("decode media payload: %v: %w", decErr, domain.ErrMalformedResponse)
		}
		return &Response{
			Kind:        KindMedia,
			Media:       &Media{MimeType: env.MimeType, Data: data},
			TotalTokens: env.TotalTokens,
		}, nil
	default:
		return &Response{Kind: KindText, Text: env.Data, TotalTokens: env.TotalTokens}, nil
	}
}

func contentType(resp *http.Response) string {
	ct := resp.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mediaType
}

func headerTokens(resp *http.Response) int {
	n, err := strconv.Atoi(resp.Header.Get(HeaderTotalTokens))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func envelopeError(body []byte) string {
	var env envelope
	if json.Unmarshal(body, &env) == nil && env.Error != "" {
		return env.Error
	}
	return ""
}

func classifyTransportErr(err error) error {
	// Payment refusals raised by the round tripper surface through url.Error.
	if errors.Is(err, domain.ErrPaymentRequired) {
		return err
	}
	return fmt.Errorf("inference request: %v: %w", err, domain.ErrTransport)
}

func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}
