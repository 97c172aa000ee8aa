// Package x402 wraps an HTTP transport so that payment-required challenges
// are satisfied transparently: on a 402 response the transport signs a
// value-ceilinged payment authorization, attaches it, and retries once.
package x402

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/meterlane/paygent/internal/domain"
	"github.com/meterlane/paygent/internal/metrics"
)

// PaymentHeader carries the base64-encoded signed authorization.
const PaymentHeader = "X-Payment"

// Signer produces payment authorizations for the connected account.
type Signer interface {
	Address() string
	SignMessage(payload []byte) ([]byte, error)
}

// challenge is one accepted payment option from a 402 response.
type challenge struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	PayTo             string `json:"payTo"`
	Asset             string `json:"asset"`
	MaxAmountRequired int64  `json:"maxAmountRequired"`
	Nonce             string `json:"nonce"`
}

// challengeEnvelope is the 402 response body.
type challengeEnvelope struct {
	Version int         `json:"x402Version"`
	Accepts []challenge `json:"accepts"`
}

// authorization is the payload signed and attached on retry.
type authorization struct {
	From       string `json:"from"`
	PayTo      string `json:"payTo"`
	Asset      string `json:"asset"`
	Amount     int64  `json:"amount"`
	Nonce      string `json:"nonce"`
	ValidUntil int64  `json:"validUntil"`
	Signature  string `json:"signature,omitempty"`
}

// Transport is a payment-capable http.RoundTripper. A nil signer refuses
// challenges; requests that never get challenged pass through untouched.
type Transport struct {
	base     http.RoundTripper
	signer   Signer
	maxValue int64
	now      func() time.Time
	logger   *zap.Logger
}

// New creates a payment transport. maxValue is the authorization ceiling in
// token smallest units; challenges demanding more are refused.
func New(base http.RoundTripper, signer Signer, maxValue int64, logger *zap.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		base:     base,
		signer:   signer,
		maxValue: maxValue,
		now:      time.Now,
		logger:   logger,
	}
}

// RoundTrip dispatches the request and, on a payment-required challenge,
// retries exactly once with a signed authorization attached.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := ensureReplayable(req); err != nil {
		return nil, err
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	ch, err := readChallenge(resp)
	if err != nil {
		metrics.PaymentChallengesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	header, err := t.signAuthorization(ch)
	if err != nil {
		metrics.PaymentChallengesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, bodyErr := req.GetBody()
		if bodyErr != nil {
			return nil, fmt.Errorf("rewind request body: %w", bodyErr)
		}
		retry.Body = body
	}
	retry.Header.Set(PaymentHeader, header)

	t.logger.Debug("Retrying with payment authorization",
		zap.String("pay_to", ch.PayTo),
		zap.Int64("amount", ch.MaxAmountRequired),
	)
	metrics.PaymentChallengesTotal.WithLabelValues("satisfied").Inc()
	return t.base.RoundTrip(retry)
}

// signAuthorization builds and signs the retry payload for a challenge.
func (t *Transport) signAuthorization(ch challenge) (string, error) {
	if t.signer == nil {
		return "", fmt.Errorf("challenge for %d cannot be signed: %w", ch.MaxAmountRequired, domain.ErrPaymentRequired)
	}
	if ch.MaxAmountRequired <= 0 || ch.MaxAmountRequired > t.maxValue {
		return "", fmt.Errorf("challenge amount %d outside ceiling %d: %w",
			ch.MaxAmountRequired, t.maxValue, domain.ErrPaymentRequired)
	}

	auth := authorization{
		From:       t.signer.Address(),
		PayTo:      ch.PayTo,
		Asset:      ch.Asset,
		Amount:     ch.MaxAmountRequired,
		Nonce:      ch.Nonce,
		ValidUntil: t.now().Add(5 * time.Minute).Unix(),
	}
	unsigned, err := json.Marshal(auth)
	if err != nil {
		return "", fmt.Errorf("marshal authorization: %w", err)
	}
	sig, err := t.signer.SignMessage(unsigned)
	if err != nil {
		return "", fmt.Errorf("sign authorization: %v: %w", err, domain.ErrPaymentRequired)
	}
	auth.Signature = hex.EncodeToString(sig)

	signed, err := json.Marshal(auth)
	if err != nil {
		return "", fmt.Errorf("marshal signed authorization: %w", err)
	}
	return base64.StdEncoding.EncodeToString(signed), nil
}

// readChallenge consumes and closes the 402 response body.
func readChallenge(resp *http.Response) (challenge, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return challenge{}, fmt.Errorf("read challenge: %w", err)
	}
	var env challengeEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return challenge{}, fmt.Errorf("decode challenge: %v: %w", err, domain.ErrMalformedResponse)
	}
	if len(env.Accepts) == 0 {
		return challenge{}, fmt.Errorf("challenge offers no payment option: %w", domain.ErrPaymentRequired)
	}
	return env.Accepts[0], nil
}

// ensureReplayable buffers the body so the single retry can rewind it.
func ensureReplayable(req *http.Request) error {
	if req.Body == nil || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return fmt.Errorf("buffer request body: %w", err)
	}
	_ = req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil
}
