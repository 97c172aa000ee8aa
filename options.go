package paygent

import (
	"time"

	"go.uber.org/zap"
)

// Option configures the Client.
type Option func(*clientConfig)

// ChainConfig describes the on-chain payment rail.
type ChainConfig struct {
	RPCURL                string
	ChainID               int64
	TokenAddress          string
	SessionManagerAddress string
	TreasuryAddress       string
}

type clientConfig struct {
	addrs     []string
	password  string
	keyPrefix string

	privateKey string
	chain      ChainConfig

	inferenceURL     string
	inferenceTimeout time.Duration
	defaultModel     string

	pricePerToken    int64
	priceMultiplier  int64
	maxTokensPerCall int64
	maxPaymentMicro  int64
	flushInterval    time.Duration

	maxSessionDuration time.Duration

	logger *zap.Logger
}

// WithRedis configures the client to connect to a Redis instance. The store
// holds the shared session state; every client pointed at the same store and
// key prefix sees the same session.
func WithRedis(addr, password string) Option {
	return func(c *clientConfig) {
		c.addrs = []string{addr}
		c.password = password
	}
}

// WithKeyPrefix sets the storage key prefix. Default: "paygent:".
func WithKeyPrefix(prefix string) Option {
	return func(c *clientConfig) {
		c.keyPrefix = prefix
	}
}

// WithPrivateKey connects a payment identity from a hex-encoded key.
// Without it the client runs disconnected.
func WithPrivateKey(hexKey string) Option {
	return func(c *clientConfig) {
		c.privateKey = hexKey
	}
}

// WithChain configures the on-chain payment rail. Without it session
// creation is refused.
func WithChain(cfg ChainConfig) Option {
	return func(c *clientConfig) {
		c.chain = cfg
	}
}

// WithInference sets the inference endpoint base URL. Required.
func WithInference(baseURL string) Option {
	return func(c *clientConfig) {
		c.inferenceURL = baseURL
	}
}

// WithInferenceTimeout bounds a single inference call. Default: 2 minutes.
func WithInferenceTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		c.inferenceTimeout = d
	}
}

// WithDefaultModel sets the model used when ChatRequest.ModelID is empty.
func WithDefaultModel(id string) Option {
	return func(c *clientConfig) {
		c.defaultModel = id
	}
}

// WithPricing overrides the settlement price schedule. Values are in the
// payment token's smallest unit.
func WithPricing(pricePerToken, priceMultiplier, maxTokensPerCall int64) Option {
	return func(c *clientConfig) {
		c.pricePerToken = pricePerToken
		c.priceMultiplier = priceMultiplier
		c.maxTokensPerCall = maxTokensPerCall
	}
}

// WithMaxPayment caps a single per-call payment authorization.
// Default: 1 whole token unit.
func WithMaxPayment(micro int64) Option {
	return func(c *clientConfig) {
		c.maxPaymentMicro = micro
	}
}

// WithFlushInterval sets how often streamed text is surfaced through
// OnUpdate. Default: 50ms.
func WithFlushInterval(d time.Duration) Option {
	return func(c *clientConfig) {
		c.flushInterval = d
	}
}

// WithMaxSessionDuration caps the requested session lifetime.
// Default: 7 days.
func WithMaxSessionDuration(d time.Duration) Option {
	return func(c *clientConfig) {
		c.maxSessionDuration = d
	}
}

// WithLogger enables structured logging for client operations.
// Default: no logging.
func WithLogger(l *zap.Logger) Option {
	return func(c *clientConfig) {
		c.logger = l
	}
}
