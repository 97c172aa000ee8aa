package paygent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meterlane/paygent/internal/chain/ethereum"
	"github.com/meterlane/paygent/internal/db"
	dbRedis "github.com/meterlane/paygent/internal/db/redis"
	"github.com/meterlane/paygent/internal/domain/pricing"
	sessionrepo "github.com/meterlane/paygent/internal/repository/session"
	"github.com/meterlane/paygent/internal/signer"
	trinf "github.com/meterlane/paygent/internal/transport/inference"
	"github.com/meterlane/paygent/internal/transport/x402"
	inferenceuc "github.com/meterlane/paygent/internal/usecase/inference"
	sessionuc "github.com/meterlane/paygent/internal/usecase/session"
)

const defaultReadinessTimeout = 10 * time.Second

// MicroUnit is one whole payment-token unit in smallest units.
const MicroUnit = pricing.MicroUnit

// Client is the paygent SDK entry point.
type Client struct {
	store        db.Store
	sgn          *signer.Local
	rail         interface{ Close() }
	sessions     *sessionuc.Manager
	chat         *inferenceuc.Service
	defaultModel string
	cancel       context.CancelFunc
}

// New creates a paygent Client, connects to the store, restores any live
// session, and starts watching for changes made by other processes.
func New(opts ...Option) (*Client, error) {
	cfg := &clientConfig{
		keyPrefix:          "paygent:",
		inferenceTimeout:   2 * time.Minute,
		pricePerToken:      pricing.DefaultPricePerToken,
		priceMultiplier:    pricing.DefaultPriceMultiplier,
		maxTokensPerCall:   pricing.DefaultMaxTokensPerCall,
		maxPaymentMicro:    pricing.MicroUnit,
		flushInterval:      50 * time.Millisecond,
		maxSessionDuration: 7 * 24 * time.Hour,
		logger:             zap.NewNop(),
	}
	for _, o := range opts {
		o(cfg)
	}

	if len(cfg.addrs) == 0 {
		return nil, errors.New("paygent: store address required (use WithRedis)")
	}
	if cfg.inferenceURL == "" {
		return nil, errors.New("paygent: inference endpoint required (use WithInference)")
	}

	store, err := dbRedis.NewStore(dbRedis.Config{
		Addrs:    cfg.addrs,
		Password: cfg.password,
	})
	if err != nil {
		return nil, fmt.Errorf("paygent: create store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := store.WaitForReady(ctx, defaultReadinessTimeout); err != nil {
		cancel()
		store.Close()
		return nil, fmt.Errorf("paygent: store not ready: %w", err)
	}

	c, err := wireClient(ctx, store, cfg)
	if err != nil {
		cancel()
		store.Close()
		return nil, err
	}
	c.cancel = cancel
	return c, nil
}

func wireClient(ctx context.Context, store db.Store, cfg *clientConfig) (*Client, error) {
	var sgn *signer.Local
	if cfg.privateKey != "" {
		var err error
		sgn, err = signer.NewLocal(cfg.privateKey)
		if err != nil {
			return nil, fmt.Errorf("paygent: load key: %w", err)
		}
	}

	var rail sessionuc.Rail = sessionuc.DisconnectedRail{}
	var railCloser interface{ Close() }
	if cfg.chain.RPCURL != "" {
		chainClient, err := ethereum.NewClient(ctx, ethereum.Config{
			RPCURL:                cfg.chain.RPCURL,
			ChainID:               cfg.chain.ChainID,
			TokenAddress:          cfg.chain.TokenAddress,
			SessionManagerAddress: cfg.chain.SessionManagerAddress,
			TreasuryAddress:       cfg.chain.TreasuryAddress,
		}, sgn, cfg.logger)
		if err != nil {
			return nil, fmt.Errorf("paygent: connect rail: %w", err)
		}
		rail = chainClient
		railCloser = chainClient
	}

	sessStore := sessionrepo.New(store, store, cfg.keyPrefix, cfg.logger)
	manager := sessionuc.NewManager(rail, sessStore, cfg.logger).
		WithMaxDuration(cfg.maxSessionDuration)
	if err := manager.Start(ctx); err != nil {
		return nil, fmt.Errorf("paygent: restore session: %w", err)
	}

	// Pass nil interface (not typed nil pointer!) when disconnected.
	var paySigner x402.Signer
	if sgn != nil {
		paySigner = sgn
	}
	payTransport := x402.New(nil, paySigner, cfg.maxPaymentMicro, cfg.logger)

	inferenceClient, err := trinf.NewClient(trinf.Config{
		BaseURL: cfg.inferenceURL,
		Timeout: cfg.inferenceTimeout,
	}, payTransport, cfg.logger)
	if err != nil {
		return nil, fmt.Errorf("paygent: create inference client: %w", err)
	}

	chat := inferenceuc.NewService(
		manager,
		inferenceClient,
		pricing.Schedule{
			PricePerToken:    cfg.pricePerToken,
			PriceMultiplier:  cfg.priceMultiplier,
			MaxTokensPerCall: cfg.maxTokensPerCall,
		},
		cfg.flushInterval,
		func() bool { return sgn != nil },
		cfg.logger,
	)

	return &Client{
		store:        store,
		sgn:          sgn,
		rail:         railCloser,
		sessions:     manager,
		chat:         chat,
		defaultModel: cfg.defaultModel,
	}, nil
}

// Close releases all resources.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.rail != nil {
		c.rail.Close()
	}
	if c.store != nil {
		c.store.Close()
	}
}

// Ping checks store connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.store.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Address returns the connected account address, or "" when disconnected.
func (c *Client) Address() string {
	if c.sgn == nil {
		return ""
	}
	return c.sgn.Address()
}

// BudgetPresets returns the suggested session budget caps, ascending.
func BudgetPresets() []int64 {
	out := make([]int64, len(pricing.Presets))
	copy(out, pricing.Presets)
	return out
}
