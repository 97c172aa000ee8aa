// Package ethereum implements the on-chain payment rail: token balance and
// allowance reads, spend approval, and the time-boxed delegated-signer grant.
package ethereum

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/meterlane/paygent/internal/signer"
)

// Config describes how to construct the payment rail client.
type Config struct {
	RPCURL string
	// ChainID of the target network; required for keyed transactors.
	ChainID int64
	// TokenAddress is the payment token (ERC-20, 6 decimals).
	TokenAddress string
	// SessionManagerAddress is the contract-controlled account that
	// accepts delegated-signer grants.
	SessionManagerAddress string
	// TreasuryAddress is the fixed delegate identity granted settlement
	// authority for the session window.
	TreasuryAddress string
}

// Client is the payment rail backed by an EVM node. A nil signer models the
// disconnected state: reads still work against a zero owner, writes refuse.
type Client struct {
	eth      *ethclient.Client
	sgn      *signer.Local
	token    *bind.BoundContract
	sessions *bind.BoundContract
	tokenAdr common.Address
	treasury common.Address
	chainID  *big.Int
	waiter   bind.DeployBackend
	logger   *zap.Logger
}

// contractBackend is the subset of ethclient used by bound contracts,
// narrowed so tests can substitute a simulated backend.
type contractBackend interface {
	bind.ContractCaller
	bind.ContractTransactor
	bind.ContractFilterer
}

// NewClient dials the configured RPC endpoint and binds the token and
// session-manager contracts.
func NewClient(ctx context.Context, cfg Config, sgn *signer.Local, logger *zap.Logger) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	c, err := newClient(eth, cfg, sgn, logger)
	if err != nil {
		eth.Close()
		return nil, err
	}
	c.eth = eth
	return c, nil
}

func newClient(backend contractBackend, cfg Config, sgn *signer.Local, logger *zap.Logger) (*Client, error) {
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain id is required")
	}
	tokenAdr, err := parseAddress(cfg.TokenAddress, "token address")
	if err != nil {
		return nil, err
	}
	managerAdr, err := parseAddress(cfg.SessionManagerAddress, "session manager address")
	if err != nil {
		return nil, err
	}
	treasury, err := parseAddress(cfg.TreasuryAddress, "treasury address")
	if err != nil {
		return nil, err
	}

	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	sessionKey, err := abi.JSON(strings.NewReader(sessionKeyABI))
	if err != nil {
		return nil, fmt.Errorf("parse session key abi: %w", err)
	}

	c := &Client{
		sgn:      sgn,
		token:    bind.NewBoundContract(tokenAdr, erc20, backend, backend, backend),
		sessions: bind.NewBoundContract(managerAdr, sessionKey, backend, backend, backend),
		tokenAdr: tokenAdr,
		treasury: treasury,
		chainID:  big.NewInt(cfg.ChainID),
		logger:   logger,
	}
	if w, ok := backend.(bind.DeployBackend); ok {
		c.waiter = w
	}
	return c, nil
}

// HealthCheck verifies the RPC endpoint is reachable and on the expected
// chain. Clients built over a test backend have no RPC connection to probe.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.eth == nil {
		return nil
	}
	got, err := c.eth.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	if got.Cmp(c.chainID) != 0 {
		return fmt.Errorf("connected to chain %s, expected %s", got, c.chainID)
	}
	return nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

// Owner returns the connected signer's address, or "" when disconnected.
func (c *Client) Owner() string {
	if c.sgn == nil {
		return ""
	}
	return c.sgn.Address()
}

// Balance reads the owner's payment-token balance in smallest units.
func (c *Client) Balance(ctx context.Context) (int64, error) {
	owner, err := c.ownerAddress()
	if err != nil {
		return 0, err
	}
	var out []interface{}
	if err := c.token.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", owner); err != nil {
		return 0, fmt.Errorf("balanceOf: %w", err)
	}
	return fromWire(out)
}

// Allowance reads the standing spend authorization toward the treasury.
func (c *Client) Allowance(ctx context.Context) (int64, error) {
	owner, err := c.ownerAddress()
	if err != nil {
		return 0, err
	}
	var out []interface{}
	if err := c.token.Call(&bind.CallOpts{Context: ctx}, &out, "allowance", owner, c.treasury); err != nil {
		return 0, fmt.Errorf("allowance: %w", err)
	}
	return fromWire(out)
}

// Approve sets the standing spend authorization toward the treasury and
// waits for the transaction to be mined.
func (c *Client) Approve(ctx context.Context, amount int64) error {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return err
	}
	tx, err := c.token.Transact(opts, "approve", c.treasury, big.NewInt(amount))
	if err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	c.logger.Info("Spend approval submitted",
		zap.String("tx", tx.Hash().Hex()),
		zap.Int64("amount", amount),
	)
	if err := c.waitMined(ctx, tx); err != nil {
		return fmt.Errorf("approve wait mined: %w", err)
	}
	return nil
}

// GrantSessionKey grants the treasury delegate a permission scoped to the
// payment token only, capped at budget, with zero native-currency allowance,
// valid within [notBefore, notAfter]. Returns the delegate address.
func (c *Client) GrantSessionKey(ctx context.Context, budget int64, notBefore, notAfter time.Time) (string, error) {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return "", err
	}
	tx, err := c.sessions.Transact(opts, "grantSessionKey",
		c.treasury,
		c.tokenAdr,
		big.NewInt(budget),
		big.NewInt(0), // no native-currency spending authority
		big.NewInt(notBefore.Unix()),
		big.NewInt(notAfter.Unix()),
	)
	if err != nil {
		return "", fmt.Errorf("grantSessionKey: %w", err)
	}
	c.logger.Info("Delegated signer grant submitted",
		zap.String("tx", tx.Hash().Hex()),
		zap.String("delegate", c.treasury.Hex()),
		zap.Int64("budget", budget),
		zap.Time("not_after", notAfter),
	)
	if err := c.waitMined(ctx, tx); err != nil {
		return "", fmt.Errorf("grant wait mined: %w", err)
	}
	return c.treasury.Hex(), nil
}

func (c *Client) waitMined(ctx context.Context, tx *coretypes.Transaction) error {
	if c.waiter == nil {
		return nil
	}
	_, err := bind.WaitMined(ctx, c.waiter, tx)
	return err
}

func (c *Client) ownerAddress() (common.Address, error) {
	if c.sgn == nil {
		return common.Address{}, fmt.Errorf("no signer connected")
	}
	return common.HexToAddress(c.sgn.Address()), nil
}

func (c *Client) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	if c.sgn == nil {
		return nil, fmt.Errorf("no signer connected")
	}
	opts, err := c.sgn.TransactOpts(c.chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	return opts, nil
}

func parseAddress(s, name string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s %q is not a hex address", name, s)
	}
	return common.HexToAddress(s), nil
}

// fromWire converts a single uint256 call result to int64 smallest units,
// clamping values beyond int64 range.
func fromWire(out []interface{}) (int64, error) {
	if len(out) == 0 {
		return 0, fmt.Errorf("empty call result")
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected call result type %T", out[0])
	}
	if !v.IsInt64() {
		return math.MaxInt64, nil
	}
	return v.Int64(), nil
}
