package session

import (
	"context"
	"time"

	"github.com/meterlane/paygent/internal/domain"
	domses "github.com/meterlane/paygent/internal/domain/session"
)

// Rail is the on-chain payment and identity surface used during session
// creation. Owner returns "" when no signer is connected.
type Rail interface {
	Owner() string
	Balance(ctx context.Context) (int64, error)
	Allowance(ctx context.Context) (int64, error)
	Approve(ctx context.Context, amount int64) error
	GrantSessionKey(ctx context.Context, budget int64, notBefore, notAfter time.Time) (delegate string, err error)
}

// DisconnectedRail is a Rail with no account behind it: reads report a zero
// owner, spending operations refuse. Used when no chain is configured.
type DisconnectedRail struct{}

func (DisconnectedRail) Owner() string { return "" }

func (DisconnectedRail) Balance(context.Context) (int64, error) {
	return 0, domain.ErrNotConnected
}

func (DisconnectedRail) Allowance(context.Context) (int64, error) {
	return 0, domain.ErrNotConnected
}

func (DisconnectedRail) Approve(context.Context, int64) error {
	return domain.ErrNotConnected
}

func (DisconnectedRail) GrantSessionKey(context.Context, int64, time.Time, time.Time) (string, error) {
	return "", domain.ErrNotConnected
}

// Store is the durable session projection with remote change notification.
type Store interface {
	Save(ctx context.Context, sess domses.Session, userAddress string) error
	Load(ctx context.Context, userAddress string) (domses.Session, bool, error)
	Watch(ctx context.Context, userAddress string, fn func(domses.Session, bool)) error
}
