package session

import (
	"time"

	domses "github.com/meterlane/paygent/internal/domain/session"
)

// storedSession is the durable projection of a session, plus the owner
// address for ownership validation on load.
type storedSession struct {
	UserAddress     string `json:"user_address"`
	BudgetLimit     int64  `json:"budget_limit"`
	BudgetUsed      int64  `json:"budget_used"`
	ExpiresAtMilli  int64  `json:"expires_at"`
	DelegatedSigner string `json:"delegated_signer"`
}

func toDTO(s domses.Session, userAddress string) storedSession {
	return storedSession{
		UserAddress:     userAddress,
		BudgetLimit:     s.BudgetLimit,
		BudgetUsed:      s.BudgetUsed,
		ExpiresAtMilli:  s.ExpiresAt.UnixMilli(),
		DelegatedSigner: s.DelegatedSigner,
	}
}

func (d storedSession) toDomain() domses.Session {
	return domses.Session{
		BudgetLimit:     d.BudgetLimit,
		BudgetUsed:      d.BudgetUsed,
		ExpiresAt:       time.UnixMilli(d.ExpiresAtMilli),
		DelegatedSigner: d.DelegatedSigner,
	}
}
