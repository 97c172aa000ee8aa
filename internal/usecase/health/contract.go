package health

import "context"

// DBPinger checks session-store availability.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// RailChecker checks payment-rail (RPC node) availability.
type RailChecker interface {
	HealthCheck(ctx context.Context) error
}
