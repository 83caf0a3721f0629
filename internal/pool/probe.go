package pool

import (
	"context"
	"time"

	"github.com/quantfabric/connmgr/internal/exchange"
)

// Probe runs one liveness check against a connection, bounded by the
// given timeout, and reports the observed latency.
func Probe(ctx context.Context, conn exchange.Conn, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := conn.Ping(ctx)
	return time.Since(start), err
}
