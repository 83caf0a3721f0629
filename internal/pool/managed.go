package pool

import (
	"time"

	"github.com/quantfabric/connmgr/internal/exchange"
	"github.com/quantfabric/connmgr/internal/shared/id"
)

// ClientState is the lifecycle state of a pooled connection.
type ClientState int

const (
	StateIdle ClientState = iota
	StateInUse
	StateUnhealthy
	StateClosed
)

// String returns the string representation of the state
func (s ClientState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in-use"
	case StateUnhealthy:
		return "unhealthy"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Outcome is the caller-reported result of an operation on an acquired
// connection.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

// ManagedClient wraps one live connection with pool metadata.
//
// While idle the pool owns the client exclusively; while in use it is
// lent to exactly one caller. All mutable fields are guarded by the
// pool mutex.
type ManagedClient struct {
	id       id.ClientID
	conn     exchange.Conn
	endpoint string

	state               ClientState
	consecutiveFailures int
	createdAt           time.Time
	lastUsedAt          time.Time
	lastLatency         time.Duration
}

// ID returns the client's identifier.
func (m *ManagedClient) ID() id.ClientID {
	return m.id
}

// Conn returns the underlying connection handle. Valid only while the
// caller holds the client between Acquire and Release.
func (m *ManagedClient) Conn() exchange.Conn {
	return m.conn
}

// Endpoint returns the endpoint this client is bound to.
func (m *ManagedClient) Endpoint() string {
	return m.endpoint
}
