package exchange

import "context"

// Client is the narrow surface the connection manager consumes from the
// underlying exchange API client. Request signing, rate limiting, and
// REST method implementations live behind it.
type Client interface {
	// Connect establishes one reusable connection to the given endpoint.
	Connect(ctx context.Context, endpoint string) (Conn, error)

	// OpenStream opens a long-lived streaming connection for a topic.
	OpenStream(ctx context.Context, endpoint, topic string) (Stream, error)
}

// Conn is one live connection handle, lent to exactly one owner at a time.
type Conn interface {
	// Ping runs a lightweight liveness check.
	Ping(ctx context.Context) error

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Stream is a long-lived server-push connection for one topic.
type Stream interface {
	// ReadMessage blocks until the next inbound message or an error.
	// An error means the stream is no longer usable.
	ReadMessage() ([]byte, error)

	// Close releases the stream. Safe to call more than once.
	Close() error
}
