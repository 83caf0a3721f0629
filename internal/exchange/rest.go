package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-resty/resty/v2"
)

const defaultPingPath = "/api/v1/ping"

// RESTClient implements Client against an HTTP exchange API using resty
// for REST calls and gorilla/websocket for streams.
type RESTClient struct {
	pingPath string
	dialer   *StreamDialer
}

// RESTOption customizes a RESTClient.
type RESTOption func(*RESTClient)

// WithPingPath overrides the liveness check path.
func WithPingPath(path string) RESTOption {
	return func(c *RESTClient) { c.pingPath = path }
}

// NewRESTClient creates the default exchange transport.
func NewRESTClient(opts ...RESTOption) *RESTClient {
	c := &RESTClient{
		pingPath: defaultPingPath,
		dialer:   NewStreamDialer(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect builds a per-endpoint HTTP client and verifies it with one ping.
func (c *RESTClient) Connect(ctx context.Context, endpoint string) (Conn, error) {
	rc := resty.New().SetBaseURL(endpoint)

	conn := &restConn{client: rc, pingPath: c.pingPath}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect %s: %w", endpoint, err)
	}
	return conn, nil
}

// OpenStream dials the endpoint's websocket stream for the topic.
func (c *RESTClient) OpenStream(ctx context.Context, endpoint, topic string) (Stream, error) {
	return c.dialer.Dial(ctx, endpoint, topic)
}

// restConn wraps one resty client bound to a single endpoint.
type restConn struct {
	client   *resty.Client
	pingPath string

	closeOnce sync.Once
}

func (c *restConn) Ping(ctx context.Context) error {
	resp, err := c.client.R().SetContext(ctx).Get(c.pingPath)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("ping: unexpected status %d", resp.StatusCode())
	}
	return nil
}

func (c *restConn) Close() error {
	c.closeOnce.Do(func() {
		c.client.GetClient().CloseIdleConnections()
	})
	return nil
}
