package exchange

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamPath        = "/ws"
	writeDeadline     = 5 * time.Second
	closeGracePeriod  = time.Second
	handshakeDeadline = 10 * time.Second
)

// StreamDialer opens websocket streams against an exchange endpoint.
type StreamDialer struct {
	dialer *websocket.Dialer
}

// NewStreamDialer creates a dialer with sane handshake limits.
func NewStreamDialer() *StreamDialer {
	return &StreamDialer{
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeDeadline,
		},
	}
}

// Dial connects to the endpoint's stream path and subscribes to the topic.
func (d *StreamDialer) Dial(ctx context.Context, endpoint, topic string) (Stream, error) {
	wsURL, err := streamURL(endpoint)
	if err != nil {
		return nil, err
	}

	conn, resp, err := d.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	sub := subscribeFrame{Op: "subscribe", Topic: topic}
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	conn.SetWriteDeadline(time.Time{})

	return &wsStream{conn: conn}, nil
}

type subscribeFrame struct {
	Op    string `json:"op"`
	Topic string `json:"topic"`
}

// wsStream wraps one websocket connection carrying a single topic.
type wsStream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (s *wsStream) ReadMessage() ([]byte, error) {
	_, payload, err := s.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return payload, nil
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// streamURL converts an http(s) endpoint into its ws(s) stream URL.
func streamURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + streamPath
	return u.String(), nil
}
