package resilience

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/quantfabric/connmgr/internal/logging"
)

// EndpointStatus is a point-in-time view of one endpoint's breaker.
type EndpointStatus struct {
	URL           string
	State         State
	Failures      uint32
	LastSuccessAt time.Time
	RetryAt       time.Time
}

// Selector ranks configured endpoints by breaker state and hands out the
// best available one. Selection is deterministic given breaker state:
// endpoints are always considered in configured order, primary first.
//
// The breaker instances are shared between pool connection creation and
// streaming reconnects, so a half-open endpoint admits one trial across
// both.
type Selector struct {
	endpoints []*endpoint
	log       *logging.Logger
}

type endpoint struct {
	url     string
	breaker *Breaker
}

// NewSelector creates a selector over the given endpoints in priority order.
func NewSelector(urls []string, settings Settings, clk clock.Clock, log *logging.Logger) *Selector {
	s := &Selector{log: log}
	for _, u := range urls {
		s.endpoints = append(s.endpoints, &endpoint{
			url:     u,
			breaker: New(u, settings, clk),
		})
	}
	return s
}

// Select returns the best endpoint currently admitting attempts.
//
// The first endpoint in configured order whose breaker grants an attempt
// wins; an open endpoint whose recovery timeout has elapsed is half-open
// and eligible for its single trial. When no endpoint admits an attempt
// Select fails with ErrNoEndpointAvailable.
//
// The caller must report the attempt's outcome via Report.
func (s *Selector) Select() (string, error) {
	for _, ep := range s.endpoints {
		if ep.breaker.Allow() {
			return ep.url, nil
		}
	}
	return "", ErrNoEndpointAvailable
}

// Report feeds an attempt outcome back into the endpoint's breaker.
func (s *Selector) Report(url string, success bool) {
	ep := s.find(url)
	if ep == nil {
		return
	}
	if success {
		ep.breaker.RecordSuccess()
		return
	}
	ep.breaker.RecordFailure()
	if s.log != nil && ep.breaker.State() == StateOpen {
		s.log.Warn("endpoint circuit open", zap.String("endpoint", url))
	}
}

// Status returns a snapshot of every endpoint's breaker state in
// configured order.
func (s *Selector) Status() []EndpointStatus {
	out := make([]EndpointStatus, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		out = append(out, EndpointStatus{
			URL:           ep.url,
			State:         ep.breaker.State(),
			Failures:      ep.breaker.Counts().TotalFailures,
			LastSuccessAt: ep.breaker.LastSuccessAt(),
			RetryAt:       ep.breaker.RetryAt(),
		})
	}
	return out
}

// AllOpen reports whether every endpoint's breaker is open.
func (s *Selector) AllOpen() bool {
	for _, ep := range s.endpoints {
		if ep.breaker.State() != StateOpen {
			return false
		}
	}
	return len(s.endpoints) > 0
}

// AllClosed reports whether every endpoint's breaker is closed.
func (s *Selector) AllClosed() bool {
	for _, ep := range s.endpoints {
		if ep.breaker.State() != StateClosed {
			return false
		}
	}
	return len(s.endpoints) > 0
}

func (s *Selector) find(url string) *endpoint {
	for _, ep := range s.endpoints {
		if ep.url == url {
			return ep
		}
	}
	return nil
}
