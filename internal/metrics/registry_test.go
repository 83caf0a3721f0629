package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfabric/connmgr/internal/resilience"
)

func TestSnapshotReflectsLiveCounters(t *testing.T) {
	r := NewRegistry()

	r.SetPoolSizes(3, 2)
	r.ConnFailed()
	r.ConnEvicted()
	r.AcquireTimedOut()
	r.SetSubscriptions(4)
	r.ReconnectAttempt()
	r.MessageDropped()
	r.SetBackgroundTasks(2)

	snap := r.Snapshot()
	assert.Equal(t, 5, snap.TotalConnections)
	assert.Equal(t, 2, snap.ActiveConnections)
	assert.Equal(t, 3, snap.IdleConnections)
	assert.Equal(t, int64(1), snap.FailedConnections)
	assert.Equal(t, int64(1), snap.EvictedClients)
	assert.Equal(t, int64(1), snap.AcquireTimeouts)
	assert.Equal(t, 4, snap.Subscriptions)
	assert.Equal(t, int64(1), snap.Reconnects)
	assert.Equal(t, int64(1), snap.DroppedMessages)
	assert.Equal(t, 2, snap.BackgroundTasks)
}

func TestSnapshotAverageLatency(t *testing.T) {
	r := NewRegistry()

	r.ObserveLatency(10 * time.Millisecond)
	r.ObserveLatency(30 * time.Millisecond)

	assert.Equal(t, 20*time.Millisecond, r.Snapshot().AvgLatency)
}

func TestSnapshotIsACopy(t *testing.T) {
	r := NewRegistry()
	r.SetPoolSizes(1, 1)

	snap := r.Snapshot()
	r.SetPoolSizes(5, 5)

	assert.Equal(t, 2, snap.TotalConnections)
}

func TestSnapshotEndpoints(t *testing.T) {
	r := NewRegistry()
	r.SetEndpointStatusFunc(func() []resilience.EndpointStatus {
		return []resilience.EndpointStatus{
			{URL: "http://a", State: resilience.StateClosed, Failures: 2},
			{URL: "http://b", State: resilience.StateOpen, Failures: 7},
		}
	})

	snap := r.Snapshot()
	require.Len(t, snap.Endpoints, 2)
	assert.Equal(t, "closed", snap.Endpoints[0].State)
	assert.Equal(t, "open", snap.Endpoints[1].State)
	assert.Equal(t, uint32(7), snap.Endpoints[1].Failures)
}

func TestMultipleRegistriesDoNotCollide(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()

	a.ConnCreated()
	b.ConnCreated()

	families, err := a.Gatherer().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
