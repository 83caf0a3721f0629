package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quantfabric/connmgr/internal/manager"
)

// handlers contains all HTTP handlers.
type handlers struct {
	mgr *manager.Manager
}

func newHandlers(mgr *manager.Manager) *handlers {
	return &handlers{mgr: mgr}
}

// Root handles the liveness check.
func (h *handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "connmgr",
	})
}

// Health reports derived health plus a metrics snapshot. Unhealthy
// returns 503 so load balancers can rotate the instance out.
func (h *handlers) Health(c *gin.Context) {
	health := h.mgr.HealthStatus()
	snap := h.mgr.Metrics()

	code := http.StatusOK
	if health == manager.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": health.String(),
		"pool": gin.H{
			"total":  snap.TotalConnections,
			"active": snap.ActiveConnections,
			"idle":   snap.IdleConnections,
		},
		"subscriptions": snap.Subscriptions,
	})
}

// Stats returns the full metrics snapshot.
func (h *handlers) Stats(c *gin.Context) {
	snap := h.mgr.Metrics()
	c.JSON(http.StatusOK, gin.H{
		"pool": gin.H{
			"total_connections":  snap.TotalConnections,
			"active_connections": snap.ActiveConnections,
			"idle_connections":   snap.IdleConnections,
			"failed_connections": snap.FailedConnections,
			"evicted_clients":    snap.EvictedClients,
			"acquire_timeouts":   snap.AcquireTimeouts,
			"avg_latency_ms":     float64(snap.AvgLatency) / float64(time.Millisecond),
		},
		"streams": gin.H{
			"subscriptions":    snap.Subscriptions,
			"reconnects":       snap.Reconnects,
			"dropped_messages": snap.DroppedMessages,
		},
		"background_tasks": snap.BackgroundTasks,
	})
}

// Endpoints lists every endpoint's breaker status in selection order.
func (h *handlers) Endpoints(c *gin.Context) {
	statuses := h.mgr.EndpointStats()
	out := make([]gin.H, 0, len(statuses))
	for _, st := range statuses {
		entry := gin.H{
			"url":      st.URL,
			"state":    st.State.String(),
			"failures": st.Failures,
		}
		if !st.LastSuccessAt.IsZero() {
			entry["last_success_at"] = st.LastSuccessAt
		}
		if !st.RetryAt.IsZero() {
			entry["retry_at"] = st.RetryAt
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": out})
}

// Metrics serves the Prometheus exposition format. The gatherer is
// resolved per request because it is nil until the manager starts.
func (h *handlers) Metrics(c *gin.Context) {
	g := h.mgr.Gatherer()
	if g == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "manager not started"})
		return
	}
	promhttp.HandlerFor(g, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}
