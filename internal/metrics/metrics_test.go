package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/HMasataka/presence/pkg/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := NewRegistry()
	m := NewPrometheus(reg)

	m.ConnectionAccepted("web")
	m.ConnectionAccepted("web")
	m.ConnectionRejected("CONNECTION_LIMIT")
	m.ConnectionClosed("web", domain.ClosePolicyViolation)
	m.MessageReceived(domain.MessageTypeHeartbeat, 120)
	m.BroadcastDelivered(3, 1)
	m.PresenceChanged(domain.StatusBusy)
	m.ProbeTimedOut()
	m.StoreError("put")
	m.StoreLatency("put", 3*time.Millisecond)
	m.Sample(4, 2, map[domain.Status]int{domain.StatusOnline: 2, domain.StatusOffline: 7})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.accepted.WithLabelValues("web")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejected.WithLabelValues("CONNECTION_LIMIT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.closed.WithLabelValues("web", "policy_violation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.received.WithLabelValues("HEARTBEAT")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.broadcast.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.broadcast.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("busy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.probeTimeout))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.identifiers))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.records.WithLabelValues("offline")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.records.WithLabelValues("away")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := NewRegistry()
	m := NewPrometheus(reg)
	m.ConnectionAccepted("cli")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `presence_connections_accepted_total{client_type="cli"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
