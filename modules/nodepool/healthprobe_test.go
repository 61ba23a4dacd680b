package nodepool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeClassifiesNodes(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	hanging := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer hanging.Close()

	pool := New([]string{healthy.URL, failing.URL, hanging.URL, "http://127.0.0.1:1"})
	probe := NewProbe(pool, time.Minute, 200*time.Millisecond, log.NewNopLogger())

	require.NoError(t, probe.iteration(context.Background()))

	snap := pool.Snapshot()
	assert.Equal(t, Healthy, snap[0])
	assert.Equal(t, Unhealthy, snap[1], "non-2xx must flip to Unhealthy")
	assert.Equal(t, Unhealthy, snap[2], "deadline overrun must flip to Unhealthy")
	assert.Equal(t, Unhealthy, snap[3], "unreachable must flip to Unhealthy")
	assert.Equal(t, 1, pool.HealthyCount())
}

func TestProbeRecovery(t *testing.T) {
	up := false
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if up {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer node.Close()

	pool := New([]string{node.URL})
	probe := NewProbe(pool, time.Minute, time.Second, log.NewNopLogger())

	require.NoError(t, probe.iteration(context.Background()))
	assert.Equal(t, Unhealthy, pool.Snapshot()[0])

	up = true
	require.NoError(t, probe.iteration(context.Background()))
	assert.Equal(t, Healthy, pool.Snapshot()[0])
}
