package nodepool

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const healthzRoute = "/api/v0/healthz"

var (
	metricHealthyNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nabu",
		Name:      "nodepool_healthy_nodes",
		Help:      "Number of storage nodes currently classified Healthy.",
	})

	metricProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nabu",
		Name:      "nodepool_probes_total",
		Help:      "Total number of node health probes by outcome.",
	}, []string{"outcome"})
)

// Probe periodically classifies every node in the pool. A probe failure
// is never fatal, it only flips that node's status.
type Probe struct {
	services.Service

	pool    *Pool
	client  *http.Client
	timeout time.Duration
	logger  log.Logger
}

func NewProbe(pool *Pool, interval, timeout time.Duration, logger log.Logger) *Probe {
	p := &Probe{
		pool:    pool,
		client:  &http.Client{},
		timeout: timeout,
		logger:  logger,
	}

	// run one iteration at start so the pool becomes routable without
	// waiting a full interval
	p.Service = services.NewTimerService(interval, p.iteration, p.iteration, nil)

	return p
}

func (p *Probe) iteration(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, node := range p.pool.Nodes() {
		wg.Add(1)
		go func(n Node) {
			defer wg.Done()

			h := p.probe(ctx, n)
			p.pool.SetHealth(n.Index, h)
			metricProbes.WithLabelValues(string(h)).Inc()
		}(node)
	}
	wg.Wait()

	metricHealthyNodes.Set(float64(p.pool.HealthyCount()))
	return nil
}

func (p *Probe) probe(ctx context.Context, n Node) Health {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.BaseURL+healthzRoute, nil)
	if err != nil {
		level.Warn(p.logger).Log("msg", "failed to build probe request", "node", n.Index, "err", err)
		return Unhealthy
	}

	resp, err := p.client.Do(req)
	if err != nil {
		level.Debug(p.logger).Log("msg", "node probe failed", "node", n.Index, "err", err)
		return Unhealthy
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		level.Debug(p.logger).Log("msg", "node probe returned non-2xx", "node", n.Index, "status", resp.StatusCode)
		return Unhealthy
	}

	return Healthy
}
