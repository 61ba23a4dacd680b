package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cristalhq/hedgedhttp"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/yunqiu21/nabu-tracer/modules/catalog"
	"github.com/yunqiu21/nabu-tracer/modules/nodepool"
	"github.com/yunqiu21/nabu-tracer/pkg/pool"
)

const (
	outcomeSuccess = "success"
	outcomeError   = "error"

	hedgedMetricsPublishDuration = 10 * time.Second
)

var (
	metricFanOutItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nabu",
		Name:      "gateway_fanout_items_total",
		Help:      "Total number of fan-out items by outcome.",
	}, []string{"outcome"})

	metricFanOutDeadlines = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nabu",
		Name:      "gateway_fanout_deadline_exceeded_total",
		Help:      "Total number of fan-outs terminated by the end-to-end deadline.",
	})

	metricPuts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nabu",
		Name:      "gateway_puts_total",
		Help:      "Total number of forwarded PUT requests by outcome.",
	}, []string{"outcome"})

	metricHedgedRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nabu",
		Name:      "gateway_hedged_roundtrips_total",
		Help:      "Total number of hedged upstream requests. Registered as a gauge for code sanity. This is a counter.",
	})
)

// index page served at /. The real UI is external; this shell only
// points at the API.
const indexHTML = `<!DOCTYPE html>
<html>
<head><title>nabu gateway</title></head>
<body>
<h1>nabu gateway</h1>
<p>GET /ipfs streams stored blocks. PUT /ipfs stores a block. GET /ipfs/health reports node health.</p>
</body>
</html>
`

// Gateway fans client reads out across the storage node pool and
// multiplexes writes onto a healthy node.
type Gateway struct {
	cfg    Config
	logger log.Logger

	nodes    *nodepool.Pool
	catalog  *catalog.Store
	pool     *pool.Pool
	upstream *http.Client

	// tally of items emitted as traced since the last flush
	tracedTally *atomic.Int64

	probe   *nodepool.Probe
	flusher services.Service
}

func New(cfg Config, logger log.Logger) (*Gateway, error) {
	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("at least one storage node must be configured")
	}

	nodes := nodepool.New(cfg.Nodes)

	upstream, err := upstreamClient(cfg)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:         cfg,
		logger:      logger,
		nodes:       nodes,
		catalog:     catalog.New(cfg.Catalog, logger),
		pool:        pool.NewPool(&cfg.Pool),
		upstream:    upstream,
		tracedTally: atomic.NewInt64(0),
		probe:       nodepool.NewProbe(nodes, cfg.ProbeInterval, cfg.ProbeTimeout, logger),
	}
	g.flusher = services.NewTimerService(cfg.FlushInterval, nil, g.flushTracedTally, nil)

	return g, nil
}

// upstreamClient builds the shared client for storage node requests,
// hedging block GETs when configured. Block reads are idempotent.
func upstreamClient(cfg Config) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	var rt http.RoundTripper = transport
	if cfg.HedgeRequestsAt != 0 {
		var (
			stats *hedgedhttp.Stats
			err   error
		)
		rt, stats, err = hedgedhttp.NewRoundTripperAndStats(cfg.HedgeRequestsAt, cfg.HedgeRequestsUpTo, transport)
		if err != nil {
			return nil, err
		}
		publishHedgedMetrics(stats)
	}

	return &http.Client{Transport: rt}, nil
}

// publishHedgedMetrics flushes hedged request counts every 10 seconds.
func publishHedgedMetrics(s *hedgedhttp.Stats) {
	ticker := time.NewTicker(hedgedMetricsPublishDuration)
	go func() {
		for range ticker.C {
			snap := s.Snapshot()
			hedged := int64(snap.ActualRoundTrips) - int64(snap.RequestedRoundTrips)
			if hedged < 0 {
				hedged = 0
			}
			metricHedgedRequests.Add(float64(hedged))
		}
	}()
}

// Services returns the gateway's background services: the health probe
// and the traced-tally flusher.
func (g *Gateway) Services() []services.Service {
	return []services.Service{g.probe, g.flusher}
}

// RegisterRoutes binds the gateway HTTP surface.
func (g *Gateway) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/", g.IndexHandler).Methods(http.MethodGet)
	r.HandleFunc("/ipfs", g.GetContentHandler).Methods(http.MethodGet)
	r.HandleFunc("/ipfs", g.PutContentHandler).Methods(http.MethodPut)
	r.HandleFunc("/ipfs/health", g.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/clear", g.ClearHandler).Methods(http.MethodGet)
}

func (g *Gateway) IndexHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, indexHTML)
}

// ssePayload is the wire shape of one streamed fan-out frame.
type ssePayload struct {
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
	Node      string `json:"node"`
	Trace     string `json:"trace"`
	TraceID   string `json:"trace_id"`
	TimeTaken string `json:"time_taken"`
}

// GetContentHandler streams every stored block back to the caller as
// server-sent events, one frame per CID in completion order.
func (g *Gateway) GetContentHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cids, err := g.catalog.StreamCIDs(ctx)
	if err != nil {
		level.Error(g.logger).Log("msg", "failed to stream cid records", "err", err)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := g.catalog.IncrCounter(ctx, catalog.CounterTotalRequests, int64(len(cids))); err != nil {
		level.Error(g.logger).Log("msg", "failed to count requests", "err", err)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if len(cids) == 0 {
		flusher.Flush()
		return
	}

	results, fanCtx, cancel, err := g.fanOut(ctx, cids)
	if err != nil {
		g.writeFrame(w, flusher, &fanOutItem{node: -1, traceID: noTraceID, err: err.Error()})
		return
	}
	defer cancel()

	for {
		select {
		case res, open := <-results:
			if !open {
				return
			}
			item := res.(*fanOutItem)
			if item.traced {
				g.tracedTally.Inc()
			}
			g.writeFrame(w, flusher, item)
		case <-fanCtx.Done():
			// outstanding tasks are abandoned, the client gets one
			// terminating error frame
			metricFanOutDeadlines.Inc()
			g.writeFrame(w, flusher, &fanOutItem{
				node:    -1,
				traceID: noTraceID,
				err:     fmt.Sprintf("fan-out deadline exceeded: %s", fanCtx.Err()),
			})
			return
		}
	}
}

func (g *Gateway) writeFrame(w io.Writer, flusher http.Flusher, item *fanOutItem) {
	payload := ssePayload{
		Content:   item.content,
		Error:     item.err,
		Node:      "N/A",
		Trace:     strconv.FormatBool(item.traced),
		TraceID:   item.traceID,
		TimeTaken: fmt.Sprintf("%.3fs", item.elapsed.Seconds()),
	}
	if item.node >= 0 {
		payload.Node = fmt.Sprintf("nabu-%d", item.node)
	}

	// the encoder escapes backslashes, quotes and newlines in the body
	data, err := jsoniter.Marshal(payload)
	if err != nil {
		level.Error(g.logger).Log("msg", "failed to marshal sse frame", "err", err)
		return
	}

	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// PutContentHandler forwards one block to a healthy node and records the
// returned CID in the catalog.
func (g *Gateway) PutContentHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	_, base, ok := g.nodes.NextHealthy()
	if !ok {
		metricPuts.WithLabelValues(outcomeError).Inc()
		writeJSONError(w, http.StatusInternalServerError, errNoHealthyNode)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, base+blockPutRoute, r.Body)
	if err != nil {
		metricPuts.WithLabelValues(outcomeError).Inc()
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp, err := g.upstream.Do(req)
	if err != nil {
		metricPuts.WithLabelValues(outcomeError).Inc()
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metricPuts.WithLabelValues(outcomeError).Inc()
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if resp.StatusCode/100 != 2 {
		metricPuts.WithLabelValues(outcomeError).Inc()
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("node returned status %d", resp.StatusCode))
		return
	}

	var putResp struct {
		CID string `json:"cid"`
	}
	if err := jsoniter.Unmarshal(body, &putResp); err != nil || putResp.CID == "" {
		metricPuts.WithLabelValues(outcomeError).Inc()
		writeJSONError(w, http.StatusInternalServerError, "failed to retrieve CID from response")
		return
	}

	if err := g.catalog.AppendCID(ctx, putResp.CID); err != nil {
		metricPuts.WithLabelValues(outcomeError).Inc()
		level.Error(g.logger).Log("msg", "failed to store cid", "cid", putResp.CID, "err", err)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	metricPuts.WithLabelValues(outcomeSuccess).Inc()
	writeJSON(w, resp.StatusCode, map[string]string{"content": putResp.CID})
}

// HealthHandler returns the current index to status snapshot.
func (g *Gateway) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	snap := g.nodes.Snapshot()

	out := make(map[string]string, len(snap))
	for idx, h := range snap {
		out[strconv.Itoa(idx)] = string(h)
	}
	writeJSON(w, http.StatusOK, out)
}

// ClearHandler empties the CID catalog.
func (g *Gateway) ClearHandler(w http.ResponseWriter, r *http.Request) {
	if err := g.catalog.Clear(r.Context()); err != nil {
		level.Error(g.logger).Log("msg", "failed to clear catalog", "err", err)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// flushTracedTally moves the in-memory traced tally into the catalog's
// counter. On failure the tally is restored so the next tick retries.
func (g *Gateway) flushTracedTally(ctx context.Context) error {
	n := g.tracedTally.Swap(0)
	if n == 0 {
		return nil
	}

	if err := g.catalog.IncrCounter(ctx, catalog.CounterTracedRequests, n); err != nil {
		g.tracedTally.Add(n)
		level.Warn(g.logger).Log("msg", "failed to flush traced tally", "count", n, "err", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	data, err := jsoniter.Marshal(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
