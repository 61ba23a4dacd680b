package gateway

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"
)

const (
	blockGetRoute = "/api/v0/block/get"
	blockPutRoute = "/api/v0/block/put"

	// traceIDHeader carries the downstream trace identifier for sampled
	// requests.
	traceIDHeader = "Trace-id"

	noTraceID = "N/A"

	errNoHealthyNode = "No healthy IPFS node found"
)

// fanOutItem is the per-GET outcome streamed back to the caller.
type fanOutItem struct {
	status  int
	content string
	err     string
	node    int // -1 when no node was selected
	traced  bool
	traceID string
	elapsed time.Duration
}

// getJob is one fan-out task: fetch a single CID, optionally traced.
// The fan-out start time rides along so elapsed is measured end to end,
// not per attempt.
type getJob struct {
	cid    string
	traced bool
	start  time.Time
}

// sampleIndices picks max(1, ceil(n/rate)) distinct indices of [0, n)
// uniformly at random.
func sampleIndices(n, rate int) map[int]bool {
	if n == 0 {
		return map[int]bool{}
	}
	if rate < 1 {
		rate = 1
	}

	nsamples := (n + rate - 1) / rate
	if nsamples < 1 {
		nsamples = 1
	}

	sampled := make(map[int]bool, nsamples)
	for _, idx := range rand.Perm(n)[:nsamples] {
		sampled[idx] = true
	}
	return sampled
}

// fanOutDeadline caps the overall response time proportionally to the
// effective parallelism: ceil(items/healthy) node-timeouts end to end.
func fanOutDeadline(items, healthy int, perNode time.Duration) time.Duration {
	if healthy < 1 {
		healthy = 1
	}
	rounds := (items + healthy - 1) / healthy
	return time.Duration(rounds) * perNode
}

// fanOut schedules one bounded-parallel GET per CID and returns a
// channel of outcomes in completion order, plus the cancel for the
// fan-out deadline.
func (g *Gateway) fanOut(ctx context.Context, cids []string) (<-chan interface{}, context.Context, context.CancelFunc, error) {
	sampled := sampleIndices(len(cids), g.cfg.SampleRate)

	deadline := fanOutDeadline(len(cids), g.nodes.HealthyCount(), g.cfg.Timeout)
	ctx, cancel := context.WithTimeout(ctx, deadline)

	start := time.Now()
	payloads := make([]interface{}, 0, len(cids))
	for i, cid := range cids {
		payloads = append(payloads, &getJob{
			cid:    cid,
			traced: sampled[i],
			start:  start,
		})
	}

	results, err := g.pool.RunJobs(ctx, payloads, g.getBlock)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}

	return results, ctx, cancel, nil
}

// getBlock fetches one CID from the next healthy node. Every failure
// becomes a structured item; a single bad node never poisons the batch.
func (g *Gateway) getBlock(ctx context.Context, payload interface{}) interface{} {
	jb := payload.(*getJob)
	item := &fanOutItem{
		status:  http.StatusInternalServerError,
		node:    -1,
		traceID: noTraceID,
	}

	idx, base, ok := g.nodes.NextHealthy()
	if !ok {
		item.err = errNoHealthyNode
		metricFanOutItems.WithLabelValues(outcomeError).Inc()
		return item
	}
	item.node = idx

	target := base + blockGetRoute + "?cid=" + url.QueryEscape(jb.cid)
	if jb.traced {
		target += "&trace=1"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		item.err = err.Error()
		metricFanOutItems.WithLabelValues(outcomeError).Inc()
		return item
	}

	resp, err := g.upstream.Do(req)
	if err != nil {
		item.err = err.Error()
		metricFanOutItems.WithLabelValues(outcomeError).Inc()
		return item
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		item.err = err.Error()
		metricFanOutItems.WithLabelValues(outcomeError).Inc()
		return item
	}

	item.status = resp.StatusCode
	if resp.StatusCode/100 != 2 {
		item.err = fmt.Sprintf("node %d returned status %d", idx, resp.StatusCode)
		metricFanOutItems.WithLabelValues(outcomeError).Inc()
		return item
	}

	item.content = string(body)
	item.elapsed = time.Since(jb.start)

	traceID := resp.Header.Get(traceIDHeader)
	if traceID == "" {
		traceID = noTraceID
	}
	item.traceID = traceID
	// an item cannot be recorded as traced without a downstream trace id
	item.traced = jb.traced && traceID != noTraceID

	metricFanOutItems.WithLabelValues(outcomeSuccess).Inc()
	return item
}
