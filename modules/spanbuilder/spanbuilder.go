package spanbuilder

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/yunqiu21/nabu-tracer/modules/emitter"
	"github.com/yunqiu21/nabu-tracer/pkg/util"
)

var (
	metricEventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nabu",
		Name:      "spanbuilder_events_received_total",
		Help:      "Total number of raw trace events accepted.",
	})
	metricMalformedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nabu",
		Name:      "spanbuilder_malformed_events_total",
		Help:      "Total number of rejected raw trace events.",
	})
	metricSpansEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nabu",
		Name:      "spanbuilder_spans_emitted_total",
		Help:      "Total number of spans posted to the collector.",
	})
	metricEmitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nabu",
		Name:      "spanbuilder_emit_failures_total",
		Help:      "Total number of failed collector posts.",
	})
	metricBucketsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nabu",
		Name:      "spanbuilder_buckets_evicted_total",
		Help:      "Total number of trace buckets evicted.",
	})
)

type Config struct {
	Collector   emitter.Config `yaml:"collector"`
	DedupeSize  int            `yaml:"dedupe_size"`
	BucketTTL   time.Duration  `yaml:"bucket_ttl"`
	SweepPeriod time.Duration  `yaml:"sweep_period"`
	Stripes     int            `yaml:"stripes"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Collector.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "collector"), f)

	f.IntVar(&cfg.DedupeSize, util.PrefixConfig(prefix, "dedupe-size"), 10000, "Capacity of the emitted span id window.")
	f.DurationVar(&cfg.BucketTTL, util.PrefixConfig(prefix, "bucket-ttl"), 2*time.Minute, "Maximum lifetime of a trace bucket.")
	f.DurationVar(&cfg.SweepPeriod, util.PrefixConfig(prefix, "sweep-period"), 30*time.Second, "How often expired trace buckets are swept.")
	f.IntVar(&cfg.Stripes, util.PrefixConfig(prefix, "stripes"), 128, "Number of lock stripes over trace ids.")
}

// spanEmitter is the slice of the OTLP emitter the builder needs.
type spanEmitter interface {
	EmitSpan(ctx context.Context, span emitter.Span) error
}

// SpanBuilder ingests raw half-events, pairs them into spans, resolves
// lineage across node boundaries and emits completed spans downstream.
// Its embedded service sweeps expired trace buckets.
type SpanBuilder struct {
	services.Service

	cfg    Config
	logger log.Logger

	store   *TraceStore
	emitter spanEmitter

	dedupeMtx sync.Mutex
	dedupe    *util.EvictingQueue
}

func New(cfg Config, logger log.Logger) (*SpanBuilder, error) {
	return newWithEmitter(cfg, emitter.New(cfg.Collector, logger), logger)
}

func newWithEmitter(cfg Config, e spanEmitter, logger log.Logger) (*SpanBuilder, error) {
	dedupe, err := util.NewEvictingQueue(cfg.DedupeSize, func(string) {})
	if err != nil {
		return nil, err
	}

	sb := &SpanBuilder{
		cfg:     cfg,
		logger:  logger,
		store:   NewTraceStore(cfg.Stripes),
		emitter: e,
		dedupe:  dedupe,
	}

	sb.Service = services.NewTimerService(cfg.SweepPeriod, nil, sb.sweep, nil)

	return sb, nil
}

// RegisterRoutes binds the ingest surface.
func (sb *SpanBuilder) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v3/buildspan", sb.BuildSpanHandler).Methods(http.MethodPost)
}

// rawEvent is the ingest wire shape. timestamp and threadId arrive as
// numbers or numeric strings depending on the emitter.
type rawEvent struct {
	TraceID    string      `json:"traceId"`
	SpanID     string      `json:"spanId"`
	NodeID     string      `json:"nodeId"`
	PeerNodeID string      `json:"peerNodeId"`
	ThreadID   json.Number `json:"threadId"`
	Timestamp  json.Number `json:"timestamp"`
	EventType  string      `json:"eventType"`
}

// BuildSpanHandler accepts one raw half-event, indexes it into the trace
// store and runs the assembler for the affected trace.
func (sb *SpanBuilder) BuildSpanHandler(w http.ResponseWriter, r *http.Request) {
	var ev rawEvent
	if err := jsoniter.NewDecoder(r.Body).Decode(&ev); err != nil {
		metricMalformedEvents.Inc()
		http.Error(w, "request must be JSON", http.StatusBadRequest)
		return
	}

	if ev.TraceID == "" {
		metricMalformedEvents.Inc()
		http.Error(w, "missing traceId", http.StatusBadRequest)
		return
	}

	spanName, stage, err := ParseEventType(ev.EventType)
	if err != nil {
		metricMalformedEvents.Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ts, err := ev.Timestamp.Int64()
	if err != nil {
		metricMalformedEvents.Inc()
		http.Error(w, "malformed timestamp", http.StatusBadRequest)
		return
	}

	metricEventsReceived.Inc()
	level.Debug(sb.logger).Log("msg", "received trace event", "traceID", ev.TraceID, "span", spanName, "stage", stage)

	key := EventKey{NodeID: ev.NodeID, PeerNodeID: ev.PeerNodeID, SpanName: spanName}

	err = sb.store.WithBucket(ev.TraceID, func(b *TraceBucket) (bool, error) {
		b.setEvent(key, stage, ts)
		return sb.processTrace(r.Context(), ev.TraceID, b)
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// processTrace runs the pairing+lineage pass for one trace. It is
// executed while the owning stripe lock is held. The returned evict flag
// is true once every mandatory span has been emitted, or when the bucket
// outlived its TTL.
func (sb *SpanBuilder) processTrace(ctx context.Context, traceID string, b *TraceBucket) (bool, error) {
	candidates := assembleCandidates(traceID, b)

	expired := time.Since(b.createdAt) >= sb.cfg.BucketTTL

	if !gateOpen(candidates) {
		return expired, nil
	}

	allEmittable := true
	for _, span := range candidates {
		parentID, ok := resolveParent(span, candidates)
		if !ok {
			allEmittable = false
			continue
		}
		span.ParentSpanID = parentID

		if sb.alreadyEmitted(span.SpanID) {
			continue
		}

		if err := sb.emitter.EmitSpan(ctx, emitter.Span{
			TraceID:           traceID,
			SpanID:            span.SpanID,
			ParentSpanID:      span.ParentSpanID,
			StartTimeUnixNano: span.StartNs,
			EndTimeUnixNano:   span.EndNs,
			Name:              span.SpanName,
			Kind:              emitter.SpanKindServer,
		}); err != nil {
			metricEmitFailures.Inc()
			return expired, err
		}

		metricSpansEmitted.Inc()
		sb.recordEmitted(span.SpanID)
	}

	evict := allEmittable || expired
	if evict {
		metricBucketsEvicted.Inc()
	}
	return evict, nil
}

func (sb *SpanBuilder) alreadyEmitted(spanID string) bool {
	sb.dedupeMtx.Lock()
	defer sb.dedupeMtx.Unlock()
	return sb.dedupe.Contains(spanID)
}

func (sb *SpanBuilder) recordEmitted(spanID string) {
	sb.dedupeMtx.Lock()
	defer sb.dedupeMtx.Unlock()
	sb.dedupe.Append(spanID)
}

// sweep evicts buckets that outlived the TTL without completing.
func (sb *SpanBuilder) sweep(context.Context) error {
	evicted := sb.store.SweepExpired(time.Now(), sb.cfg.BucketTTL)
	if evicted > 0 {
		metricBucketsEvicted.Add(float64(evicted))
		level.Info(sb.logger).Log("msg", "swept expired trace buckets", "evicted", evicted)
	}
	return nil
}
