package emitter

import (
	"bytes"
	"context"
	"flag"
	"io"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/yunqiu21/nabu-tracer/pkg/util"
)

const tracesRoute = "/v1/traces"

// SpanKindServer is the only kind this system emits, per the downstream
// schema.
const SpanKindServer = 2

type Config struct {
	// Endpoint is the collector base URL, without the /v1/traces suffix.
	Endpoint    string        `yaml:"endpoint"`
	ServiceName string        `yaml:"service_name"`
	Timeout     time.Duration `yaml:"timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Endpoint, util.PrefixConfig(prefix, "endpoint"), "http://localhost:4318", "OTLP collector base URL.")
	f.StringVar(&cfg.ServiceName, util.PrefixConfig(prefix, "service-name"), "nabu", "service.name resource attribute on emitted spans.")
	f.DurationVar(&cfg.Timeout, util.PrefixConfig(prefix, "timeout"), 15*time.Second, "Collector POST timeout.")
}

// Span is one completed span in the collector's wire shape. ParentSpanID
// is always encoded, the empty string marks a root.
type Span struct {
	TraceID           string `json:"traceId"`
	SpanID            string `json:"spanId"`
	ParentSpanID      string `json:"parentSpanId"`
	StartTimeUnixNano int64  `json:"startTimeUnixNano"`
	EndTimeUnixNano   int64  `json:"endTimeUnixNano"`
	Name              string `json:"name"`
	Kind              int    `json:"kind"`
}

type attributeValue struct {
	StringValue string `json:"stringValue"`
}

type attribute struct {
	Key   string         `json:"key"`
	Value attributeValue `json:"value"`
}

type resource struct {
	Attributes []attribute `json:"attributes"`
}

type scopeSpans struct {
	Spans []Span `json:"spans"`
}

type resourceSpans struct {
	Resource   resource     `json:"resource"`
	ScopeSpans []scopeSpans `json:"scopeSpans"`
}

type envelope struct {
	ResourceSpans []resourceSpans `json:"resourceSpans"`
}

// Emitter POSTs completed spans to the OTLP collector. Failures are
// returned to the caller and never retried here; the upstream event
// emitter retries and span dedupe absorbs the duplicates.
type Emitter struct {
	cfg    Config
	client *http.Client
	logger log.Logger
}

func New(cfg Config, logger log.Logger) *Emitter {
	return &Emitter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// EmitSpan wraps span in the fixed resource-spans envelope and POSTs it.
func (e *Emitter) EmitSpan(ctx context.Context, span Span) error {
	body, err := jsoniter.Marshal(e.envelope(span))
	if err != nil {
		return errors.Wrap(err, "marshaling span envelope")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint+tracesRoute, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "building collector request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		level.Error(e.logger).Log("msg", "failed to post span to collector", "spanID", span.SpanID, "err", err)
		return errors.Wrap(err, "posting span to collector")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		level.Error(e.logger).Log("msg", "collector rejected span", "spanID", span.SpanID, "status", resp.StatusCode)
		return errors.Errorf("collector returned status %d", resp.StatusCode)
	}

	return nil
}

func (e *Emitter) envelope(span Span) envelope {
	return envelope{
		ResourceSpans: []resourceSpans{{
			Resource: resource{
				Attributes: []attribute{{
					Key:   "service.name",
					Value: attributeValue{StringValue: e.cfg.ServiceName},
				}},
			},
			ScopeSpans: []scopeSpans{{
				Spans: []Span{span},
			}},
		}},
	}
}
