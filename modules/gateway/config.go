package gateway

import (
	"flag"
	"time"

	"github.com/yunqiu21/nabu-tracer/modules/catalog"
	"github.com/yunqiu21/nabu-tracer/pkg/pool"
	"github.com/yunqiu21/nabu-tracer/pkg/util"
)

type Config struct {
	// Nodes is the ordered list of storage node base URLs. Index order is
	// the round-robin order.
	Nodes []string `yaml:"nodes"`

	// SampleRate selects 1/SampleRate of fan-out items for tracing.
	SampleRate int `yaml:"sample_rate"`

	// Timeout is the per-node share of the fan-out deadline and the
	// upstream PUT timeout.
	Timeout time.Duration `yaml:"timeout"`

	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	FlushInterval time.Duration `yaml:"flush_interval"`

	// HedgeRequestsAt, when non-zero, hedges upstream block GETs that
	// exceed this duration. Block GETs are idempotent reads.
	HedgeRequestsAt   time.Duration `yaml:"hedge_requests_at"`
	HedgeRequestsUpTo int           `yaml:"hedge_requests_up_to"`

	Pool    pool.Config    `yaml:"pool"`
	Catalog catalog.Config `yaml:"catalog"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.SampleRate, util.PrefixConfig(prefix, "sample-rate"), 10, "One in sample-rate fan-out items is traced.")
	f.DurationVar(&cfg.Timeout, util.PrefixConfig(prefix, "timeout"), 15*time.Second, "Per-node share of the fan-out deadline.")
	f.DurationVar(&cfg.ProbeInterval, util.PrefixConfig(prefix, "probe-interval"), 15*time.Second, "How often node health is probed.")
	f.DurationVar(&cfg.ProbeTimeout, util.PrefixConfig(prefix, "probe-timeout"), 15*time.Second, "Health probe deadline.")
	f.DurationVar(&cfg.FlushInterval, util.PrefixConfig(prefix, "flush-interval"), 15*time.Second, "How often the traced-request tally is flushed to the catalog.")
	f.DurationVar(&cfg.HedgeRequestsAt, util.PrefixConfig(prefix, "hedge-requests-at"), 0, "Hedge upstream block GETs after this duration. 0 disables hedging.")
	f.IntVar(&cfg.HedgeRequestsUpTo, util.PrefixConfig(prefix, "hedge-requests-up-to"), 2, "Maximum hedged requests per block GET.")

	cfg.Pool.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "pool"), f)
	cfg.Catalog.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "catalog"), f)
}
