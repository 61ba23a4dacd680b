package pool

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/yunqiu21/nabu-tracer/pkg/util"
)

const queueLengthReportDuration = 15 * time.Second

var (
	metricWorkQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nabu",
		Name:      "work_queue_length",
		Help:      "Current length of the work queue.",
	})

	metricWorkQueueMax = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nabu",
		Name:      "work_queue_max",
		Help:      "Maximum number of items in the work queue.",
	})
)

// JobFunc executes one unit of work and returns its outcome. A JobFunc
// never blocks past its context deadline.
type JobFunc func(ctx context.Context, payload interface{}) interface{}

type job struct {
	ctx     context.Context
	payload interface{}
	fn      JobFunc

	wg      *sync.WaitGroup
	results chan interface{}
}

type Config struct {
	MaxWorkers int `yaml:"max_workers"`
	QueueDepth int `yaml:"queue_depth"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxWorkers, util.PrefixConfig(prefix, "max-workers"), 512, "Upper bound on concurrent fan-out workers.")
	f.IntVar(&cfg.QueueDepth, util.PrefixConfig(prefix, "queue-depth"), 10000, "Maximum number of queued jobs.")
}

// Pool is a bounded worker pool. Workers are started once and shared by
// every RunJobs call so concurrent fan-outs cannot exceed MaxWorkers
// sockets between them.
type Pool struct {
	cfg  *Config
	size *atomic.Int32

	workQueue chan *job
}

func NewPool(cfg *Config) *Pool {
	if cfg == nil {
		cfg = defaultConfig()
	}

	q := make(chan *job, cfg.QueueDepth)
	p := &Pool{
		cfg:       cfg,
		workQueue: q,
		size:      atomic.NewInt32(0),
	}

	for i := 0; i < cfg.MaxWorkers; i++ {
		go p.worker(q)
	}

	p.reportQueueLength()

	metricWorkQueueMax.Set(float64(cfg.QueueDepth))

	return p
}

// RunJobs submits one job per payload and returns a channel yielding one
// result per executed job in completion order. The channel is closed once
// every job has finished or been skipped due to context cancellation.
// Jobs whose context is already done when a worker picks them up produce
// no result.
func (p *Pool) RunJobs(ctx context.Context, payloads []interface{}, fn JobFunc) (<-chan interface{}, error) {
	totalJobs := len(payloads)

	// sanity check before we even attempt to start adding jobs
	if int(p.size.Load())+totalJobs > p.cfg.QueueDepth {
		return nil, fmt.Errorf("queue doesn't have room for %d jobs", totalJobs)
	}

	results := make(chan interface{}, totalJobs)
	wg := &sync.WaitGroup{}
	wg.Add(totalJobs)

	// add each job one at a time.  these might still fail
	for i, payload := range payloads {
		j := &job{
			ctx:     ctx,
			fn:      fn,
			payload: payload,
			wg:      wg,
			results: results,
		}

		select {
		case p.workQueue <- j:
			p.size.Inc()
		default:
			for k := i; k < totalJobs; k++ {
				wg.Done()
			}
			return nil, fmt.Errorf("failed to add a job due to queue being full")
		}
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results, nil
}

func (p *Pool) Shutdown() {
	close(p.workQueue)
}

func (p *Pool) worker(q <-chan *job) {
	for j := range q {
		p.size.Dec()

		if j.ctx.Err() != nil {
			j.wg.Done()
			continue
		}

		res := j.fn(j.ctx, j.payload)
		if res != nil {
			// results is buffered to the job count, the send never blocks
			j.results <- res
		}
		j.wg.Done()
	}
}

func (p *Pool) reportQueueLength() {
	ticker := time.NewTicker(queueLengthReportDuration)
	go func() {
		defer ticker.Stop()
		for range ticker.C {
			metricWorkQueueLength.Set(float64(p.size.Load()))
		}
	}()
}

func defaultConfig() *Config {
	return &Config{
		MaxWorkers: 512,
		QueueDepth: 10000,
	}
}
