package catalog

import (
	"context"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/yunqiu21/nabu-tracer/pkg/util"
)

const (
	// cidKey is the list holding one document per stored block.
	cidKey = "cid"

	counterPrefix = "counter:"

	// streamBatchSize bounds a single LRANGE so large catalogs are read
	// in chunks rather than one reply.
	streamBatchSize = 1000
)

// Counter names maintained by the gateway.
const (
	CounterTotalRequests  = "total_requests"
	CounterTracedRequests = "traced_requests"
)

type Config struct {
	Endpoint string        `yaml:"endpoint"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Timeout  time.Duration `yaml:"timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Endpoint, util.PrefixConfig(prefix, "endpoint"), "localhost:6379", "Redis endpoint of the CID catalog.")
	f.StringVar(&cfg.Password, util.PrefixConfig(prefix, "password"), "", "Redis password.")
	f.IntVar(&cfg.DB, util.PrefixConfig(prefix, "db"), 0, "Redis database index.")
	f.DurationVar(&cfg.Timeout, util.PrefixConfig(prefix, "timeout"), 5*time.Second, "Per-operation catalog timeout.")
}

// Store adapts the persistent CID catalog and its counters. It is the
// only component that talks to the document store.
type Store struct {
	client *redis.Client
	logger log.Logger
}

func New(cfg Config, logger log.Logger) *Store {
	level.Info(logger).Log("msg", "configuring catalog client", "endpoint", cfg.Endpoint, "db", cfg.DB)

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Endpoint,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	return &Store{
		client: client,
		logger: logger,
	}
}

// StreamCIDs reads every CID document in insertion order.
func (s *Store) StreamCIDs(ctx context.Context) ([]string, error) {
	var cids []string

	for start := int64(0); ; start += streamBatchSize {
		batch, err := s.client.LRange(ctx, cidKey, start, start+streamBatchSize-1).Result()
		if err != nil {
			return nil, errors.Wrap(err, "streaming cid records")
		}

		cids = append(cids, batch...)

		if int64(len(batch)) < streamBatchSize {
			return cids, nil
		}
	}
}

// AppendCID appends one CID document to the catalog.
func (s *Store) AppendCID(ctx context.Context, cid string) error {
	if err := s.client.RPush(ctx, cidKey, cid).Err(); err != nil {
		return errors.Wrapf(err, "appending cid %s", cid)
	}
	return nil
}

// IncrCounter atomically adds delta to the named counter, creating it
// with the delta as initial value when absent.
func (s *Store) IncrCounter(ctx context.Context, name string, delta int64) error {
	if err := s.client.IncrBy(ctx, counterPrefix+name, delta).Err(); err != nil {
		return errors.Wrapf(err, "incrementing counter %s", name)
	}
	return nil
}

// Counter reads the named counter. A counter that was never incremented
// reads as zero.
func (s *Store) Counter(ctx context.Context, name string) (int64, error) {
	val, err := s.client.Get(ctx, counterPrefix+name).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "reading counter %s", name)
	}
	return val, nil
}

// Clear batch-deletes every CID document.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, cidKey).Err(); err != nil {
		return errors.Wrap(err, "clearing cid records")
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
