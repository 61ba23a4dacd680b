package spanbuilder

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// EventKey is the identity of a half-open span at ingest time. Thread id
// is intentionally omitted: the causal graph is defined over the
// node/peer/name triple.
type EventKey struct {
	NodeID     string
	PeerNodeID string
	SpanName   string
}

// PartialSpan pairs the START and END timestamps of one event key.
type PartialSpan struct {
	StartNs, EndNs   int64
	hasStart, hasEnd bool
}

// set records one stage timestamp, last-writer-wins so idempotent
// retries by emitters are safe.
func (ps *PartialSpan) set(stage string, ts int64) {
	switch stage {
	case stageStart:
		ps.StartNs = ts
		ps.hasStart = true
	case stageEnd:
		ps.EndNs = ts
		ps.hasEnd = true
	}
}

func (ps *PartialSpan) complete() bool {
	return ps.hasStart && ps.hasEnd
}

// TraceBucket is the partially-assembled event table of one trace.
type TraceBucket struct {
	createdAt time.Time
	events    map[EventKey]*PartialSpan
}

func newTraceBucket(now time.Time) *TraceBucket {
	return &TraceBucket{
		createdAt: now,
		events:    make(map[EventKey]*PartialSpan),
	}
}

func (b *TraceBucket) setEvent(key EventKey, stage string, ts int64) {
	ps := b.events[key]
	if ps == nil {
		ps = &PartialSpan{}
		b.events[key] = ps
	}
	ps.set(stage, ts)
}

// TraceStore maps trace ids to buckets behind striped locks so events
// for one trace are serialized while distinct traces proceed in
// parallel.
type TraceStore struct {
	stripes []*storeStripe
}

type storeStripe struct {
	mtx     sync.Mutex
	buckets map[string]*TraceBucket
}

func NewTraceStore(stripes int) *TraceStore {
	if stripes <= 0 {
		stripes = 1
	}

	s := &TraceStore{
		stripes: make([]*storeStripe, stripes),
	}
	for i := range s.stripes {
		s.stripes[i] = &storeStripe{buckets: make(map[string]*TraceBucket)}
	}
	return s
}

func (s *TraceStore) stripe(traceID string) *storeStripe {
	return s.stripes[xxhash.Sum64String(traceID)%uint64(len(s.stripes))]
}

// WithBucket runs fn on the trace's bucket under the owning stripe lock,
// creating the bucket on first touch. fn returns whether the bucket
// should be evicted afterwards.
func (s *TraceStore) WithBucket(traceID string, fn func(b *TraceBucket) (evict bool, err error)) error {
	st := s.stripe(traceID)
	st.mtx.Lock()
	defer st.mtx.Unlock()

	b := st.buckets[traceID]
	if b == nil {
		b = newTraceBucket(time.Now())
		st.buckets[traceID] = b
	}

	evict, err := fn(b)
	if evict {
		delete(st.buckets, traceID)
	}
	return err
}

// SweepExpired removes every bucket older than ttl and returns how many
// were evicted.
func (s *TraceStore) SweepExpired(now time.Time, ttl time.Duration) int {
	evicted := 0
	for _, st := range s.stripes {
		st.mtx.Lock()
		for traceID, b := range st.buckets {
			if now.Sub(b.createdAt) >= ttl {
				delete(st.buckets, traceID)
				evicted++
			}
		}
		st.mtx.Unlock()
	}
	return evicted
}

// Len reports how many buckets are currently held.
func (s *TraceStore) Len() int {
	n := 0
	for _, st := range s.stripes {
		st.mtx.Lock()
		n += len(st.buckets)
		st.mtx.Unlock()
	}
	return n
}
