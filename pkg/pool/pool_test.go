package pool

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResults(t *testing.T) {
	p := NewPool(&Config{
		MaxWorkers: 10,
		QueueDepth: 10,
	})
	defer p.Shutdown()

	fn := func(_ context.Context, payload interface{}) interface{} {
		return payload.(int) * 2
	}
	payloads := []interface{}{1, 2, 3, 4, 5}

	results, err := p.RunJobs(context.Background(), payloads, fn)
	require.NoError(t, err)

	got := []int{}
	for res := range results {
		got = append(got, res.(int))
	}
	sort.Ints(got)
	assert.Equal(t, []int{2, 4, 6, 8, 10}, got)
}

func TestCompletionOrder(t *testing.T) {
	p := NewPool(&Config{
		MaxWorkers: 5,
		QueueDepth: 10,
	})
	defer p.Shutdown()

	// the slow job must arrive last despite being submitted first
	fn := func(_ context.Context, payload interface{}) interface{} {
		if payload.(int) == 0 {
			time.Sleep(200 * time.Millisecond)
		}
		return payload
	}

	results, err := p.RunJobs(context.Background(), []interface{}{0, 1, 2, 3}, fn)
	require.NoError(t, err)

	got := []int{}
	for res := range results {
		got = append(got, res.(int))
	}
	require.Len(t, got, 4)
	assert.Equal(t, 0, got[len(got)-1])
}

func TestQueueFull(t *testing.T) {
	p := NewPool(&Config{
		MaxWorkers: 1,
		QueueDepth: 2,
	})
	defer p.Shutdown()

	block := make(chan struct{})
	fn := func(_ context.Context, payload interface{}) interface{} {
		<-block
		return payload
	}

	_, err := p.RunJobs(context.Background(), []interface{}{1, 2}, fn)
	require.NoError(t, err)

	_, err = p.RunJobs(context.Background(), []interface{}{3, 4, 5}, fn)
	assert.Error(t, err)

	close(block)
}

func TestCancelledContextSkipsJobs(t *testing.T) {
	p := NewPool(&Config{
		MaxWorkers: 1,
		QueueDepth: 10,
	})
	defer p.Shutdown()

	var mtx sync.Mutex
	executed := 0
	fn := func(_ context.Context, payload interface{}) interface{} {
		mtx.Lock()
		executed++
		mtx.Unlock()
		return payload
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := p.RunJobs(ctx, []interface{}{1, 2, 3}, fn)
	require.NoError(t, err)

	for range results {
	}

	mtx.Lock()
	defer mtx.Unlock()
	assert.Equal(t, 0, executed)
}
