package util

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func noopOnEvict(string) {}

func TestQueueAppend(t *testing.T) {
	q, err := NewEvictingQueue(10, noopOnEvict)
	require.Nil(t, err)

	q.Append("a")
	q.Append("b")
	q.Append("c")
	q.Append("d")
	q.Append("e")

	require.Equal(t, 5, q.Length())
}

func TestQueueCapacity(t *testing.T) {
	q, err := NewEvictingQueue(9, noopOnEvict)
	require.Nil(t, err)
	require.Equal(t, 9, q.Capacity())
}

func TestZeroCapacityQueue(t *testing.T) {
	q, err := NewEvictingQueue(0, noopOnEvict)
	require.Error(t, err)
	require.Nil(t, q)
}

func TestNegativeCapacityQueue(t *testing.T) {
	q, err := NewEvictingQueue(-1, noopOnEvict)
	require.Error(t, err)
	require.Nil(t, q)
}

func TestQueueEvict(t *testing.T) {
	evicted := []string{}
	q, err := NewEvictingQueue(3, func(e string) { evicted = append(evicted, e) })
	require.Nil(t, err)

	// appending 5 entries will cause the first (oldest) 2 entries to be evicted
	entries := []string{"1", "2", "3", "4", "5"}
	for _, entry := range entries {
		q.Append(entry)
	}

	require.Equal(t, 3, q.Length())
	require.Equal(t, entries[2:], q.Entries())
	require.Equal(t, entries[:2], evicted)

	require.False(t, q.Contains("1"))
	require.False(t, q.Contains("2"))
	require.True(t, q.Contains("3"))
	require.True(t, q.Contains("5"))
}

func TestQueueDuplicateAppend(t *testing.T) {
	q, err := NewEvictingQueue(3, noopOnEvict)
	require.Nil(t, err)

	q.Append("a")
	q.Append("b")
	q.Append("a")

	require.Equal(t, 2, q.Length())
	require.Equal(t, []string{"a", "b"}, q.Entries())
}

func TestQueueEvictionOrder(t *testing.T) {
	q, err := NewEvictingQueue(100, noopOnEvict)
	require.Nil(t, err)

	for i := 0; i < 250; i++ {
		q.Append(fmt.Sprint(i))
	}

	require.Equal(t, 100, q.Length())
	// only the most recent 100 entries survive
	require.False(t, q.Contains("149"))
	require.True(t, q.Contains("150"))
	require.True(t, q.Contains("249"))
}
