package util

import "fmt"

// EvictingQueue is a bounded FIFO of string entries with O(1) membership
// checks. When the queue is at capacity, appending evicts the oldest
// entry. It is not safe for concurrent use; callers hold their own lock.
type EvictingQueue struct {
	capacity int
	entries  []string
	index    map[string]struct{}
	onEvict  func(string)
}

func NewEvictingQueue(capacity int, onEvict func(string)) (*EvictingQueue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue capacity %d cannot be negative or zero", capacity)
	}

	return &EvictingQueue{
		capacity: capacity,
		entries:  make([]string, 0, capacity),
		index:    make(map[string]struct{}, capacity),
		onEvict:  onEvict,
	}, nil
}

// Append adds an entry to the back of the queue. Entries already present
// are left in place so a hot entry cannot starve older ones of eviction.
func (q *EvictingQueue) Append(entry string) {
	if _, ok := q.index[entry]; ok {
		return
	}

	if len(q.entries) >= q.capacity {
		q.evictOldest()
	}

	q.entries = append(q.entries, entry)
	q.index[entry] = struct{}{}
}

func (q *EvictingQueue) Contains(entry string) bool {
	_, ok := q.index[entry]
	return ok
}

func (q *EvictingQueue) Length() int {
	return len(q.entries)
}

func (q *EvictingQueue) Capacity() int {
	return q.capacity
}

func (q *EvictingQueue) Entries() []string {
	return q.entries
}

func (q *EvictingQueue) evictOldest() {
	oldest := q.entries[0]
	q.entries = q.entries[1:]
	delete(q.index, oldest)

	if q.onEvict != nil {
		q.onEvict(oldest)
	}
}
