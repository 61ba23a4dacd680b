package nodepool

import (
	"sync"
)

// Health classifies a storage node for routing purposes. Unknown is the
// initial state and is not routable.
type Health string

const (
	Healthy   Health = "Healthy"
	Unhealthy Health = "Unhealthy"
	Unknown   Health = "Unknown"
)

// Node describes one storage node. Index is dense and stable over the
// life of the process; only the health map mutates after startup.
type Node struct {
	Index   int
	BaseURL string
}

// Pool holds the storage node descriptors, their health and the
// round-robin cursor. Cursor and health mutate under one mutex.
type Pool struct {
	mtx    sync.Mutex
	nodes  []Node
	health []Health
	cursor int
}

func New(baseURLs []string) *Pool {
	nodes := make([]Node, 0, len(baseURLs))
	health := make([]Health, 0, len(baseURLs))
	for i, u := range baseURLs {
		nodes = append(nodes, Node{Index: i, BaseURL: u})
		health = append(health, Unknown)
	}

	return &Pool{
		nodes:  nodes,
		health: health,
		cursor: len(nodes) - 1, // first NextHealthy starts the scan at index 0
	}
}

// NextHealthy returns the next Healthy node in strict round-robin order,
// scanning at most one full revolution from the cursor. Each successful
// call advances the cursor by exactly one logical position.
func (p *Pool) NextHealthy() (int, string, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	n := len(p.nodes)
	for i := 1; i <= n; i++ {
		idx := (p.cursor + i) % n
		if p.health[idx] == Healthy {
			p.cursor = idx
			return idx, p.nodes[idx].BaseURL, true
		}
	}

	return 0, "", false
}

// SetHealth records the probe outcome for one node, last-writer-wins.
func (p *Pool) SetHealth(index int, h Health) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.health[index] = h
}

// Snapshot copies the current index to health mapping for display.
func (p *Pool) Snapshot() map[int]Health {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	snap := make(map[int]Health, len(p.health))
	for i, h := range p.health {
		snap[i] = h
	}
	return snap
}

func (p *Pool) HealthyCount() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	count := 0
	for _, h := range p.health {
		if h == Healthy {
			count++
		}
	}
	return count
}

// Nodes returns the immutable descriptors.
func (p *Pool) Nodes() []Node {
	return p.nodes
}

func (p *Pool) Len() int {
	return len(p.nodes)
}
