package admission

import (
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// ConnectionPool tracks the connections owned by one worker.
type ConnectionPool struct {
	owner int
	clock clock.PassiveClock

	mu      sync.Mutex
	max     int
	conns   map[string]*Connection
	metrics PoolMetrics
}

// NewConnectionPool creates an empty pool owned by worker owner.
func NewConnectionPool(owner, maxConnections int, clk clock.PassiveClock) *ConnectionPool {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &ConnectionPool{
		owner: owner,
		clock: clk,
		max:   maxConnections,
		conns: make(map[string]*Connection),
	}
}

// Owner returns the owning worker id.
func (p *ConnectionPool) Owner() int {
	return p.owner
}

// Acquire adds clientID to the pool. It rejects when the pool is at capacity
// or already holds clientID.
func (p *ConnectionPool) Acquire(clientID string) Reason {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.conns) >= p.max {
		p.metrics.TotalRejected++
		return ReasonPoolFull
	}
	if _, ok := p.conns[clientID]; ok {
		p.metrics.TotalRejected++
		return ReasonDuplicate
	}

	p.conns[clientID] = &Connection{
		ClientID:     clientID,
		WorkerID:     p.owner,
		ConnectedAt:  now,
		LastActivity: now,
	}
	p.metrics.TotalAccepted++
	p.notePeakLocked()
	return ReasonNone
}

// Release removes clientID. It reports whether the client was present.
func (p *ConnectionPool) Release(clientID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.conns[clientID]; !ok {
		return false
	}
	delete(p.conns, clientID)
	p.metrics.TotalReleased++
	return true
}

// Touch marks activity on clientID. It reports whether the client was present.
func (p *ConnectionPool) Touch(clientID string) bool {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.conns[clientID]
	if ok {
		c.LastActivity = now
	}
	return ok
}

// Has reports whether clientID is in the pool.
func (p *ConnectionPool) Has(clientID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conns[clientID]
	return ok
}

// CleanupInactive evicts connections idle for longer than timeout and
// returns their client ids.
func (p *ConnectionPool) CleanupInactive(timeout time.Duration) []string {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	var evicted []string
	for id, c := range p.conns {
		if now.Sub(c.LastActivity) > timeout {
			delete(p.conns, id)
			evicted = append(evicted, id)
		}
	}
	p.metrics.TotalEvicted += uint64(len(evicted))
	sort.Strings(evicted)
	return evicted
}

// SetCapacity changes the maximum number of connections. Existing
// connections above the new capacity are kept; only new acquisitions are
// refused.
func (p *ConnectionPool) SetCapacity(n int) {
	if n < 0 {
		n = 0
	}
	p.mu.Lock()
	p.max = n
	p.mu.Unlock()
}

// Capacity returns the maximum number of connections.
func (p *ConnectionPool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.max
}

// Len returns the number of connections held.
func (p *ConnectionPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Fullness returns Len/Capacity clamped to [0, 1]. A zero-capacity pool
// holding connections is full.
func (p *ConnectionPool) Fullness() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.conns)
	if p.max <= 0 {
		if n > 0 {
			return 1
		}
		return 0
	}
	f := float64(n) / float64(p.max)
	if f > 1 {
		return 1
	}
	return f
}

// ClientIDs returns the held client ids in sorted order.
func (p *ConnectionPool) ClientIDs() []string {
	p.mu.Lock()
	ids := make([]string, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Connections returns a copy of every held connection ordered by client id.
func (p *ConnectionPool) Connections() []Connection {
	p.mu.Lock()
	out := make([]Connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, *c)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Metrics returns a snapshot of the pool counters.
func (p *ConnectionPool) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := p.metrics
	m.CurrentConnections = len(p.conns)
	m.MaxConnections = p.max
	return m
}

// notePeakLocked must be called with p.mu held.
func (p *ConnectionPool) notePeakLocked() {
	if n := len(p.conns); n > p.metrics.PeakConnections {
		p.metrics.PeakConnections = n
	}
}

// Transfer moves clientID from one pool to another. Both pools are locked in
// ascending owner order so concurrent transfers in opposite directions cannot
// deadlock. The connection is added to the target and removed from the
// source under both locks; on any error neither pool changes.
func Transfer(from, to *ConnectionPool, clientID string) error {
	if from == to {
		return ErrSamePool
	}

	first, second := from, to
	if to.owner < from.owner {
		first, second = to, from
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	c, ok := from.conns[clientID]
	if !ok {
		return ErrNotOwned
	}
	if _, dup := to.conns[clientID]; dup {
		return ErrAlreadyOwned
	}
	if len(to.conns) >= to.max {
		return ErrTargetFull
	}

	moved := *c
	moved.WorkerID = to.owner
	to.conns[clientID] = &moved
	to.metrics.MigratedIn++
	to.notePeakLocked()

	delete(from.conns, clientID)
	from.metrics.MigratedOut++
	return nil
}
