package httppool

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// destPool is the per-destination pool partition. Each partition has its
// own lock so checkout traffic for one host never contends with another.
type destPool struct {
	// mu guards idle and inUse
	mu sync.Mutex

	// key is the destination key this partition serves
	key string

	// idle holds returned connections in FIFO order: release appends,
	// checkout pops the front (oldest-returned first)
	idle []*PooledConn

	// inUse tracks connections currently lent to callers
	inUse map[*PooledConn]struct{}
}

// getPool returns the pool partition for the destination, creating it on
// first use. Fast path takes only the read lock on the partition map.
func (m *Manager) getPool(key string) *destPool {
	m.mu.RLock()
	p, ok := m.pools[key]
	m.mu.RUnlock()
	if ok {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring the write lock
	if p, ok := m.pools[key]; ok {
		return p
	}

	p = &destPool{
		key:   key,
		inUse: make(map[*PooledConn]struct{}),
	}
	m.pools[key] = p
	return p
}

// checkOut pops the oldest-returned valid idle connection for the
// destination. Stale connections found while scanning are closed and
// discarded. Returns nil when no pooled connection survives.
//
// The liveness probe runs outside the partition lock so a probe stalling
// on a half-dead socket cannot block other callers.
func (m *Manager) checkOut(dest *Destination) *PooledConn {
	p := m.getPool(dest.Key())

	for {
		var candidate *PooledConn
		var stale []*PooledConn

		p.mu.Lock()
		now := m.now()
		for len(p.idle) > 0 {
			conn := p.idle[0]
			p.idle = p.idle[1:]

			if !m.isReusable(conn, now) {
				stale = append(stale, conn)
				continue
			}

			candidate = conn
			break
		}
		p.mu.Unlock()

		for _, conn := range stale {
			m.evict(conn, "expired at checkout")
		}

		if candidate == nil {
			return nil
		}

		if candidate.reader().Buffered() > 0 || candidate.probeDead() {
			m.evict(candidate, "dead at checkout")
			continue
		}

		candidate.markInUse()
		p.mu.Lock()
		p.inUse[candidate] = struct{}{}
		p.mu.Unlock()
		return candidate
	}
}

// registerInUse records a freshly dialed connection as lent out.
func (m *Manager) registerInUse(conn *PooledConn) {
	p := m.getPool(conn.Destination().Key())
	p.mu.Lock()
	p.inUse[conn] = struct{}{}
	p.mu.Unlock()
}

// checkIn returns a connection to its partition, or retires it.
// It holds the partition lock only for the bookkeeping and never blocks.
func (m *Manager) checkIn(conn *PooledConn, outcome Outcome) {
	p := m.getPool(conn.Destination().Key())

	retire := false

	p.mu.Lock()
	delete(p.inUse, conn)

	now := m.now()
	switch {
	case outcome == OutcomeBroken:
		retire = true
	case conn.isClosed():
		retire = true
	case m.isClosed():
		retire = true
	case m.config.MaxLifetime == 0:
		// Never-reuse mode: nothing is ever pooled.
		retire = true
	case m.lifetimeExceeded(conn, now):
		retire = true
	case len(p.idle) >= m.config.MaxPerDestination:
		retire = true
	default:
		conn.markIdle(now)
		p.idle = append(p.idle, conn)
	}
	p.mu.Unlock()

	if retire {
		m.evict(conn, "retired at release")
		return
	}

	log.WithFields(logrus.Fields{
		"conn_id":     conn.ID(),
		"destination": p.key,
	}).Trace("connection returned to pool")
}

// isReusable reports whether an idle connection is still within its
// lifetime and idle bounds.
func (m *Manager) isReusable(conn *PooledConn, now time.Time) bool {
	if conn.isClosed() {
		return false
	}

	if m.lifetimeExceeded(conn, now) {
		return false
	}

	if m.config.MaxIdle != Unbounded && conn.IdleFor(now) > m.config.MaxIdle {
		return false
	}

	return true
}

// lifetimeExceeded reports whether the connection's age is past the
// lifetime bound. A zero bound retires everything immediately.
func (m *Manager) lifetimeExceeded(conn *PooledConn, now time.Time) bool {
	if m.config.MaxLifetime == Unbounded {
		return false
	}
	return conn.Age(now) >= m.config.MaxLifetime
}

// evict closes a retired connection and logs the reason.
func (m *Manager) evict(conn *PooledConn, reason string) {
	if err := conn.Close(); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"conn_id":     conn.ID(),
			"destination": conn.Destination().Key(),
		}).Warn("error closing evicted connection")
		return
	}

	log.WithFields(logrus.Fields{
		"conn_id":     conn.ID(),
		"destination": conn.Destination().Key(),
		"reason":      reason,
	}).Debug("connection evicted")
}

// sweep runs periodically to evict expired idle connections.
func (m *Manager) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.sweepDone:
			return
		case <-ticker.C:
			m.performSweepCycle()
		}
	}
}

// performSweepCycle evicts expired idle connections across all partitions.
// In-use connections are never touched; they are re-checked on release.
func (m *Manager) performSweepCycle() {
	for _, p := range m.snapshotPools() {
		var expired []*PooledConn

		p.mu.Lock()
		now := m.now()
		kept := p.idle[:0]
		for _, conn := range p.idle {
			if m.isReusable(conn, now) {
				kept = append(kept, conn)
			} else {
				expired = append(expired, conn)
			}
		}
		p.idle = kept
		p.mu.Unlock()

		for _, conn := range expired {
			m.evict(conn, "expired in sweep")
		}
	}
}

// snapshotPools returns the current set of partitions.
func (m *Manager) snapshotPools() []*destPool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pools := make([]*destPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	return pools
}

// Stats returns pool statistics across all destinations.
func (m *Manager) Stats() map[string]int {
	pools := m.snapshotPools()

	total := 0
	inUse := 0
	for _, p := range pools {
		p.mu.Lock()
		total += len(p.idle) + len(p.inUse)
		inUse += len(p.inUse)
		p.mu.Unlock()
	}

	return map[string]int{
		"total":        total,
		"in_use":       inUse,
		"idle":         total - inUse,
		"destinations": len(pools),
	}
}

// DestinationStats returns the idle and in-use connection counts for a
// single destination.
func (m *Manager) DestinationStats(dest *Destination) (idle, inUse int) {
	p := m.getPool(dest.Key())
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), len(p.inUse)
}

// drainPools closes every pooled connection and clears all partitions.
// Called with the manager already marked closed.
func (m *Manager) drainPools() {
	m.mu.Lock()
	pools := make([]*destPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[string]*destPool)
	m.mu.Unlock()

	for _, p := range pools {
		p.mu.Lock()
		idle := p.idle
		p.idle = nil
		lent := make([]*PooledConn, 0, len(p.inUse))
		for conn := range p.inUse {
			lent = append(lent, conn)
		}
		p.inUse = make(map[*PooledConn]struct{})
		p.mu.Unlock()

		for _, conn := range idle {
			conn.Close()
		}
		for _, conn := range lent {
			conn.Close()
		}
	}
}
