package httppool

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-httppool/go-httppool/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance pool time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// newPoolTestManager builds a manager with an injected clock and no
// background sweep, for exercising pool mechanics without a network.
func newPoolTestManager(t *testing.T, mutate func(*ManagerConfig)) (*Manager, *fakeClock, *Destination) {
	t.Helper()

	dest, err := NewDestination("http", "pool.test", 80)
	require.NoError(t, err)

	config := NewManagerConfig(dest).
		WithSweepInterval(0).
		WithMaxLifetime(time.Hour).
		WithMaxIdle(Unbounded)
	if mutate != nil {
		mutate(config)
	}

	m, err := NewManager(config)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	clock := newFakeClock()
	m.now = clock.Now
	return m, clock, dest
}

// lendPipeConn fabricates an in-use connection over net.Pipe and registers
// it with the manager, as if it had just been dialed.
func lendPipeConn(t *testing.T, m *Manager, dest *Destination) *PooledConn {
	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() { server.Close() })

	pc := newPooledConn(client, dest, m.now())
	m.registerInUse(pc)
	return pc
}

func TestPoolReuseSameConnection(t *testing.T) {
	m, _, dest := newPoolTestManager(t, nil)

	conn := lendPipeConn(t, m, dest)
	m.Release(conn, OutcomeReusable)

	got := m.checkOut(dest)
	require.NotNil(t, got)
	assert.Same(t, conn, got, "checkout before any bound expires must return the pooled connection")
	assert.Equal(t, internal.StateInUse, got.State())
}

func TestPoolFIFOOrder(t *testing.T) {
	m, _, dest := newPoolTestManager(t, nil)

	first := lendPipeConn(t, m, dest)
	second := lendPipeConn(t, m, dest)

	m.Release(first, OutcomeReusable)
	m.Release(second, OutcomeReusable)

	assert.Same(t, first, m.checkOut(dest), "oldest-returned connection pops first")
	assert.Same(t, second, m.checkOut(dest))
	assert.Nil(t, m.checkOut(dest))
}

func TestPoolBrokenNeverRepooled(t *testing.T) {
	m, _, dest := newPoolTestManager(t, nil)

	conn := lendPipeConn(t, m, dest)
	m.Release(conn, OutcomeBroken)

	assert.Equal(t, internal.StateClosed, conn.State(), "broken connection must be closed")
	assert.Nil(t, m.checkOut(dest))

	idle, inUse := m.DestinationStats(dest)
	assert.Equal(t, 0, idle)
	assert.Equal(t, 0, inUse)
}

func TestPoolLifetimeBound(t *testing.T) {
	m, clock, dest := newPoolTestManager(t, func(c *ManagerConfig) {
		c.MaxLifetime = 10 * time.Minute
		c.MaxIdle = Unbounded
	})

	conn := lendPipeConn(t, m, dest)
	m.Release(conn, OutcomeReusable)

	clock.Advance(11 * time.Minute)

	assert.Nil(t, m.checkOut(dest), "connection past its lifetime must never be returned")
	assert.Equal(t, internal.StateClosed, conn.State(), "expired connection must be observably closed")
}

func TestPoolIdleBound(t *testing.T) {
	m, clock, dest := newPoolTestManager(t, func(c *ManagerConfig) {
		c.MaxLifetime = Unbounded
		c.MaxIdle = time.Minute
	})

	conn := lendPipeConn(t, m, dest)
	m.Release(conn, OutcomeReusable)

	clock.Advance(2 * time.Minute)

	assert.Nil(t, m.checkOut(dest), "connection idle past the bound must be discarded")
	assert.Equal(t, internal.StateClosed, conn.State())
}

func TestPoolIdleStampRefreshedOnRelease(t *testing.T) {
	m, clock, dest := newPoolTestManager(t, func(c *ManagerConfig) {
		c.MaxLifetime = Unbounded
		c.MaxIdle = time.Minute
	})

	conn := lendPipeConn(t, m, dest)

	// The connection spends a long time lent out; idle time only starts
	// counting at release.
	clock.Advance(30 * time.Minute)
	m.Release(conn, OutcomeReusable)

	clock.Advance(30 * time.Second)
	assert.Same(t, conn, m.checkOut(dest), "idle clock must start at release, not at creation")
}

func TestPoolLifetimeCheckedAtRelease(t *testing.T) {
	m, clock, dest := newPoolTestManager(t, func(c *ManagerConfig) {
		c.MaxLifetime = 10 * time.Minute
		c.MaxIdle = Unbounded
	})

	conn := lendPipeConn(t, m, dest)
	clock.Advance(11 * time.Minute)

	m.Release(conn, OutcomeReusable)
	assert.Equal(t, internal.StateClosed, conn.State(), "release past the lifetime bound closes instead of pooling")

	idle, _ := m.DestinationStats(dest)
	assert.Equal(t, 0, idle)
}

func TestPoolNeverReuseMode(t *testing.T) {
	m, _, dest := newPoolTestManager(t, func(c *ManagerConfig) {
		c.NeverReuse()
	})

	conn := lendPipeConn(t, m, dest)
	m.Release(conn, OutcomeReusable)

	assert.Equal(t, internal.StateClosed, conn.State(), "never-reuse mode pools nothing")
	assert.Nil(t, m.checkOut(dest))
}

func TestPoolNeverEvictMode(t *testing.T) {
	m, clock, dest := newPoolTestManager(t, func(c *ManagerConfig) {
		c.NeverEvict()
	})

	conn := lendPipeConn(t, m, dest)
	m.Release(conn, OutcomeReusable)

	clock.Advance(1000 * time.Hour)

	assert.Same(t, conn, m.checkOut(dest), "unbounded manager never evicts on age")
}

func TestPoolCapacityOverflow(t *testing.T) {
	m, _, dest := newPoolTestManager(t, func(c *ManagerConfig) {
		c.MaxPerDestination = 1
	})

	first := lendPipeConn(t, m, dest)
	second := lendPipeConn(t, m, dest)

	m.Release(first, OutcomeReusable)
	m.Release(second, OutcomeReusable)

	assert.Equal(t, internal.StateClosed, second.State(), "release past capacity closes the connection")

	idle, _ := m.DestinationStats(dest)
	assert.Equal(t, 1, idle)
}

func TestPoolPartitionIsolation(t *testing.T) {
	m, _, destA := newPoolTestManager(t, nil)
	destB, err := NewDestination("http", "other.test", 80)
	require.NoError(t, err)

	connA := lendPipeConn(t, m, destA)
	connB := lendPipeConn(t, m, destB)

	m.Release(connA, OutcomeReusable)
	m.Release(connB, OutcomeBroken)

	// Dropping B's connection must not touch A's pool.
	idleA, _ := m.DestinationStats(destA)
	assert.Equal(t, 1, idleA)

	assert.Nil(t, m.checkOut(destB))
	assert.Same(t, connA, m.checkOut(destA))
}

func TestPoolSweepEvictsExpired(t *testing.T) {
	m, clock, dest := newPoolTestManager(t, func(c *ManagerConfig) {
		c.MaxLifetime = Unbounded
		c.MaxIdle = time.Minute
	})

	expired := lendPipeConn(t, m, dest)
	m.Release(expired, OutcomeReusable)

	clock.Advance(2 * time.Minute)

	fresh := lendPipeConn(t, m, dest)
	m.Release(fresh, OutcomeReusable)

	m.performSweepCycle()

	assert.Equal(t, internal.StateClosed, expired.State())
	assert.Equal(t, internal.StateIdle, fresh.State())

	idle, _ := m.DestinationStats(dest)
	assert.Equal(t, 1, idle)
}

func TestPoolSweepSkipsInUse(t *testing.T) {
	m, clock, dest := newPoolTestManager(t, func(c *ManagerConfig) {
		c.MaxLifetime = time.Minute
		c.MaxIdle = Unbounded
	})

	conn := lendPipeConn(t, m, dest)
	clock.Advance(2 * time.Minute)

	m.performSweepCycle()

	assert.Equal(t, internal.StateInUse, conn.State(), "sweep must never touch lent connections")
}

func TestPoolStats(t *testing.T) {
	m, _, dest := newPoolTestManager(t, nil)

	lent := lendPipeConn(t, m, dest)
	pooled := lendPipeConn(t, m, dest)
	m.Release(pooled, OutcomeReusable)

	stats := m.Stats()
	assert.Equal(t, 2, stats["total"])
	assert.Equal(t, 1, stats["in_use"])
	assert.Equal(t, 1, stats["idle"])
	assert.Equal(t, 1, stats["destinations"])

	m.Release(lent, OutcomeBroken)
	stats = m.Stats()
	assert.Equal(t, 1, stats["total"])
	assert.Equal(t, 0, stats["in_use"])
}

func TestManagerCloseDrainsPools(t *testing.T) {
	m, _, dest := newPoolTestManager(t, nil)

	idle := lendPipeConn(t, m, dest)
	m.Release(idle, OutcomeReusable)
	lent := lendPipeConn(t, m, dest)

	require.NoError(t, m.Close())

	assert.Equal(t, internal.StateClosed, idle.State())
	assert.Equal(t, internal.StateClosed, lent.State())

	// Close is idempotent
	require.NoError(t, m.Close())
}
