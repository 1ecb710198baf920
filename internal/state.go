package internal

import (
	"sync"
	"time"
)

// ConnState represents the lifecycle state of a pooled connection
type ConnState int

const (
	// StateIdle represents a connection sitting in the pool, available for checkout
	StateIdle ConnState = iota
	// StateInUse represents a connection lent to exactly one caller
	StateInUse
	// StateClosed represents a retired connection; terminal
	StateClosed
)

// String returns the string representation of the connection state
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in-use"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnMetrics holds per-connection performance metrics
type ConnMetrics struct {
	mu           sync.RWMutex
	DialTime     time.Duration
	BytesRead    int64
	BytesWritten int64
	Requests     int64
	Created      time.Time
}

// NewConnMetrics creates a new ConnMetrics instance
func NewConnMetrics() *ConnMetrics {
	return &ConnMetrics{
		Created: time.Now(),
	}
}

// DialDuration returns how long connection establishment took
func (m *ConnMetrics) DialDuration() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.DialTime
}

// SetDialDuration records how long connection establishment took
func (m *ConnMetrics) SetDialDuration(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DialTime = d
}

// AddBytesRead increments the bytes read counter
func (m *ConnMetrics) AddBytesRead(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BytesRead += n
}

// AddBytesWritten increments the bytes written counter
func (m *ConnMetrics) AddBytesWritten(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BytesWritten += n
}

// AddRequest increments the count of requests served by this connection
func (m *ConnMetrics) AddRequest() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests++
}

// GetStats returns current connection statistics
func (m *ConnMetrics) GetStats() (bytesRead, bytesWritten, requests int64, dialDuration time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.BytesRead, m.BytesWritten, m.Requests, m.DialTime
}
