package httppool

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/go-httppool/go-httppool/internal"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// PooledConn is an established transport connection owned by a Manager.
// While idle it belongs exclusively to the pool; while in-use it is lent
// to exactly one caller. It implements net.Conn so the HTTP framing layer
// can treat it as an ordinary connection while reads and writes are
// accounted for and stamped.
type PooledConn struct {
	// underlying is the wrapped network connection
	underlying net.Conn

	// dest is the pool partition this connection belongs to
	dest *Destination

	// id is a compact identifier for log correlation
	id string

	// br buffers reads for HTTP response parsing. It must stay attached to
	// the connection across requests: bytes it has buffered belong to this
	// connection and would be lost if the reader were recreated elsewhere.
	br *bufio.Reader

	// created is the time the connection was established
	created time.Time

	// lastUsed is the time the connection last finished serving a request
	lastUsed time.Time

	// state tracks the connection lifecycle
	state internal.ConnState

	// stateMutex protects state transitions and timestamps
	stateMutex sync.RWMutex

	// closeMutex protects close operations
	closeMutex sync.Mutex

	// metrics tracks connection performance data
	metrics *internal.ConnMetrics

	// logger for connection events
	logger *logrus.Logger
}

// newPooledConn wraps an established network connection for pool ownership.
func newPooledConn(underlying net.Conn, dest *Destination, now time.Time) *PooledConn {
	pc := &PooledConn{
		underlying: underlying,
		dest:       dest,
		id:         internal.NextConnID(dest.Key()),
		created:    now,
		lastUsed:   now,
		state:      internal.StateInUse,
		metrics:    internal.NewConnMetrics(),
		logger:     log,
	}
	pc.br = bufio.NewReader(pc)

	pc.logger.WithFields(logrus.Fields{
		"conn_id":     pc.id,
		"destination": dest.Key(),
	}).Debug("connection established")

	return pc
}

// Read reads data from the connection and accounts for the bytes.
func (pc *PooledConn) Read(b []byte) (int, error) {
	if pc.isClosed() {
		return 0, oops.
			Code("CONN_CLOSED").
			In("httppool").
			With("conn_id", pc.id).
			Errorf("connection is closed")
	}

	n, err := pc.underlying.Read(b)
	pc.metrics.AddBytesRead(int64(n))
	return n, err
}

// Write writes data to the connection and accounts for the bytes.
func (pc *PooledConn) Write(b []byte) (int, error) {
	if pc.isClosed() {
		return 0, oops.
			Code("CONN_CLOSED").
			In("httppool").
			With("conn_id", pc.id).
			Errorf("connection is closed")
	}

	n, err := pc.underlying.Write(b)
	pc.metrics.AddBytesWritten(int64(n))
	return n, err
}

// Close retires the connection. Safe to call more than once; only the
// first call closes the underlying transport.
func (pc *PooledConn) Close() error {
	pc.closeMutex.Lock()
	defer pc.closeMutex.Unlock()

	if pc.isClosed() {
		return nil // Already closed
	}

	pc.setState(internal.StateClosed)
	pc.logger.WithFields(logrus.Fields{
		"conn_id":     pc.id,
		"destination": pc.dest.Key(),
	}).Debug("closing pooled connection")

	err := pc.underlying.Close()
	if err != nil {
		return oops.
			Code("UNDERLYING_CLOSE_FAILED").
			In("httppool").
			With("conn_id", pc.id).
			Wrapf(err, "failed to close underlying connection")
	}

	return nil
}

// ID returns the connection's log-correlation identifier.
func (pc *PooledConn) ID() string {
	return pc.id
}

// Destination returns the pool partition this connection belongs to.
func (pc *PooledConn) Destination() *Destination {
	return pc.dest
}

// LocalAddr returns the local network address.
func (pc *PooledConn) LocalAddr() net.Addr {
	return pc.underlying.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (pc *PooledConn) RemoteAddr() net.Addr {
	return pc.underlying.RemoteAddr()
}

// SetDeadline sets the read and write deadlines on the underlying connection.
func (pc *PooledConn) SetDeadline(t time.Time) error {
	return pc.underlying.SetDeadline(t)
}

// SetReadDeadline sets the read deadline on the underlying connection.
func (pc *PooledConn) SetReadDeadline(t time.Time) error {
	return pc.underlying.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline on the underlying connection.
func (pc *PooledConn) SetWriteDeadline(t time.Time) error {
	return pc.underlying.SetWriteDeadline(t)
}

// State returns the current connection state.
func (pc *PooledConn) State() internal.ConnState {
	pc.stateMutex.RLock()
	defer pc.stateMutex.RUnlock()
	return pc.state
}

// GetConnMetrics returns the connection's accumulated statistics.
func (pc *PooledConn) GetConnMetrics() (bytesRead, bytesWritten, requests int64, dialDuration time.Duration) {
	return pc.metrics.GetStats()
}

// Age returns how long ago the connection was established.
func (pc *PooledConn) Age(now time.Time) time.Duration {
	pc.stateMutex.RLock()
	defer pc.stateMutex.RUnlock()
	return now.Sub(pc.created)
}

// IdleFor returns how long the connection has sat unused.
func (pc *PooledConn) IdleFor(now time.Time) time.Duration {
	pc.stateMutex.RLock()
	defer pc.stateMutex.RUnlock()
	return now.Sub(pc.lastUsed)
}

// reader returns the connection's persistent buffered reader.
func (pc *PooledConn) reader() *bufio.Reader {
	return pc.br
}

// markInUse transitions the connection to the in-use state.
func (pc *PooledConn) markInUse() {
	pc.setState(internal.StateInUse)
}

// markIdle transitions the connection to the idle state and refreshes its
// idle timestamp.
func (pc *PooledConn) markIdle(now time.Time) {
	pc.stateMutex.Lock()
	defer pc.stateMutex.Unlock()
	pc.state = internal.StateIdle
	pc.lastUsed = now
}

// isClosed returns true if the connection has been retired.
func (pc *PooledConn) isClosed() bool {
	return pc.State() == internal.StateClosed
}

// setState sets the connection state in a thread-safe manner.
func (pc *PooledConn) setState(newState internal.ConnState) {
	pc.stateMutex.Lock()
	defer pc.stateMutex.Unlock()

	oldState := pc.state
	pc.state = newState

	pc.logger.WithFields(logrus.Fields{
		"conn_id":   pc.id,
		"old_state": oldState.String(),
		"new_state": newState.String(),
	}).Trace("connection state changed")
}

// probeDead performs a non-destructive liveness check on an idle
// connection. An idle HTTP connection should have nothing to read: any
// readable byte means unsolicited data and an immediate read error other
// than a deadline timeout means the peer hung up. Either way the
// connection is unusable.
func (pc *PooledConn) probeDead() bool {
	if err := pc.underlying.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return true
	}

	var probe [1]byte
	n, err := pc.underlying.Read(probe[:])

	// Clear the probe deadline regardless of outcome.
	if resetErr := pc.underlying.SetReadDeadline(time.Time{}); resetErr != nil {
		return true
	}

	if n > 0 {
		return true
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return false
	}
	return true
}
