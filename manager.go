package httppool

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// Outcome describes how a caller finished with an acquired connection.
type Outcome int

const (
	// OutcomeReusable means the connection completed its work cleanly and
	// may serve another request.
	OutcomeReusable Outcome = iota

	// OutcomeBroken means the connection suffered an I/O error, a protocol
	// violation or a cancellation and must never re-enter the pool.
	OutcomeBroken
)

// String returns the string representation of the outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeReusable:
		return "reusable"
	case OutcomeBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// Manager is the pooled connection manager. It hands out usable
// connections per destination, enforces lifetime and idle bounds, and
// reclaims connections after use. Construct one with NewManager and share
// it; all methods are safe for concurrent use.
type Manager struct {
	// config is the immutable manager configuration
	config *ManagerConfig

	// mu guards pools and closed
	mu sync.RWMutex

	// pools maps destination keys to their partitions
	pools map[string]*destPool

	// closed indicates the manager has been shut down
	closed bool

	// now is the clock; overridable in tests
	now func() time.Time

	// sweepDone stops the background sweep goroutine
	sweepDone chan struct{}

	// shutdownManager for coordinated shutdown (optional)
	shutdownManager *ShutdownManager
}

// NewManager creates a Manager from the given configuration. The config
// is copied; later mutation of it does not affect the manager.
func NewManager(config *ManagerConfig) (*Manager, error) {
	if config == nil {
		return nil, oops.
			Code("INVALID_CONFIG").
			In("httppool").
			Errorf("config cannot be nil")
	}

	if err := config.Validate(); err != nil {
		return nil, oops.
			Code("INVALID_CONFIG").
			In("httppool").
			Wrapf(err, "config validation failed")
	}

	m := &Manager{
		config:    config.clone(),
		pools:     make(map[string]*destPool),
		now:       time.Now,
		sweepDone: make(chan struct{}),
	}

	if m.config.SweepInterval > 0 {
		go m.sweep(m.config.SweepInterval)
	}

	log.WithFields(logrus.Fields{
		"base":         m.config.Base.Key(),
		"max_lifetime": m.config.MaxLifetime,
		"max_idle":     m.config.MaxIdle,
	}).Debug("manager created")

	return m, nil
}

// Acquire checks out a connection for the destination, reusing a pooled
// one when a valid candidate exists and dialing a fresh one otherwise.
// The returned connection is exclusively lent to the caller until passed
// back through Release. Acquire never returns a connection whose lifetime
// bound has been exceeded.
//
// Most callers want SendRequest instead, which scopes acquire and release
// around a full request.
func (m *Manager) Acquire(ctx context.Context, dest *Destination) (*PooledConn, error) {
	conn, _, err := m.acquire(ctx, dest)
	return conn, err
}

// acquire implements Acquire and additionally reports whether the
// connection came from the pool.
func (m *Manager) acquire(ctx context.Context, dest *Destination) (*PooledConn, bool, error) {
	if dest == nil {
		return nil, false, oops.
			Code(CodeInvalidRequest).
			In("httppool").
			Errorf("destination cannot be nil")
	}

	if err := dest.validate(); err != nil {
		return nil, false, err
	}

	if m.isClosed() {
		return nil, false, oops.
			Code("MANAGER_CLOSED").
			In("httppool").
			With("destination", dest.Key()).
			Errorf("manager is closed")
	}

	if conn := m.checkOut(dest); conn != nil {
		log.WithFields(logrus.Fields{
			"conn_id":     conn.ID(),
			"destination": dest.Key(),
		}).Trace("reusing pooled connection")
		return conn, true, nil
	}

	conn, err := m.dial(ctx, dest)
	if err != nil {
		return nil, false, err
	}

	m.registerInUse(conn)
	return conn, false, nil
}

// Release passes a connection back to the manager. A reusable connection
// re-enters its destination's pool with a refreshed idle timestamp unless
// its lifetime bound has been exceeded; a broken connection is closed and
// dropped. Release never blocks.
func (m *Manager) Release(conn *PooledConn, outcome Outcome) {
	if conn == nil {
		return
	}
	m.checkIn(conn, outcome)
}

// SendRequest issues the request against the manager's base destination.
// See SendRequestTo.
func (m *Manager) SendRequest(ctx context.Context, spec *RequestSpec) (*Response, error) {
	return m.SendRequestTo(ctx, m.config.Base, spec)
}

// SendRequestTo composes acquire, request transmission and release in a
// single scoped operation, so callers never leak a lent connection. The
// connection is released (or discarded) on every path, including failure
// and cancellation. When a request on a reused pooled connection fails
// mid-transfer, the request is retried exactly once on a freshly dialed
// connection before the error is surfaced.
func (m *Manager) SendRequestTo(ctx context.Context, dest *Destination, spec *RequestSpec) (*Response, error) {
	if spec == nil {
		return nil, oops.
			Code(CodeInvalidRequest).
			In("httppool").
			Errorf("request spec cannot be nil")
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}

	timeout := m.config.RequestTimeout
	if spec.Timeout > 0 {
		timeout = spec.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, reused, err := m.acquire(ctx, dest)
	if err != nil {
		return nil, err
	}

	resp, err := m.attempt(ctx, conn, dest, spec)
	if err == nil {
		return resp, nil
	}

	if reused && ctx.Err() == nil && IsTransportError(err) {
		// A pooled connection turned out dead under us; one bounded retry
		// on a fresh dial.
		log.WithError(err).WithFields(logrus.Fields{
			"destination": dest.Key(),
		}).Debug("request on pooled connection failed, retrying on fresh connection")

		fresh, dialErr := m.dial(ctx, dest)
		if dialErr != nil {
			return nil, dialErr
		}
		m.registerInUse(fresh)
		return m.attempt(ctx, fresh, dest, spec)
	}

	return nil, err
}

// attempt performs one round trip on an already-acquired connection and
// always releases it with the inferred outcome.
func (m *Manager) attempt(ctx context.Context, conn *PooledConn, dest *Destination, spec *RequestSpec) (*Response, error) {
	resp, outcome, err := m.roundTrip(ctx, conn, dest, spec)

	// Cancellation mid-flight leaves the stream in an unknown position;
	// never repool such a connection.
	if ctx.Err() != nil {
		outcome = OutcomeBroken
	}

	if outcome == OutcomeReusable {
		// Drop any deadline left over from the round trip before the
		// connection goes back to the pool.
		if resetErr := conn.SetDeadline(time.Time{}); resetErr != nil {
			outcome = OutcomeBroken
		}
	}

	m.Release(conn, outcome)
	return resp, err
}

// roundTrip writes the request and reads the full response over the lent
// connection. A watcher goroutine aborts in-flight I/O by forcing an
// expired deadline when the context fires.
func (m *Manager) roundTrip(ctx context.Context, conn *PooledConn, dest *Destination, spec *RequestSpec) (*Response, Outcome, error) {
	req, err := spec.buildHTTPRequest(dest, m.config.DefaultHeaders)
	if err != nil {
		// Nothing has touched the wire; the connection is still clean.
		return nil, OutcomeReusable, err
	}

	watcherDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Unix(1, 0))
		case <-watcherDone:
		}
	}()
	defer close(watcherDone)

	if err := req.Write(conn); err != nil {
		return nil, OutcomeBroken, m.wireError(ctx, conn, err, "failed to write request")
	}

	httpResp, err := http.ReadResponse(conn.reader(), req)
	if err != nil {
		return nil, OutcomeBroken, m.wireError(ctx, conn, err, "failed to read response")
	}

	body, err := io.ReadAll(httpResp.Body)
	httpResp.Body.Close()
	if err != nil {
		return nil, OutcomeBroken, m.wireError(ctx, conn, err, "failed to read response body")
	}

	conn.metrics.AddRequest()

	outcome := OutcomeReusable
	if httpResp.Close || conn.reader().Buffered() > 0 {
		// The server asked to close, or sent bytes past the message end;
		// either way this connection must not be reused.
		outcome = OutcomeBroken
	}

	log.WithFields(logrus.Fields{
		"conn_id":     conn.ID(),
		"destination": dest.Key(),
		"method":      spec.Method,
		"path":        spec.Path,
		"status":      httpResp.StatusCode,
		"body_len":    len(body),
	}).Debug("request completed")

	return &Response{
		StatusCode: httpResp.StatusCode,
		Status:     httpResp.Status,
		Headers:    httpResp.Header,
		Body:       body,
	}, outcome, nil
}

// wireError classifies an I/O failure during an established exchange into
// the manager's error taxonomy.
func (m *Manager) wireError(ctx context.Context, conn *PooledConn, err error, msg string) error {
	base := oops.
		In("httppool").
		With("conn_id", conn.ID()).
		With("destination", conn.Destination().Key())

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return base.Code(CodeTimeoutError).Wrapf(err, "%s: request timed out", msg)
	case errors.Is(ctx.Err(), context.Canceled):
		return base.Code(CodeTransportError).Wrapf(err, "%s: request cancelled", msg)
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return base.Code(CodeTimeoutError).Wrapf(err, "%s: request timed out", msg)
		}
		return base.Code(CodeTransportError).Wrapf(err, msg)
	}
}

// dial establishes a new transport connection to the destination, outside
// any pool lock. For https destinations the TLS handshake is part of
// establishment and is covered by the same timeout.
func (m *Manager) dial(ctx context.Context, dest *Destination) (*PooledConn, error) {
	start := m.now()

	dialer := &net.Dialer{Timeout: m.config.DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", dest.DialAddr())
	if err != nil {
		return nil, m.dialError(ctx, dest, err)
	}

	if dest.Scheme() == "https" {
		tlsConn := tls.Client(raw, m.tlsConfigFor(dest))

		handshakeCtx := ctx
		if m.config.DialTimeout > 0 {
			var cancel context.CancelFunc
			handshakeCtx, cancel = context.WithTimeout(ctx, m.config.DialTimeout)
			defer cancel()
		}

		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			raw.Close()
			return nil, m.dialError(ctx, dest, err)
		}
		raw = tlsConn
	}

	conn := newPooledConn(raw, dest, m.now())
	conn.metrics.SetDialDuration(m.now().Sub(start))
	return conn, nil
}

// dialError classifies an establishment failure.
func (m *Manager) dialError(ctx context.Context, dest *Destination, err error) error {
	base := oops.
		In("httppool").
		With("destination", dest.Key())

	var netErr net.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return base.Code(CodeTimeoutError).Wrapf(err, "connection establishment timed out")
	case errors.As(err, &netErr) && netErr.Timeout():
		return base.Code(CodeTimeoutError).Wrapf(err, "connection establishment timed out")
	default:
		return base.Code(CodeConnectionError).Wrapf(err, "failed to establish connection")
	}
}

// tlsConfigFor returns the TLS configuration to use for a destination,
// defaulting ServerName to the destination host.
func (m *Manager) tlsConfigFor(dest *Destination) *tls.Config {
	cfg := m.config.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = dest.Host()
	}
	return cfg
}

// SetShutdownManager registers this manager with a shutdown manager for
// coordinated shutdown.
func (m *Manager) SetShutdownManager(sm *ShutdownManager) {
	m.shutdownManager = sm
	if sm != nil {
		sm.RegisterManager(m)
	}
}

// Close shuts the manager down: the sweep stops, every pooled connection
// is closed and subsequent Acquire calls fail. Safe to call more than
// once. The manager remains unusable afterwards; requests in flight see
// their connections closed under them.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.sweepDone)
	m.drainPools()

	if m.shutdownManager != nil {
		m.shutdownManager.UnregisterManager(m)
	}

	log.WithField("base", m.config.Base.Key()).Debug("manager closed")
	return nil
}

// isClosed returns true if the manager has been shut down.
func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
