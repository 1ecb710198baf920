package httppool

import (
	"context"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// ShutdownManager coordinates graceful shutdown of pooled connection
// managers. It provides context-based cancellation, waits for in-flight
// requests to drain, and force-closes whatever remains after the timeout.
type ShutdownManager struct {
	// ctx is the context for shutdown signaling
	ctx context.Context

	// cancel cancels the shutdown context
	cancel context.CancelFunc

	// managers tracks registered managers for shutdown coordination
	managers map[*Manager]struct{}

	// mu protects the manager set
	mu sync.RWMutex

	// shutdownTimeout is the maximum time to wait for in-flight requests
	shutdownTimeout time.Duration

	// done signals when shutdown is complete
	done chan struct{}

	// once ensures shutdown only happens once
	once sync.Once
}

// NewShutdownManager creates a new shutdown manager with the given timeout.
// If timeout is 0, a default of 30 seconds is used.
func NewShutdownManager(timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ShutdownManager{
		ctx:             ctx,
		cancel:          cancel,
		managers:        make(map[*Manager]struct{}),
		shutdownTimeout: timeout,
		done:            make(chan struct{}),
	}
}

// RegisterManager adds a manager to be closed during shutdown.
func (sm *ShutdownManager) RegisterManager(m *Manager) {
	if m == nil {
		return
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.managers[m] = struct{}{}
	log.WithFields(logrus.Fields{
		"base":           m.config.Base.Key(),
		"total_managers": len(sm.managers),
	}).Debug("registered manager for shutdown management")
}

// UnregisterManager removes a manager from shutdown management.
// This should be called when a manager is closed normally.
func (sm *ShutdownManager) UnregisterManager(m *Manager) {
	if m == nil {
		return
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	delete(sm.managers, m)
	log.WithFields(logrus.Fields{
		"base":           m.config.Base.Key(),
		"total_managers": len(sm.managers),
	}).Debug("unregistered manager from shutdown management")
}

// Context returns the shutdown context for monitoring shutdown signals.
// Components can use this context to stop issuing new requests once
// shutdown has been initiated.
func (sm *ShutdownManager) Context() context.Context {
	return sm.ctx
}

// Shutdown initiates graceful shutdown: the shutdown context is
// cancelled, in-flight requests are given until the timeout to drain,
// and then every registered manager is closed.
func (sm *ShutdownManager) Shutdown() error {
	var shutdownErr error

	sm.once.Do(func() {
		defer close(sm.done)

		log.WithFields(logrus.Fields{
			"timeout":  sm.shutdownTimeout.String(),
			"managers": sm.managerCount(),
		}).Info("initiating graceful shutdown")

		sm.cancel()

		if err := sm.waitForDrain(); err != nil {
			log.WithError(err).Warn("timeout waiting for in-flight requests to drain, forcing close")
			shutdownErr = err
		}

		if err := sm.closeManagers(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}

		log.Info("graceful shutdown complete")
	})

	return shutdownErr
}

// Wait blocks until shutdown is complete.
// This can be used to wait for shutdown to finish after calling Shutdown().
func (sm *ShutdownManager) Wait() {
	<-sm.done
}

// managerCount returns the number of registered managers.
func (sm *ShutdownManager) managerCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.managers)
}

// inFlight returns the total number of lent connections across all
// registered managers.
func (sm *ShutdownManager) inFlight() int {
	sm.mu.RLock()
	managers := make([]*Manager, 0, len(sm.managers))
	for m := range sm.managers {
		managers = append(managers, m)
	}
	sm.mu.RUnlock()

	total := 0
	for _, m := range managers {
		total += m.Stats()["in_use"]
	}
	return total
}

// waitForDrain waits for all in-flight requests to finish within the
// shutdown timeout.
func (sm *ShutdownManager) waitForDrain() error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	timeout := time.NewTimer(sm.shutdownTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-timeout.C:
			remaining := sm.inFlight()
			return oops.
				Code("SHUTDOWN_TIMEOUT").
				In("httppool").
				With("in_flight", remaining).
				With("timeout", sm.shutdownTimeout.String()).
				Errorf("timeout waiting for in-flight requests to drain")

		case <-ticker.C:
			remaining := sm.inFlight()
			if remaining == 0 {
				return nil
			}

			log.WithField("in_flight", remaining).
				Debug("waiting for in-flight requests to drain")
		}
	}
}

// closeManagers closes all registered managers.
func (sm *ShutdownManager) closeManagers() error {
	sm.mu.RLock()
	managers := make([]*Manager, 0, len(sm.managers))
	for m := range sm.managers {
		managers = append(managers, m)
	}
	sm.mu.RUnlock()

	var firstError error
	for _, m := range managers {
		if err := m.Close(); err != nil {
			log.WithError(err).WithField("base", m.config.Base.Key()).
				Error("error closing manager during shutdown")
			if firstError == nil {
				firstError = err
			}
		}
	}

	return firstError
}
