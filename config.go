package httppool

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/samber/oops"
)

// Unbounded disables a lifetime or idle bound when assigned to
// MaxLifetime or MaxIdle. A manager with both bounds unbounded never
// recycles connections on age.
const Unbounded time.Duration = -1

// ManagerConfig contains configuration for creating a Manager.
// It follows the builder pattern for optional configuration and validation.
// The manager copies the config at construction; mutating a config after
// NewManager has no effect on the running manager.
type ManagerConfig struct {
	// Base is the default destination for SendRequest. Required.
	Base *Destination

	// DefaultHeaders are merged into every outgoing request.
	// Per-request headers take precedence on conflict.
	DefaultHeaders http.Header

	// RequestTimeout bounds a full SendRequest round trip.
	// Default: 30 seconds. A per-request override takes precedence.
	RequestTimeout time.Duration

	// DialTimeout bounds connection establishment.
	// Default: 10 seconds.
	DialTimeout time.Duration

	// MaxLifetime is the maximum age of a connection since creation before
	// it is retired. 0 disables reuse entirely (every request dials fresh),
	// Unbounded disables the bound. Default: 30 minutes.
	//
	// Bounding lifetime forces periodic re-resolution of the destination
	// address, so long-lived pools do not pin stale DNS answers.
	MaxLifetime time.Duration

	// MaxIdle is the maximum time a connection may sit unused in the pool
	// before it is retired. Unbounded disables the bound.
	// Default: 5 minutes.
	MaxIdle time.Duration

	// MaxPerDestination caps the number of idle connections retained per
	// destination. Default: 10.
	MaxPerDestination int

	// SweepInterval is how often the background sweep evicts expired idle
	// connections. 0 disables the sweep, leaving only lazy eviction at
	// checkout. Default: 1 minute.
	SweepInterval time.Duration

	// RetryBackoff is the base delay between attempts in
	// SendRequestWithRetry. Actual delay uses exponential backoff:
	// delay = RetryBackoff * (2^attempt). Default: 1 second.
	RetryBackoff time.Duration

	// TLSConfig is used when dialing https destinations. Optional; a nil
	// config dials with sane defaults and the destination host as
	// ServerName.
	TLSConfig *tls.Config
}

// NewManagerConfig creates a new ManagerConfig with sensible defaults
// for the given base destination.
func NewManagerConfig(base *Destination) *ManagerConfig {
	return &ManagerConfig{
		Base:              base,
		DefaultHeaders:    make(http.Header),
		RequestTimeout:    30 * time.Second,
		DialTimeout:       10 * time.Second,
		MaxLifetime:       30 * time.Minute,
		MaxIdle:           5 * time.Minute,
		MaxPerDestination: 10,
		SweepInterval:     time.Minute,
		RetryBackoff:      1 * time.Second,
	}
}

// WithDefaultHeader sets a default header sent with every request.
func (c *ManagerConfig) WithDefaultHeader(name, value string) *ManagerConfig {
	if c.DefaultHeaders == nil {
		c.DefaultHeaders = make(http.Header)
	}
	c.DefaultHeaders.Set(name, value)
	return c
}

// WithRequestTimeout sets the default timeout for a full request round trip.
func (c *ManagerConfig) WithRequestTimeout(timeout time.Duration) *ManagerConfig {
	c.RequestTimeout = timeout
	return c
}

// WithDialTimeout sets the timeout for connection establishment.
func (c *ManagerConfig) WithDialTimeout(timeout time.Duration) *ManagerConfig {
	c.DialTimeout = timeout
	return c
}

// WithMaxLifetime sets the maximum connection age before retirement.
// Use 0 to disable reuse entirely, Unbounded to disable the bound.
func (c *ManagerConfig) WithMaxLifetime(lifetime time.Duration) *ManagerConfig {
	c.MaxLifetime = lifetime
	return c
}

// WithMaxIdle sets the maximum idle time before retirement.
// Use Unbounded to disable the bound.
func (c *ManagerConfig) WithMaxIdle(idle time.Duration) *ManagerConfig {
	c.MaxIdle = idle
	return c
}

// WithMaxPerDestination caps the idle connections retained per destination.
func (c *ManagerConfig) WithMaxPerDestination(n int) *ManagerConfig {
	c.MaxPerDestination = n
	return c
}

// WithSweepInterval sets the background eviction sweep interval.
// Use 0 to disable the sweep.
func (c *ManagerConfig) WithSweepInterval(interval time.Duration) *ManagerConfig {
	c.SweepInterval = interval
	return c
}

// WithRetryBackoff sets the base delay between retry attempts.
// Actual delay uses exponential backoff: delay = backoff * (2^attempt).
func (c *ManagerConfig) WithRetryBackoff(backoff time.Duration) *ManagerConfig {
	c.RetryBackoff = backoff
	return c
}

// WithTLSConfig sets the TLS configuration for https destinations.
func (c *ManagerConfig) WithTLSConfig(tlsConfig *tls.Config) *ManagerConfig {
	c.TLSConfig = tlsConfig
	return c
}

// NeverReuse configures the degenerate mode where every request dials a
// fresh connection and nothing is ever pooled.
func (c *ManagerConfig) NeverReuse() *ManagerConfig {
	c.MaxLifetime = 0
	return c
}

// NeverEvict configures the degenerate mode where connections are pooled
// forever and only broken connections are retired.
func (c *ManagerConfig) NeverEvict() *ManagerConfig {
	c.MaxLifetime = Unbounded
	c.MaxIdle = Unbounded
	return c
}

// Validate checks if the configuration is valid and complete.
// Returns an error with context if validation fails.
func (c *ManagerConfig) Validate() error {
	if err := c.validateBase(); err != nil {
		return err
	}

	if err := c.validateTimeouts(); err != nil {
		return err
	}

	if err := c.validateBounds(); err != nil {
		return err
	}

	return nil
}

// validateBase checks that the base destination is present and well-formed.
func (c *ManagerConfig) validateBase() error {
	if c.Base == nil {
		return oops.
			Code("INVALID_CONFIG").
			In("httppool").
			Errorf("base destination is required")
	}
	return c.Base.validate()
}

// validateTimeouts checks that the timeouts are positive.
func (c *ManagerConfig) validateTimeouts() error {
	if c.RequestTimeout <= 0 {
		return oops.
			Code("INVALID_TIMEOUT").
			In("httppool").
			With("timeout", c.RequestTimeout).
			Errorf("request timeout must be positive")
	}

	if c.DialTimeout <= 0 {
		return oops.
			Code("INVALID_TIMEOUT").
			In("httppool").
			With("timeout", c.DialTimeout).
			Errorf("dial timeout must be positive")
	}

	return nil
}

// validateBounds checks the pooling bounds.
func (c *ManagerConfig) validateBounds() error {
	if c.MaxLifetime < Unbounded {
		return oops.
			Code("INVALID_BOUND").
			In("httppool").
			With("max_lifetime", c.MaxLifetime).
			Errorf("max lifetime must be >= 0, or Unbounded")
	}

	if c.MaxIdle < Unbounded {
		return oops.
			Code("INVALID_BOUND").
			In("httppool").
			With("max_idle", c.MaxIdle).
			Errorf("max idle must be >= 0, or Unbounded")
	}

	if c.MaxPerDestination < 1 {
		return oops.
			Code("INVALID_BOUND").
			In("httppool").
			With("max_per_destination", c.MaxPerDestination).
			Errorf("max per destination must be at least 1")
	}

	if c.SweepInterval < 0 {
		return oops.
			Code("INVALID_BOUND").
			In("httppool").
			With("sweep_interval", c.SweepInterval).
			Errorf("sweep interval must be non-negative")
	}

	if c.RetryBackoff < 0 {
		return oops.
			Code("INVALID_RETRY_BACKOFF").
			In("httppool").
			With("backoff", c.RetryBackoff).
			Errorf("retry backoff must be non-negative")
	}

	return nil
}

// clone returns a deep copy so the manager's view stays immutable even if
// the caller keeps mutating the original config.
func (c *ManagerConfig) clone() *ManagerConfig {
	out := *c
	out.DefaultHeaders = make(http.Header, len(c.DefaultHeaders))
	for name, values := range c.DefaultHeaders {
		for _, v := range values {
			out.DefaultHeaders.Add(name, v)
		}
	}
	if c.TLSConfig != nil {
		out.TLSConfig = c.TLSConfig.Clone()
	}
	return &out
}
