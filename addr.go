// Package httppool provides a pooled connection manager for outbound HTTP
// requests. It owns a set of reusable transport connections keyed by
// destination (scheme, host, port), enforces lifetime and idle bounds on
// each connection, and exposes a scoped request operation so callers never
// leak a checked-out connection.
package httppool

import (
	"net"
	"net/url"
	"strconv"

	"github.com/samber/oops"
)

// Destination identifies the (scheme, host, port) endpoint a pooled
// connection targets. It implements net.Addr and is the key for pool
// partitioning: two destinations with the same Key() share a pool.
type Destination struct {
	// scheme is "http" or "https"
	scheme string
	// host is the DNS name or IP address of the endpoint
	host string
	// port is the TCP port, always explicit after construction
	port int
}

// NewDestination creates a Destination from explicit parts.
// scheme must be "http" or "https", host must be non-empty and port must
// be in the valid TCP range.
func NewDestination(scheme, host string, port int) (*Destination, error) {
	d := &Destination{scheme: scheme, host: host, port: port}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// ParseDestination parses a URL-shaped string ("https://api.example.com")
// into a Destination. A missing port defaults to 80 for http and 443 for
// https. Any path, query or fragment in the input is rejected since a
// destination identifies an endpoint, not a resource.
func ParseDestination(raw string) (*Destination, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, oops.
			Code(CodeInvalidRequest).
			In("httppool").
			With("raw", raw).
			Wrapf(err, "failed to parse destination")
	}

	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return nil, oops.
			Code(CodeInvalidRequest).
			In("httppool").
			With("raw", raw).
			Errorf("destination must not carry a path, query or fragment")
	}

	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, oops.
				Code(CodeInvalidRequest).
				In("httppool").
				With("raw", raw).
				With("port", p).
				Wrapf(err, "invalid port")
		}
	} else {
		switch u.Scheme {
		case "http":
			port = 80
		case "https":
			port = 443
		}
	}

	d := &Destination{scheme: u.Scheme, host: u.Hostname(), port: port}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// validate checks that the destination is well-formed.
func (d *Destination) validate() error {
	if d.scheme != "http" && d.scheme != "https" {
		return oops.
			Code(CodeInvalidRequest).
			In("httppool").
			With("scheme", d.scheme).
			Errorf("scheme must be http or https")
	}

	if d.host == "" {
		return oops.
			Code(CodeInvalidRequest).
			In("httppool").
			Errorf("host cannot be empty")
	}

	if d.port < 1 || d.port > 65535 {
		return oops.
			Code(CodeInvalidRequest).
			In("httppool").
			With("port", d.port).
			Errorf("port must be in range 1-65535")
	}

	return nil
}

// Scheme returns the destination scheme ("http" or "https").
func (d *Destination) Scheme() string {
	return d.scheme
}

// Host returns the destination host name or IP address.
func (d *Destination) Host() string {
	return d.host
}

// Port returns the destination TCP port.
func (d *Destination) Port() int {
	return d.port
}

// Key returns the canonical pool partition key for this destination.
// Format: "scheme://host:port".
func (d *Destination) Key() string {
	return d.scheme + "://" + d.hostPort()
}

// hostPort returns the "host:port" dial address.
func (d *Destination) hostPort() string {
	return net.JoinHostPort(d.host, strconv.Itoa(d.port))
}

// DialAddr returns the address handed to the dialer.
func (d *Destination) DialAddr() string {
	return d.hostPort()
}

// Network returns the transport network for this destination.
// Implements net.Addr.
func (d *Destination) Network() string {
	return "tcp"
}

// String returns the canonical representation of the destination.
// Implements net.Addr.
func (d *Destination) String() string {
	return d.Key()
}
