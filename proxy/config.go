package proxy

import "time"

// Default addresses and timeouts, per spec.md §3 (port numbers) and
// §5's open timeout question.
const (
	DefaultAddr    = ":12345"
	DefaultDynAddr = "127.0.0.1:12346"

	defaultStreamLargeBodies    = 5 * 1024 * 1024
	defaultDialTimeout          = 10 * time.Second
	defaultHandshakeTimeout     = 10 * time.Second
	defaultHostContextCacheSize = 1024
)

// Config holds the proxy configuration settings.
type Config struct {
	// Addr is the main listener address (P_main). Defaults to
	// DefaultAddr.
	Addr string

	// DynAddr is the dynamic TLS listener address (P_dyn). It must be
	// loopback-only (spec.md §3); defaults to DefaultDynAddr.
	DynAddr string

	// StreamLargeBodies is the body size cap, in bytes. A request or
	// response body of this many bytes or more is not handed to the
	// patcher; the request engine answers that transaction with 502 Bad
	// Gateway instead. Defaults to 5 MiB.
	StreamLargeBodies int64

	// InsecureSkipVerify disables certificate verification when dialing
	// origin servers (and upstream HTTPS proxies) over TLS.
	InsecureSkipVerify bool

	// Upstream, if set, is a fixed forward-proxy URL every origin
	// connection is routed through.
	Upstream string

	// DialTimeout bounds the CONNECT engine's own dials: the opaque
	// tunnel to the target host and the loopback connection to P_main or
	// P_dyn. Origin connections for forwarded requests are dialed without
	// it. Defaults to 10s.
	DialTimeout time.Duration

	// HandshakeTimeout defaults to 10s, but nothing in the proxy reads
	// it: TLS handshakes with origin servers are bounded only by the
	// request's context.
	HandshakeTimeout time.Duration

	// HostContextCacheSize bounds the number of distinct SNI hosts whose
	// leaf certificates the dynamic TLS server keeps warm at once.
	// Defaults to 1024.
	HostContextCacheSize int

	// ClientFactory builds the http.Client used per origin connection.
	// DefaultClientFactory is used when nil.
	ClientFactory ClientFactory
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.DynAddr == "" {
		c.DynAddr = DefaultDynAddr
	}
	if c.StreamLargeBodies <= 0 {
		c.StreamLargeBodies = defaultStreamLargeBodies
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.HostContextCacheSize <= 0 {
		c.HostContextCacheSize = defaultHostContextCacheSize
	}
	return c
}
