// Package dynamictls is the dynamic TLS server (spec.md §4.5, C5): a
// loopback-only TLS listener the CONNECT engine (C6) tunnels classified
// TLS traffic into. It terminates the client's TLS handshake using a
// per-host leaf certificate minted on demand from the SNI name, then
// hands the decrypted HTTP stream to the request engine (C7).
//
// spec.md's own Design Notes permit replacing the original's in-process
// "pretend listener" with a real systems-language port; this
// implementation binds an actual loopback TCP listener so the testable
// property in spec.md §8 ("a loopback connection to P_dyn") is literally
// true rather than simulated.
package dynamictls

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
	"golang.org/x/net/http2"

	"github.com/patchwire/mitmgate/cert"
)

// defaultHostContextCacheSize bounds the number of distinct SNI hosts
// whose signed leaf certificates are kept warm at once (SPEC_FULL.md §4
// "Bounded HostContext").
const defaultHostContextCacheSize = 1024

// Server is the dynamic TLS listener.
type Server struct {
	ca      cert.CA
	handler http.Handler

	hostCtx *hostContext

	httpSrv *http.Server
}

// Args configures a new Server.
type Args struct {
	CA cert.CA

	// Handler processes the decrypted HTTP requests this server
	// terminates TLS for. In production it is the request engine (C7)
	// wrapped in the WebSocket upgrade splice (internal/wsupgrade); tests
	// may substitute a stub.
	Handler http.Handler

	// HostContextCacheSize bounds the number of cached per-host leaf
	// certificates. Defaults to defaultHostContextCacheSize.
	HostContextCacheSize int
}

// New builds a Server. It does not start listening; call Serve.
func New(args Args) *Server {
	cacheSize := args.HostContextCacheSize
	if cacheSize <= 0 {
		cacheSize = defaultHostContextCacheSize
	}

	s := &Server{
		ca:      args.CA,
		handler: args.Handler,
		hostCtx: newHostContext(args.CA, cacheSize),
	}

	s.httpSrv = &http.Server{Handler: args.Handler}
	if err := http2.ConfigureServer(s.httpSrv, &http2.Server{}); err != nil {
		// ConfigureServer only fails on a misconfigured base *http.Server
		// (e.g. a TLSConfig whose cipher suites exclude the one HTTP/2
		// requires), which cannot happen for a server we just
		// constructed with no TLSConfig at all.
		panic(fmt.Sprintf("dynamictls: configuring http2 support: %v", err))
	}

	return s
}

// Serve accepts loopback TLS connections on ln, terminating each one
// using a certificate minted for its SNI host, and dispatches the
// resulting HTTP/1.1 or HTTP/2 stream to the configured Handler. It
// blocks until ln is closed.
func (s *Server) Serve(ln net.Listener) error {
	tlsConfig := &tls.Config{
		GetConfigForClient: s.getConfigForClient,
	}
	return s.httpSrv.Serve(tls.NewListener(ln, tlsConfig))
}

// Shutdown gracefully stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) getConfigForClient(chi *tls.ClientHelloInfo) (*tls.Config, error) {
	leaf, err := s.hostCtx.certFor(chi.ServerName)
	if err != nil {
		slog.Error("dynamictls: failed to mint certificate", "host", chi.ServerName, "error", err)
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*leaf},
		NextProtos:   []string{"h2", "http/1.1"},
	}, nil
}

// hostContext caches minted leaf certificates per SNI host, bounded by
// an LRU so an attacker feeding the proxy unbounded distinct SNI names
// cannot grow memory without limit. singleflight collapses concurrent
// first-sight requests for the same host into a single signing call.
type hostContext struct {
	ca    cert.CA
	cache *lru.Cache
	group singleflight.Group
	mu    sync.Mutex
}

func newHostContext(ca cert.CA, size int) *hostContext {
	return &hostContext{
		ca:    ca,
		cache: lru.New(size),
	}
}

func (h *hostContext) certFor(host string) (*tls.Certificate, error) {
	h.mu.Lock()
	if v, ok := h.cache.Get(host); ok {
		h.mu.Unlock()
		return v.(*tls.Certificate), nil
	}
	h.mu.Unlock()

	v, err := h.group.Do(host, func() (any, error) {
		leaf, err := h.ca.GetCert(host)
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.cache.Add(host, leaf)
		h.mu.Unlock()
		return leaf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}
