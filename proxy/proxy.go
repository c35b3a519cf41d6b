package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/patchwire/mitmgate/cert"
	"github.com/patchwire/mitmgate/internal/dynamictls"
	"github.com/patchwire/mitmgate/internal/engine"
	"github.com/patchwire/mitmgate/internal/reqid"
	"github.com/patchwire/mitmgate/internal/wsupgrade"
	"github.com/patchwire/mitmgate/patcher"
	"github.com/patchwire/mitmgate/proxy/internal/addonregistry"
	"github.com/patchwire/mitmgate/proxy/internal/conn"
	"github.com/patchwire/mitmgate/proxy/internal/upstream"
	"github.com/patchwire/mitmgate/version"
)

// Proxy is the proxy entrypoint (spec.md §4.8, C8): it owns the CONNECT
// engine's listener (P_main), the dynamic TLS server's listener (P_dyn),
// and the request engine (C7) both listeners hand decrypted/plain
// requests to.
type Proxy struct {
	Version string

	config          Config
	addonRegistry   *addonregistry.Registry
	upstreamManager *upstream.Manager
	ca              cert.CA
	patcher         patcher.Patcher
	ids             *reqid.Source

	engine    *engine.Engine
	dynServer *dynamictls.Server
	entry     *entry

	shouldIntercept func(req *http.Request) bool
	authProxy       func(res http.ResponseWriter, req *http.Request) (bool, error)

	mu     sync.RWMutex
	mainLn net.Listener
	dynLn  net.Listener
}

// NewProxy creates a new Proxy with the given configuration, root CA, and
// patcher. It does not bind any listeners; call Start.
func NewProxy(config Config, ca cert.CA, p patcher.Patcher) (*Proxy, error) {
	config = config.withDefaults()

	addonRegistry := addonregistry.New()
	upstreamManager := upstream.NewManager(config.Upstream, config.InsecureSkipVerify)
	ids := reqid.New()

	eng := engine.New(engine.Args{
		Patcher:            p,
		UpstreamManager:    upstreamManager,
		StreamLargeBodies:  config.StreamLargeBodies,
		InsecureSkipVerify: config.InsecureSkipVerify,
		ClientFactory:      config.ClientFactory,
		IDs:                ids,
	})

	handler := wsupgrade.New(eng, upstreamManager, config.InsecureSkipVerify)

	dynServer := dynamictls.New(dynamictls.Args{
		CA:                   ca,
		Handler:              handler,
		HostContextCacheSize: config.HostContextCacheSize,
	})

	proxy := &Proxy{
		Version:         version.Version,
		config:          config,
		addonRegistry:   addonRegistry,
		upstreamManager: upstreamManager,
		ca:              ca,
		patcher:         p,
		ids:             ids,
		engine:          eng,
		dynServer:       dynServer,
	}

	proxy.entry = newEntry(proxy, handler)

	return proxy, nil
}

// AddAddon registers an ambient connection-lifecycle observer.
func (p *Proxy) AddAddon(addon Addon) {
	p.addonRegistry.Add(addon)
}

// Start initializes the root CA, binds P_dyn and P_main, and begins
// serving both. It returns once both listeners are bound; serving
// happens in background goroutines.
func (p *Proxy) Start() error {
	if err := p.ca.Init(context.Background()); err != nil {
		return fmt.Errorf("init CA: %w", err)
	}

	dynLn, err := net.Listen("tcp", p.config.DynAddr)
	if err != nil {
		return fmt.Errorf("bind dynamic TLS listener: %w", err)
	}
	if !isLoopback(dynLn.Addr()) {
		dynLn.Close()
		return fmt.Errorf("dynamic TLS listener %s is not loopback-only", dynLn.Addr())
	}
	p.mu.Lock()
	p.dynLn = dynLn
	p.mu.Unlock()

	go func() {
		if err := p.dynServer.Serve(dynLn); err != nil && err != http.ErrServerClosed {
			slog.Error("dynamic TLS server failed", "error", err)
		}
	}()

	mainLn, err := p.entry.start()
	if err != nil {
		dynLn.Close()
		return fmt.Errorf("bind main listener: %w", err)
	}
	p.mu.Lock()
	p.mainLn = mainLn
	p.mu.Unlock()

	return nil
}

func isLoopback(addr net.Addr) bool {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	return tcpAddr.IP.IsLoopback()
}

// mainLoopbackAddr returns a loopback-dialable address for P_main, used
// by the CONNECT engine's WebSocket-over-cleartext dispatch (spec.md
// §4.6 step 7).
func (p *Proxy) mainLoopbackAddr() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return loopbackDialAddr(p.mainLn)
}

// dynLoopbackAddr returns a loopback-dialable address for P_dyn, used by
// the CONNECT engine's TLS dispatch (spec.md §4.6 step 6).
func (p *Proxy) dynLoopbackAddr() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return loopbackDialAddr(p.dynLn)
}

func loopbackDialAddr(ln net.Listener) string {
	if ln == nil {
		return ""
	}
	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return ln.Addr().String()
	}
	return net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", tcpAddr.Port))
}

// Close immediately stops both listeners.
func (p *Proxy) Close() error {
	err := p.entry.close()
	p.mu.RLock()
	dynLn := p.dynLn
	p.mu.RUnlock()
	if dynLn != nil {
		if dErr := dynLn.Close(); dErr != nil && err == nil {
			err = dErr
		}
	}
	return err
}

// Shutdown gracefully stops both listeners, waiting for in-flight
// requests up to ctx's deadline.
func (p *Proxy) Shutdown(ctx context.Context) error {
	err := p.entry.shutdown(ctx)
	if dErr := p.dynServer.Shutdown(ctx); dErr != nil && err == nil {
		err = dErr
	}
	return err
}

// GetCertificate returns the root CA certificate clients must trust.
func (p *Proxy) GetCertificate() x509.Certificate {
	return *p.ca.GetRootCA()
}

// GetCertificateByCN mints (or returns a cached) leaf certificate for
// commonName.
func (p *Proxy) GetCertificateByCN(commonName string) (*tls.Certificate, error) {
	return p.ca.GetCert(commonName)
}

// SetShouldInterceptRule installs a static pre-patcher host rule: when
// it returns false for a CONNECT request, spec.md's MITM interception is
// bypassed entirely in favor of an opaque tunnel, before the patcher's
// OnConnect is ever consulted.
func (p *Proxy) SetShouldInterceptRule(rule func(req *http.Request) bool) {
	p.shouldIntercept = rule
}

// SetUpstreamProxy installs a per-request upstream forward-proxy
// resolver, overriding Config.Upstream and the environment.
func (p *Proxy) SetUpstreamProxy(fn func(req *http.Request) (*url.URL, error)) {
	p.upstreamManager.SetUpstreamProxy(fn)
}

// SetAuthProxy installs basic proxy-client authentication, checked
// before any request (CONNECT or plain) is processed.
func (p *Proxy) SetAuthProxy(fn func(res http.ResponseWriter, req *http.Request) (bool, error)) {
	p.authProxy = fn
}

// NotifyClientDisconnected implements conn.AddonNotifier.
func (p *Proxy) NotifyClientDisconnected(clientConn *conn.ClientConn) {
	for _, addon := range p.addonRegistry.Get() {
		addon.ClientDisconnected(clientConn)
	}
}

// NotifyServerDisconnected implements conn.AddonNotifier.
func (p *Proxy) NotifyServerDisconnected(connCtx *conn.Context) {
	for _, addon := range p.addonRegistry.Get() {
		addon.ServerDisconnected(connCtx)
	}
}
