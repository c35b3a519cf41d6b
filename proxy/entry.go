// Package proxy implements the MITM HTTP/HTTPS proxy server: the CONNECT
// engine (spec.md §4.6, C6) and the proxy entrypoint (spec.md §4.8, C8).
//
// This file (entry.go) is the HTTP server entry point and CONNECT tunnel
// router. Plain HTTP requests and decrypted HTTPS requests are handed off
// to the request engine (internal/engine, C7); entry owns only what's
// specific to accepting connections and classifying CONNECT tunnels.
package proxy

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/patchwire/mitmgate/internal/helper"
	"github.com/patchwire/mitmgate/internal/wsupgrade"
	"github.com/patchwire/mitmgate/patcher"
	"github.com/patchwire/mitmgate/proxy/internal/conn"
	"github.com/patchwire/mitmgate/proxy/internal/proxycontext"
)

// wrapListener wraps a TCP listener to attach per-connection proxy state
// (conn.Context) to each accepted client connection and to fire the
// ClientConnected addon event.
type wrapListener struct {
	net.Listener
	proxy *Proxy
}

func (l *wrapListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	proxy := l.proxy
	wc := conn.NewWrapClientConn(c, proxy)

	clientConn := conn.NewClientConn(wc)
	clientConn.CloseChan = wc.CloseChan
	connCtx := conn.NewContext(clientConn)
	wc.ConnCtx = connCtx

	for _, addon := range proxy.addonRegistry.Get() {
		addon.ClientConnected(connCtx.ClientConn)
	}

	return wc, nil
}

// entry is the HTTP server entry point for P_main: it implements
// http.Handler and routes each request to the CONNECT engine, the
// WebSocket splice, or the request engine.
type entry struct {
	proxy  *Proxy
	server *http.Server

	// handler serves every non-CONNECT request: a wsupgrade.Handler
	// wrapping the request engine, shared with P_dyn so both listeners
	// run identical request handling once past the CONNECT/TLS layer.
	handler http.Handler
}

func newEntry(proxy *Proxy, handler http.Handler) *entry {
	e := &entry{proxy: proxy, handler: handler}
	e.server = &http.Server{
		Addr:    proxy.config.Addr,
		Handler: e,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			if wc, ok := c.(*conn.WrapClientConn); ok {
				return proxycontext.WithConnContext(ctx, wc.ConnCtx)
			}
			return ctx
		},
	}
	return e
}

// start binds P_main and serves it in the background, returning the
// bound listener so the caller can learn its loopback-dialable address.
func (e *entry) start() (net.Listener, error) {
	addr := e.server.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	slog.Info("proxy listening", "addr", ln.Addr().String())
	pln := &wrapListener{Listener: ln, proxy: e.proxy}
	go func() {
		if err := e.server.Serve(pln); err != nil && err != http.ErrServerClosed {
			slog.Error("proxy entry serve failed", "error", err)
		}
	}()
	return ln, nil
}

func (e *entry) close() error {
	return e.server.Close()
}

func (e *entry) shutdown(ctx context.Context) error {
	return e.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler and is the router for every request
// accepted on P_main.
func (e *entry) ServeHTTP(res http.ResponseWriter, req *http.Request) {
	proxy := e.proxy

	if proxy.authProxy != nil {
		ok, err := proxy.authProxy(res, req)
		if !ok {
			slog.Error("proxy authentication failed", "error", err)
			httpError(res, "", http.StatusProxyAuthRequired)
			return
		}
	}

	if req.Method == http.MethodConnect {
		e.handleConnect(res, req)
		return
	}

	if !req.URL.IsAbs() || req.URL.Host == "" {
		if wsupgrade.IsUpgrade(req) {
			// A WebSocket-over-cleartext tunnel, re-dispatched here by
			// the CONNECT engine (spec.md §4.6 step 7): the request
			// line is origin-form, so borrow the Host header the way
			// the dynamic TLS server does for decrypted HTTPS.
			req.URL.Scheme = "http"
			req.URL.Host = req.Host
		} else {
			res = helper.NewResponseCheck(res)
			for _, addon := range proxy.addonRegistry.Get() {
				addon.AccessProxyServer(req, res)
			}
			if rc, ok := res.(*helper.ResponseCheck); ok && !rc.Wrote {
				rc.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(rc, "This is a proxy server, direct requests are not allowed")
			}
			return
		}
	}

	e.handler.ServeHTTP(res, req)
}

// hijackedConn composes a CONNECT tunnel's hijacked net.Conn with the
// buffered reader Hijack returns alongside it, so bytes the stdlib HTTP
// server already read off the wire while parsing the CONNECT request
// are not lost, and the 3-byte classification peek (spec.md §4.6 step 4)
// never consumes bytes the downstream splice still needs to see.
type hijackedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *hijackedConn) Peek(n int) ([]byte, error) { return c.r.Peek(n) }
func (c *hijackedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// hijack takes over the raw client socket from the stdlib HTTP server,
// preserving any bytes it already buffered while parsing the CONNECT
// request line.
func hijack(res http.ResponseWriter, logger *slog.Logger) (*hijackedConn, bool) {
	hijacker, ok := res.(http.Hijacker)
	if !ok {
		logger.Error("response writer does not support hijacking")
		res.WriteHeader(http.StatusBadGateway)
		return nil, false
	}
	rawConn, brw, err := hijacker.Hijack()
	if err != nil {
		logger.Error("hijack failed", "error", err)
		return nil, false
	}
	return &hijackedConn{Conn: rawConn, r: brw.Reader}, true
}

// isTLSClientHello classifies a 3-byte CONNECT tunnel head as a TLS
// ClientHello record (spec.md §4.6 step 5). The upper bound on the
// record-layer minor version (<0x06) is deliberately looser than
// internal/helper.IsTLS's own check (<=0x03): that helper classifies an
// already-known-HTTPS dial target, while this one is the sole signal
// deciding whether a CONNECT tunnel's payload is TLS at all.
func isTLSClientHello(head []byte) bool {
	return len(head) >= 3 && head[0] == 0x16 && head[1] == 0x03 && head[2] < 0x06
}

// splitConnectTarget parses a CONNECT request's authority into host and
// port (spec.md §4.6 step 1), defaulting to port 443 when none is given.
// net.SplitHostPort already understands bracketed IPv6 literals, so they
// are never mishandled the way a naive strings.Split(":") would mangle
// them.
func splitConnectTarget(hostPort string) (host, port string) {
	h, p, err := net.SplitHostPort(hostPort)
	if err != nil {
		return hostPort, "443"
	}
	return h, p
}

// handleConnect implements the CONNECT engine (spec.md §4.6, C6).
func (e *entry) handleConnect(res http.ResponseWriter, req *http.Request) {
	proxy := e.proxy
	logger := slog.Default().With("in", "proxy.entry.handleConnect", "host", req.Host)

	host, port := splitConnectTarget(req.Host)
	hostPort := net.JoinHostPort(host, port)

	if proxy.shouldIntercept != nil && !proxy.shouldIntercept(req) {
		client, ok := hijack(res, logger)
		if !ok {
			return
		}
		defer client.Close()
		e.pipeConnect(req.Context(), logger, client, hostPort)
		return
	}

	id := proxy.ids.Next()
	decision := proxy.patcher.OnConnect(req.Context(), hostPort, id)

	client, ok := hijack(res, logger)
	if !ok {
		return
	}
	defer client.Close()

	switch decision.Kind {
	case patcher.Deny:
		return
	case patcher.Pipe:
		e.pipeConnect(req.Context(), logger, client, hostPort)
		return
	case patcher.Allow:
		// fall through to classify
	default:
		logger.Error("fatal: unexpected OnConnect decision kind", "kind", decision.Kind)
		return
	}

	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		logger.Debug("write 200 Connection Established failed", "error", err)
		return
	}

	head, err := client.Peek(3)
	if err != nil {
		logger.Debug("peek classification bytes failed", "error", err)
		return
	}

	connCtx, ok := proxycontext.GetConnContext(req.Context())
	if !ok {
		panic("failed to get ConnContext from request context")
	}

	if isTLSClientHello(head) {
		connCtx.ClientConn.TLS = true
		e.dispatchLoopback(req.Context(), logger, client, proxy.dynLoopbackAddr())
		return
	}
	e.dispatchLoopback(req.Context(), logger, client, proxy.mainLoopbackAddr())
}

// pipeConnect implements the OnConnect Pipe decision: an opaque byte
// tunnel to hostPort. No 200 Connection Established is owed to the
// client here; the patcher chose not to intercept at all, so the core
// never pretends to have established a CONNECT tunnel itself.
func (e *entry) pipeConnect(ctx context.Context, logger *slog.Logger, client *hijackedConn, hostPort string) {
	dialer := &net.Dialer{Timeout: e.proxy.config.DialTimeout}
	upstreamConn, err := dialer.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		logger.Error("pipe dial failed", "target", hostPort, "error", err)
		return
	}
	defer upstreamConn.Close()

	transfer(logger, upstreamConn, client)
}

// dispatchLoopback splices client to a loopback connection on either
// P_dyn (TLS-classified traffic) or P_main (WebSocket-over-cleartext
// traffic), per spec.md §4.6 steps 6-7. The 3 peeked classification
// bytes are replayed automatically: Peek never consumed them, so the
// splice's first read from client sees them again.
func (e *entry) dispatchLoopback(ctx context.Context, logger *slog.Logger, client *hijackedConn, loopbackAddr string) {
	dialer := &net.Dialer{Timeout: e.proxy.config.DialTimeout}
	loopConn, err := dialer.DialContext(ctx, "tcp", loopbackAddr)
	if err != nil {
		logger.Error("loopback dial failed", "addr", loopbackAddr, "error", err)
		return
	}
	defer loopConn.Close()
	transfer(logger, loopConn, client)
}
