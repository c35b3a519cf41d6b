// Package wsupgrade implements the transparent WebSocket splice named by
// spec.md §9's Open Question on WebSocket handling. Once a request is
// classified as a WebSocket upgrade, its frames are never parsed or rewritten
// by the patcher: this package hijacks the client connection, dials the
// origin, replays the upgrade request verbatim, and splices the two raw byte
// streams together.
//
// The same Handler serves both WebSocket paths spec.md names: WebSocket
// upgrades arriving over a decrypted wss tunnel on the dynamic TLS server
// (C5), and plain ws:// upgrades arriving on the cleartext CONNECT engine
// (C6). Both wrap the request engine (C7) with this middleware; neither path
// needs its own splice logic.
package wsupgrade

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/patchwire/mitmgate/internal/helper"
	"github.com/patchwire/mitmgate/proxy/internal/upstream"
)

// IsUpgrade reports whether req is a WebSocket upgrade request, per the
// Connection/Upgrade header checks in RFC 6455 section 4.2.1.
func IsUpgrade(req *http.Request) bool {
	return websocket.IsWebSocketUpgrade(req)
}

// Handler wraps an http.Handler. Requests that are not WebSocket upgrades
// pass straight through to the wrapped handler unchanged. Upgrade requests
// are hijacked and spliced directly to the origin instead.
type Handler struct {
	next               http.Handler
	upstreamManager    *upstream.Manager
	insecureSkipVerify bool
}

// New builds a Handler. next receives every non-upgrade request unchanged.
func New(next http.Handler, upstreamManager *upstream.Manager, insecureSkipVerify bool) *Handler {
	return &Handler{
		next:               next,
		upstreamManager:    upstreamManager,
		insecureSkipVerify: insecureSkipVerify,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(res http.ResponseWriter, req *http.Request) {
	if !IsUpgrade(req) {
		h.next.ServeHTTP(res, req)
		return
	}

	logger := slog.With("in", "wsupgrade.Handler.ServeHTTP", "host", req.Host)

	hijacker, ok := res.(http.Hijacker)
	if !ok {
		logger.Error("response writer does not support hijacking")
		res.WriteHeader(http.StatusBadGateway)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		logger.Error("hijack failed", "error", err)
		return
	}
	defer clientConn.Close()

	upstreamConn, err := h.dial(req.Context(), req)
	if err != nil {
		logger.Error("dial upstream failed", "error", err)
		return
	}
	defer upstreamConn.Close()

	if err := replayUpgrade(upstreamConn, req); err != nil {
		logger.Error("replay upgrade request failed", "error", err)
		return
	}

	Splice(logger, upstreamConn, clientConn)
}

// dial connects to the WebSocket origin named by req, over TLS when req
// arrived over one (req.TLS set by the dynamic TLS server) or plainly
// otherwise.
func (h *Handler) dial(ctx context.Context, req *http.Request) (net.Conn, error) {
	dialReq := &http.Request{URL: req.URL, Host: req.Host}
	if dialReq.URL == nil {
		dialReq.URL = &url.URL{}
	}
	if dialReq.URL.Host == "" {
		dialReq.URL.Host = req.Host
	}

	if req.TLS == nil {
		return h.upstreamManager.GetUpstreamConn(ctx, dialReq)
	}

	if dialReq.URL.Scheme == "" {
		dialReq.URL.Scheme = "https"
	}
	rawConn, err := h.upstreamManager.GetUpstreamConn(ctx, dialReq)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(rawConn, &tls.Config{
		InsecureSkipVerify: h.insecureSkipVerify,
		ServerName:         req.URL.Hostname(),
		KeyLogWriter:       helper.GetTLSKeyLogWriter(),
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("TLS handshake with origin: %w", err)
	}
	return tlsConn, nil
}

// replayUpgrade writes req's request line and headers (an upgrade request
// never carries a body worth preserving) to upstream, so the origin sees the
// same handshake the client sent.
func replayUpgrade(upstream net.Conn, req *http.Request) error {
	buf, err := httputil.DumpRequest(req, false)
	if err != nil {
		return err
	}
	_, err = upstream.Write(buf)
	return err
}

// Splice bidirectionally copies raw bytes between upstream and client until
// either side closes or errors. WebSocket frames are never parsed; this is a
// byte-level passthrough, same as the plain CONNECT tunnel (C6).
func Splice(logger *slog.Logger, upstream, client io.ReadWriteCloser) {
	done := make(chan struct{})
	defer close(done)

	errChan := make(chan error, 2)
	go func() {
		_, err := io.Copy(upstream, client)
		client.Close()
		select {
		case <-done:
		case errChan <- err:
		}
	}()
	go func() {
		_, err := io.Copy(client, upstream)
		upstream.Close()
		select {
		case <-done:
		case errChan <- err:
		}
	}()

	for i := 0; i < 2; i++ {
		if err := <-errChan; err != nil {
			logger.Debug("splice ended", "error", err)
			return
		}
	}
}
