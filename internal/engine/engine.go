// Package engine is the request engine (spec.md §4.7, C7): it drives one
// HTTP transaction from a decoded client request through the Patcher's
// hooks to the origin server and back, decompressing text bodies before
// the text hook sees them. Bodies are never recompressed: a decoded text
// response is forwarded with Content-Encoding: identity.
//
// Engine is plugged in as the http.Handler for both the plaintext CONNECT
// path (C6) and the dynamic TLS server (C5); it does not know or care
// which one handed it a given request.
package engine

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/patchwire/mitmgate/internal/helper"
	"github.com/patchwire/mitmgate/internal/mime"
	"github.com/patchwire/mitmgate/internal/reqid"
	"github.com/patchwire/mitmgate/patcher"
	"github.com/patchwire/mitmgate/proxy/internal/conn"
	"github.com/patchwire/mitmgate/proxy/internal/proxycontext"
	"github.com/patchwire/mitmgate/proxy/internal/upstream"
)

// Args configures a new Engine.
type Args struct {
	Patcher patcher.Patcher

	UpstreamManager *upstream.Manager

	// StreamLargeBodies is the body size cap, in bytes. A request or
	// response body of this many bytes or more is not buffered or handed
	// to the patcher; the transaction is answered with 502 Bad Gateway
	// instead (see bufferBody).
	StreamLargeBodies int64

	// InsecureSkipVerify disables certificate verification when dialing
	// origin servers over TLS.
	InsecureSkipVerify bool

	// ClientFactory builds the http.Client used per origin connection.
	// DefaultClientFactory is used when nil.
	ClientFactory ClientFactory

	// IDs mints the transaction IDs handed to the patcher. A fresh
	// Source is created when nil.
	IDs *reqid.Source
}

// Engine is the C7 request engine.
type Engine struct {
	patcher            patcher.Patcher
	upstreamManager    *upstream.Manager
	streamLargeBodies  int64
	insecureSkipVerify bool
	clientFactory      ClientFactory
	ids                *reqid.Source
	mainClient         *http.Client
}

// New builds an Engine from args.
func New(args Args) *Engine {
	clientFactory := args.ClientFactory
	if clientFactory == nil {
		clientFactory = NewDefaultClientFactory()
	}
	ids := args.IDs
	if ids == nil {
		ids = reqid.New()
	}

	e := &Engine{
		patcher:            args.Patcher,
		upstreamManager:    args.UpstreamManager,
		streamLargeBodies:  args.StreamLargeBodies,
		insecureSkipVerify: args.InsecureSkipVerify,
		clientFactory:      clientFactory,
		ids:                ids,
	}
	e.mainClient = e.clientFactory.CreateMainClient(e.upstreamManager, e.insecureSkipVerify)
	return e
}

// ServeHTTP implements http.Handler. It is the entry point both for
// plaintext HTTP requests accepted on the CONNECT-less path and for
// decrypted requests handed over by the dynamic TLS server.
func (e *Engine) ServeHTTP(res http.ResponseWriter, req *http.Request) {
	if req.URL.Scheme == "" {
		req.URL.Scheme = "https"
	}
	if req.URL.Host == "" {
		req.URL.Host = req.Host
	}

	logger := slog.With("in", "engine.Handle", "method", req.Method, "url", req.URL.String())

	id := e.ids.Next()
	if connCtx, ok := proxycontext.GetConnContext(req.Context()); ok {
		connCtx.FlowCount.Inc()
	}
	txn := &patcher.Transaction{
		ID:      id,
		Referer: req.Header.Get("Referer"),
		URL:     req.URL,
		Method:  req.Method,
		Header:  req.Header,
	}

	body, ok := e.bufferBody(req.Body, logger)
	if !ok {
		res.WriteHeader(http.StatusBadGateway)
		return
	}
	txn.Body = body

	decision, rewrittenBody := e.patcher.OnRequest(req.Context(), txn)
	if rewrittenBody != nil {
		txn.Body = rewrittenBody
	}

	// Unconditionally request a decompressible encoding from the origin,
	// regardless of what the decision does next, so a later Allow/Redirect
	// always yields a body runResponsePatcher can decode.
	acceptHeader := txn.Header.Get("Accept")
	txn.Header.Set("Accept-Encoding", "gzip, deflate")

	switch decision.Kind {
	case patcher.Deny:
		// Abort the transaction without a reply: the client socket is
		// destroyed, not answered. net/http recovers this panic, logs
		// nothing, and closes the connection without writing a status
		// line.
		panic(http.ErrAbortHandler)
	case patcher.Empty:
		writeDecision(res, e.withDefaultHeaders(decision, acceptHeader), http.StatusOK)
		return
	case patcher.Redirect:
		if decision.Location == "" {
			writeDecision(res, e.withDefaultHeaders(decision, acceptHeader), http.StatusOK)
			return
		}
		rewritten, err := req.URL.Parse(decision.Location)
		if err != nil {
			logger.Error("redirect decision has invalid location", "location", decision.Location, "error", err)
			res.WriteHeader(http.StatusBadGateway)
			return
		}
		txn.URL = rewritten
	case patcher.Allow:
		// proceed to the origin with the (possibly rewritten) body
	default:
		panic(fmt.Sprintf("engine: unexpected OnRequest decision kind %d", decision.Kind))
	}

	proxyRes, err := e.forward(req, txn)
	if err != nil {
		logger.Error("forward request failed", "error", err)
		res.WriteHeader(http.StatusBadGateway)
		return
	}
	defer proxyRes.Body.Close()

	txn.StatusCode = proxyRes.StatusCode
	txn.ResponseHeader = proxyRes.Header

	rawBody, ok := e.bufferBody(proxyRes.Body, logger)
	if !ok {
		res.WriteHeader(http.StatusBadGateway)
		return
	}
	txn.ResponseBody = rawBody

	baseType := mime.BaseType(proxyRes.Header.Get("Content-Type"))
	txn.IsText = mime.IsText(baseType)

	finalBody, finalHeader := e.runResponsePatcher(req.Context(), txn, rawBody, proxyRes.Header, logger)
	// The origin's cert pins are meaningless once we've substituted our own
	// leaf certificate; forwarding them would make the client refuse every
	// future connection to this host.
	finalHeader.Del("Public-Key-Pins")
	// The patcher hooks may have changed the body length (rewriting text,
	// or returning a differently-sized binary body); always resync
	// Content-Length to what is actually about to be written.
	finalHeader.Set("Content-Length", fmt.Sprintf("%d", len(finalBody)))

	for key, values := range finalHeader {
		for _, v := range values {
			res.Header().Add(key, v)
		}
	}
	res.WriteHeader(proxyRes.StatusCode)
	if len(finalBody) > 0 {
		if _, err := res.Write(finalBody); err != nil {
			logger.Error("write response body", "error", err)
		}
	}
}

// runResponsePatcher decompresses a text response, calls OnTextResponse
// with the plaintext, and normalizes Content-Encoding in the returned
// header set since the body handed back is no longer compressed. Binary
// responses are handed to OnOtherResponse untouched. ServeHTTP resyncs
// Content-Length against the final body itself, for both paths, once
// this returns.
func (e *Engine) runResponsePatcher(ctx context.Context, txn *patcher.Transaction, rawBody []byte, header http.Header, logger *slog.Logger) ([]byte, http.Header) {
	if !txn.IsText {
		out := e.patcher.OnOtherResponse(ctx, txn, rawBody)
		if out == nil {
			out = rawBody
		}
		return out, header.Clone()
	}

	decoded, err := patcher.DecodedBody(rawBody, strings.ToLower(header.Get("Content-Encoding")))
	if err != nil {
		logger.Warn("failed to decode text response, passing through raw", "error", err)
		out := e.patcher.OnOtherResponse(ctx, txn, rawBody)
		if out == nil {
			out = rawBody
		}
		return out, header.Clone()
	}

	out := e.patcher.OnTextResponse(ctx, txn, string(decoded))
	if out == nil {
		out = decoded
	}

	outHeader := header.Clone()
	// The body handed back is decoded plaintext; tell the client so,
	// rather than leaving behind a Content-Encoding that no longer
	// describes what's on the wire.
	outHeader.Set("Content-Encoding", "identity")
	return out, outHeader
}

// withDefaultHeaders fills in d.Headers when the patcher left it nil: a
// Content-Type negotiated from the client's original Accept header (falling
// back to text/html instead of a bare wildcard), plus a fixed
// "Server: Apache/2.4.7 (Ubuntu)" header.
func (e *Engine) withDefaultHeaders(d patcher.Decision, acceptHeader string) patcher.Decision {
	if d.Headers != nil {
		return d
	}
	d.Headers = http.Header{
		"Content-Type": []string{mime.ParseAcceptedType(acceptHeader, "text/html", true)},
		"Server":       []string{"Apache/2.4.7 (Ubuntu)"},
	}
	return d
}

func writeDecision(res http.ResponseWriter, d patcher.Decision, status int) {
	for key, values := range d.Headers {
		for _, v := range values {
			res.Header().Add(key, v)
		}
	}
	res.WriteHeader(status)
	if d.Text != "" {
		_, _ = io.WriteString(res, d.Text)
	}
}

// bufferBody reads r up to streamLargeBodies bytes. Oversized bodies are
// rejected rather than silently truncated or streamed past the patcher,
// since spec.md treats the patcher as authoritative over every byte it is
// handed.
func (e *Engine) bufferBody(r io.Reader, logger *slog.Logger) ([]byte, bool) {
	if r == nil {
		return nil, true
	}
	buf, rest, err := helper.ReaderToBuffer(r, e.streamLargeBodies)
	if err != nil {
		logger.Error("failed to buffer body", "error", err)
		return nil, false
	}
	if buf == nil {
		logger.Warn("body exceeds size cap, rejecting", "cap", e.streamLargeBodies)
		_, _ = io.Copy(io.Discard, rest)
		return nil, false
	}
	return buf, true
}

// forward sends txn to its origin, reusing a cached connection for this
// client connection where possible (internal/conn.Context, threaded
// through the request context by the listener that owns this Engine).
func (e *Engine) forward(req *http.Request, txn *patcher.Transaction) (*http.Response, error) {
	proxyReq, err := http.NewRequestWithContext(proxycontext.WithProxyRequest(req.Context(), req), txn.Method, txn.URL.String(), bytes.NewReader(txn.Body))
	if err != nil {
		return nil, fmt.Errorf("build origin request: %w", err)
	}
	for key, values := range txn.Header {
		for _, v := range values {
			proxyReq.Header.Add(key, v)
		}
	}

	client, err := e.clientFor(req, txn)
	if err != nil {
		return nil, fmt.Errorf("dial origin: %w", err)
	}
	txn.Agent = client

	return client.Do(proxyReq)
}

// clientFor returns the http.Client to use for txn, reusing a
// previously-dialed connection for this client connection when the
// target host/scheme still matches, otherwise falling back to the
// general-purpose client.
func (e *Engine) clientFor(req *http.Request, txn *patcher.Transaction) (*http.Client, error) {
	connCtx, ok := proxycontext.GetConnContext(req.Context())
	if !ok {
		return e.mainClient, nil
	}

	addr := helper.CanonicalAddr(txn.URL)
	if connCtx.ServerConn != nil && connCtx.ServerConn.Address == addr {
		return connCtx.ServerConn.Client, nil
	}

	if connCtx.ClientConn != nil && connCtx.ClientConn.TLS && txn.URL.Scheme != "https" {
		// The request was rewritten onto a different host/scheme than
		// the connection it arrived on; don't reuse a TLS-origin conn
		// for a plaintext target.
		return e.mainClient, nil
	}

	client, serverConn, err := e.dial(req.Context(), txn)
	if err != nil {
		return nil, err
	}
	connCtx.ServerConn = serverConn
	return client, nil
}

func (e *Engine) dial(ctx context.Context, txn *patcher.Transaction) (*http.Client, *conn.ServerConn, error) {
	addr := helper.CanonicalAddr(txn.URL)
	rawReq := &http.Request{URL: txn.URL, Host: txn.URL.Host}

	rawConn, err := e.upstreamManager.GetUpstreamConn(ctx, rawReq)
	if err != nil {
		return nil, nil, err
	}

	serverConn := conn.NewServerConn()
	serverConn.Address = addr

	if txn.URL.Scheme != "https" {
		serverConn.Conn = rawConn
		client := e.clientFactory.CreatePlainHTTPClient(rawConn)
		serverConn.Client = client
		return client, serverConn, nil
	}

	tlsConn := tls.Client(rawConn, &tls.Config{
		InsecureSkipVerify: e.insecureSkipVerify,
		ServerName:         txn.URL.Hostname(),
		NextProtos:         []string{"h2", "http/1.1"},
		KeyLogWriter:       helper.GetTLSKeyLogWriter(),
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, nil, fmt.Errorf("TLS handshake with origin: %w", err)
	}
	serverConn.Conn = tlsConn
	serverConn.TLSConn = tlsConn
	tlsState := tlsConn.ConnectionState()
	serverConn.TLSState = &tlsState

	var client *http.Client
	if tlsState.NegotiatedProtocol == "h2" {
		client = e.clientFactory.CreateHTTP2Client(tlsConn)
	} else {
		client = e.clientFactory.CreateHTTPSClient(tlsConn)
	}
	serverConn.Client = client
	return client, serverConn, nil
}
