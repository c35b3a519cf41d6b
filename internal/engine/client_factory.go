package engine

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/http2"

	"github.com/patchwire/mitmgate/internal/helper"
)

// UpstreamManager resolves the upstream (forward) proxy, if any, that a
// request should be routed through.
type UpstreamManager interface {
	RealUpstreamProxy() func(*http.Request) (*url.URL, error)
}

// ClientFactory builds the http.Client used to forward a transaction to
// its origin server. Each strategy exists for a different connection
// shape; see the Default implementation below.
type ClientFactory interface {
	// CreateMainClient builds the general-purpose client used whenever a
	// request's effective host/scheme no longer matches the connection it
	// arrived on (e.g. after a Redirect decision rewrote the URL). It
	// dials fresh connections itself and honors any configured upstream
	// proxy.
	CreateMainClient(upstreamManager UpstreamManager, insecureSkipVerify bool) *http.Client

	// CreateHTTP2Client builds a client that reuses an already-negotiated
	// HTTP/2 TLS connection to the origin.
	CreateHTTP2Client(tlsConn *tls.Conn) *http.Client

	// CreatePlainHTTPClient builds a client that reuses an already-dialed
	// plain TCP connection to the origin (keep-alive across requests on
	// the same client connection).
	CreatePlainHTTPClient(conn net.Conn) *http.Client

	// CreateHTTPSClient builds a client that reuses an already-established
	// (non-HTTP/2) TLS connection to the origin.
	CreateHTTPSClient(tlsConn *tls.Conn) *http.Client
}

// DefaultClientFactory is the ClientFactory used when none is supplied.
type DefaultClientFactory struct{}

// NewDefaultClientFactory returns the default client factory.
func NewDefaultClientFactory() *DefaultClientFactory {
	return &DefaultClientFactory{}
}

func (*DefaultClientFactory) CreateMainClient(upstreamManager UpstreamManager, insecureSkipVerify bool) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:              upstreamManager.RealUpstreamProxy(),
			ForceAttemptHTTP2:  true,
			DisableCompression: true,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: insecureSkipVerify,
				KeyLogWriter:       helper.GetTLSKeyLogWriter(),
			},
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (*DefaultClientFactory) CreateHTTP2Client(tlsConn *tls.Conn) *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			DialTLSContext: func(_ context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
				return tlsConn, nil
			},
			DisableCompression: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (*DefaultClientFactory) CreatePlainHTTPClient(conn net.Conn) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return conn, nil
			},
			ForceAttemptHTTP2:  false,
			DisableCompression: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (*DefaultClientFactory) CreateHTTPSClient(tlsConn *tls.Conn) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialTLSContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return tlsConn, nil
			},
			ForceAttemptHTTP2:  true,
			DisableCompression: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
