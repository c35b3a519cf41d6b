package dynamictls_test

import (
	"bufio"
	"crypto/tls"
	"net"
	"net/http"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/patchwire/mitmgate/cert"
	"github.com/patchwire/mitmgate/internal/dynamictls"
)

func TestServeTerminatesTLSAndDispatchesToHandler(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)

	var sawHost string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawHost = r.TLS.ServerName
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := dynamictls.New(dynamictls.Args{CA: ca, Handler: handler})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, qt.IsNil)

	go func() { _ = srv.Serve(ln) }()
	c.Defer(func() { ln.Close() })

	conn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{
		ServerName:         "example.internal",
		InsecureSkipVerify: true,
	})
	c.Assert(err, qt.IsNil)
	c.Defer(func() { conn.Close() })

	req, err := http.NewRequest(http.MethodGet, "https://example.internal/", nil)
	c.Assert(err, qt.IsNil)
	c.Assert(req.Write(conn), qt.IsNil)

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	c.Assert(err, qt.IsNil)
	c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)

	c.Assert(conn.ConnectionState().PeerCertificates, qt.Not(qt.HasLen), 0)
	c.Assert(sawHost, qt.Equals, "example.internal")
}
