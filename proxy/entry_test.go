package proxy

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/patchwire/mitmgate/cert"
	"github.com/patchwire/mitmgate/patcher"
)

func TestIsTLSClientHello(t *testing.T) {
	c := qt.New(t)

	c.Assert(isTLSClientHello([]byte{0x16, 0x03, 0x01}), qt.IsTrue)
	c.Assert(isTLSClientHello([]byte{0x16, 0x03, 0x05}), qt.IsTrue)
	c.Assert(isTLSClientHello([]byte{0x16, 0x03, 0x06}), qt.IsFalse)
	c.Assert(isTLSClientHello([]byte{0x47, 0x45, 0x54}), qt.IsFalse) // "GET"
	c.Assert(isTLSClientHello([]byte{0x16, 0x02, 0x01}), qt.IsFalse)
	c.Assert(isTLSClientHello([]byte{0x16, 0x03}), qt.IsFalse) // too short
}

func TestSplitConnectTarget(t *testing.T) {
	c := qt.New(t)

	host, port := splitConnectTarget("example.test:8443")
	c.Assert(host, qt.Equals, "example.test")
	c.Assert(port, qt.Equals, "8443")

	host, port = splitConnectTarget("example.test")
	c.Assert(host, qt.Equals, "example.test")
	c.Assert(port, qt.Equals, "443")

	host, port = splitConnectTarget("[::1]:22")
	c.Assert(host, qt.Equals, "::1")
	c.Assert(port, qt.Equals, "22")
}

// connectPatcher lets tests control the OnConnect decision; all other
// hooks are unused by these tests.
type connectPatcher struct {
	decision func(ctx context.Context, hostPort string, id uint64) patcher.Decision
}

func (p *connectPatcher) OnConnect(ctx context.Context, hostPort string, id uint64) patcher.Decision {
	return p.decision(ctx, hostPort, id)
}
func (p *connectPatcher) OnRequest(context.Context, *patcher.Transaction) (patcher.Decision, []byte) {
	return patcher.DecisionAllow(), nil
}
func (p *connectPatcher) OnTextResponse(_ context.Context, _ *patcher.Transaction, body string) []byte {
	return []byte(body)
}
func (p *connectPatcher) OnOtherResponse(_ context.Context, _ *patcher.Transaction, body []byte) []byte {
	return body
}

func newTestProxy(t *testing.T, p patcher.Patcher) *Proxy {
	t.Helper()
	c := qt.New(t)

	dir := t.TempDir()
	ca, err := cert.NewSelfSignCA(dir)
	c.Assert(err, qt.IsNil)

	proxy, err := NewProxy(Config{
		Addr:    "127.0.0.1:0",
		DynAddr: "127.0.0.1:0",
	}, ca, p)
	c.Assert(err, qt.IsNil)

	err = proxy.Start()
	c.Assert(err, qt.IsNil)
	t.Cleanup(func() { _ = proxy.Close() })

	return proxy
}

// connectAndRead dials proxy's main listener, issues a raw CONNECT
// request for target, and returns the connection plus a buffered reader
// over it for whatever response bytes (if any) the core writes.
func connectAndRead(t *testing.T, proxy *Proxy, target string) (net.Conn, *bufio.Reader) {
	t.Helper()
	c := qt.New(t)

	conn, err := net.DialTimeout("tcp", proxy.mainLoopbackAddrForTest(), 2*time.Second)
	c.Assert(err, qt.IsNil)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = io.WriteString(conn, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n")
	c.Assert(err, qt.IsNil)

	return conn, bufio.NewReader(conn)
}

// mainLoopbackAddrForTest exposes the bound P_main address to tests
// without making loopbackDialAddr/mainLoopbackAddr part of the public
// API surface.
func (p *Proxy) mainLoopbackAddrForTest() string {
	return p.mainLoopbackAddr()
}

func TestHandleConnectDeny(t *testing.T) {
	c := qt.New(t)

	p := &connectPatcher{decision: func(context.Context, string, uint64) patcher.Decision {
		return patcher.DecisionDeny()
	}}
	proxy := newTestProxy(t, p)

	conn, _ := connectAndRead(t, proxy, "example.test:443")
	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 16)
	_, err := conn.Read(buf)
	c.Assert(err, qt.Not(qt.IsNil)) // denied: socket closed, nothing written
}

func TestHandleConnectPipe(t *testing.T) {
	c := qt.New(t)

	origin, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, qt.IsNil)
	defer origin.Close()

	originReceived := make(chan []byte, 1)
	go func() {
		conn, err := origin.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		originReceived <- buf[:n]
	}()

	p := &connectPatcher{decision: func(context.Context, string, uint64) patcher.Decision {
		return patcher.DecisionPipe()
	}}
	proxy := newTestProxy(t, p)

	conn, _ := connectAndRead(t, proxy, origin.Addr().String())

	payload := []byte("SSH-2.0-OpenSSH_9.0\r\n")
	_, err = conn.Write(payload)
	c.Assert(err, qt.IsNil)

	select {
	case got := <-originReceived:
		c.Assert(bytes.Equal(got, payload), qt.IsTrue)
	case <-time.After(2 * time.Second):
		t.Fatal("origin never received piped bytes")
	}
}

func TestHandleConnectAllowWritesConnectionEstablished(t *testing.T) {
	c := qt.New(t)

	p := &connectPatcher{decision: func(context.Context, string, uint64) patcher.Decision {
		return patcher.DecisionAllow()
	}}
	proxy := newTestProxy(t, p)

	conn, r := connectAndRead(t, proxy, "example.test:443")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	resp, err := http.ReadResponse(r, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)
}
