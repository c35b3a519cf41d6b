package wsupgrade_test

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/patchwire/mitmgate/internal/wsupgrade"
	"github.com/patchwire/mitmgate/proxy/internal/upstream"
)

func TestIsUpgradeRecognizesWebSocketHeaders(t *testing.T) {
	c := qt.New(t)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/ws", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	c.Assert(wsupgrade.IsUpgrade(req), qt.IsTrue)

	plain := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	c.Assert(wsupgrade.IsUpgrade(plain), qt.IsFalse)
}

// echoOrigin starts a raw TCP listener that replies to any upgrade request
// with a 101 Switching Protocols response, then echoes whatever bytes it
// receives afterward. It stands in for a real WebSocket origin without
// pulling in a frame-aware server.
func echoOrigin(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				br := bufio.NewReader(conn)
				if _, err := http.ReadRequest(br); err != nil {
					return
				}
				_, _ = io.WriteString(conn, "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")
				_, _ = io.Copy(conn, br)
			}(conn)
		}
	}()
	return ln
}

func TestServeHTTPSplicesUpgradeRequestsToOrigin(t *testing.T) {
	c := qt.New(t)

	origin := echoOrigin(t)
	c.Defer(func() { origin.Close() })

	nextCalled := false
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		nextCalled = true
	})

	h := wsupgrade.New(next, upstream.NewManager("", false), false)

	frontend := httptest.NewServer(h)
	c.Defer(frontend.Close)

	frontendAddr := frontend.Listener.Addr().String()
	conn, err := net.DialTimeout("tcp", frontendAddr, 2*time.Second)
	c.Assert(err, qt.IsNil)
	c.Defer(func() { conn.Close() })

	req, err := http.NewRequest(http.MethodGet, "http://"+origin.Addr().String()+"/ws", nil)
	c.Assert(err, qt.IsNil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	c.Assert(req.Write(conn), qt.IsNil)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	c.Assert(err, qt.IsNil)
	c.Assert(resp.StatusCode, qt.Equals, http.StatusSwitchingProtocols)

	_, err = conn.Write([]byte("ping"))
	c.Assert(err, qt.IsNil)

	readBuf := make([]byte, 4)
	c.Assert(conn.SetReadDeadline(time.Now().Add(2*time.Second)), qt.IsNil)
	_, err = io.ReadFull(br, readBuf)
	c.Assert(err, qt.IsNil)
	c.Assert(string(readBuf), qt.Equals, "ping")

	c.Assert(nextCalled, qt.IsFalse)
}
