package types

import (
	"net/http"

	"github.com/patchwire/mitmgate/proxy/internal/conn"
)

// Addon is the ambient connection-lifecycle hook surface: logging, metrics,
// and similar observers that care about connections coming and going but
// never decide what happens to a transaction. Traffic decisions (allow,
// deny, rewrite) are the Patcher's job (patcher.Patcher); Addon exists
// alongside it, not instead of it.
type Addon interface {
	// A client has connected to the proxy. Note that a connection can
	// correspond to multiple HTTP requests.
	ClientConnected(*conn.ClientConn)

	// A client connection has been closed (either by us or the client).
	ClientDisconnected(*conn.ClientConn)

	// The proxy has connected to an origin server. Nothing in this
	// module calls it.
	ServerConnected(*conn.Context)

	// A server connection has been closed (either by us or the server).
	// Only WrapServerConn.Close calls it, and nothing in this module
	// creates a WrapServerConn.
	ServerDisconnected(*conn.Context)

	// A direct (non-proxy-form) request hit the proxy's own listener.
	AccessProxyServer(req *http.Request, res http.ResponseWriter)
}

// AddonRegistry manages a collection of addons.
type AddonRegistry interface {
	Get() []Addon
}

// BaseAddon provides default no-op implementations of all Addon methods.
type BaseAddon struct{}

func (*BaseAddon) ClientConnected(*conn.ClientConn)                        {}
func (*BaseAddon) ClientDisconnected(*conn.ClientConn)                      {}
func (*BaseAddon) ServerConnected(*conn.Context)                           {}
func (*BaseAddon) ServerDisconnected(*conn.Context)                        {}
func (*BaseAddon) AccessProxyServer(_ *http.Request, _ http.ResponseWriter) {}

// AddonNotifier defines the interface for notifying addons about connection
// events. This is used by the internal conn package to notify about
// disconnections.
type AddonNotifier interface {
	NotifyClientDisconnected(client *conn.ClientConn)
	NotifyServerDisconnected(connCtx *conn.Context)
}
