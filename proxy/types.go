package proxy

import (
	"github.com/patchwire/mitmgate/internal/engine"
	"github.com/patchwire/mitmgate/proxy/internal/conn"
	"github.com/patchwire/mitmgate/proxy/internal/types"
)

// Re-export types from internal packages for external use.
// This keeps a stable public surface while letting internal packages
// share the underlying implementations.

type (
	// ClientConn represents a client connection.
	ClientConn = conn.ClientConn

	// ServerConn represents a server connection.
	ServerConn = conn.ServerConn

	// ConnContext represents the connection context.
	ConnContext = conn.Context

	// Addon defines the ambient connection-lifecycle hook surface.
	Addon = types.Addon

	// BaseAddon provides default no-op implementations of all Addon methods.
	BaseAddon = types.BaseAddon

	// ClientFactory builds the http.Client used to forward a transaction
	// to its origin server.
	ClientFactory = engine.ClientFactory

	// DefaultClientFactory is the ClientFactory used when none is supplied.
	DefaultClientFactory = engine.DefaultClientFactory
)

// NewDefaultClientFactory creates a new DefaultClientFactory.
func NewDefaultClientFactory() *DefaultClientFactory {
	return engine.NewDefaultClientFactory()
}
