package patcher

import "context"

// Patcher is the proxy's only extension surface (spec.md §4.3, Design
// Notes "Patcher as capability set"): the four hooks the engine calls at
// well-defined points in a transaction's lifecycle. The core treats a
// Patcher as opaque policy; it calls each hook at most once per
// transaction and never re-enters a Patcher for the same Transaction.ID
// after that transaction's last hook has returned.
//
// Each method blocks its caller's goroutine; since the engine runs one
// goroutine per connection (http.Server's normal model), this already
// gives every hook call the "suspension point" spec.md §5 requires
// without needing an explicit completion-callback parameter the way the
// original single-threaded event-loop design did.
type Patcher interface {
	// OnConnect decides how to handle a CONNECT tunnel to hostPort.
	// Only Allow, Deny, and Pipe are meaningful return values; any other
	// Kind is a fatal programming error.
	OnConnect(ctx context.Context, hostPort string, id uint64) Decision

	// OnRequest inspects (and may rewrite) a request before it is
	// forwarded. The returned body, if non-nil, replaces txn.Body.
	OnRequest(ctx context.Context, txn *Transaction) (Decision, []byte)

	// OnTextResponse inspects (and may rewrite) a text response body.
	// bodyText is the fully-decompressed body. The returned bytes
	// become the final response body.
	OnTextResponse(ctx context.Context, txn *Transaction, bodyText string) []byte

	// OnOtherResponse is OnTextResponse's counterpart for
	// non-text (binary) responses; body is the raw, possibly still
	// compressed bytes as received from the origin. It also receives
	// text responses whose Content-Encoding could not be decoded.
	OnOtherResponse(ctx context.Context, txn *Transaction, body []byte) []byte
}
