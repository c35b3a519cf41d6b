package patcher

import "net/http"

// Kind identifies which variant of Decision is populated.
type Kind int

const (
	// Allow lets the transaction proceed normally. The request body may
	// have been rewritten.
	Allow Kind = iota
	// Deny aborts the transaction: the client side is closed without a
	// reply.
	Deny
	// Empty synthesizes an empty 200 reply with Headers (or a default
	// set if nil) and never contacts the origin.
	Empty
	// Redirect either retargets the upstream request to Location, or,
	// if Location is empty, synthesizes a 200 reply with body Text.
	Redirect
	// Pipe (CONNECT only) opens an opaque byte-pipe to the requested
	// host:port without inspecting it.
	Pipe
)

// Decision is the tagged variant a Patcher returns for a transaction.
// Exactly the fields relevant to Kind are meaningful; the others are
// zero/ignored. An unrecognized Kind is a fatal programming error in the
// engine that observes it.
type Decision struct {
	Kind Kind

	// Location, for Redirect: if non-empty, the absolute URL to retarget
	// the upstream request to.
	Location string

	// Text, for Redirect with no Location: the literal body of the
	// synthesized 200 reply.
	Text string

	// Headers, for Empty and Redirect-without-Location: the header set
	// of the synthesized reply. Nil means "use the engine's default
	// set".
	Headers http.Header
}

// DecisionAllow is a convenience constructor.
func DecisionAllow() Decision { return Decision{Kind: Allow} }

// DecisionDeny is a convenience constructor.
func DecisionDeny() Decision { return Decision{Kind: Deny} }

// DecisionEmpty is a convenience constructor.
func DecisionEmpty(headers http.Header) Decision {
	return Decision{Kind: Empty, Headers: headers}
}

// DecisionRedirectLocation is a convenience constructor for retargeting
// the upstream request.
func DecisionRedirectLocation(location string) Decision {
	return Decision{Kind: Redirect, Location: location}
}

// DecisionRedirectText is a convenience constructor for synthesizing a
// 200 reply in place of contacting the origin.
func DecisionRedirectText(text string, headers http.Header) Decision {
	return Decision{Kind: Redirect, Text: text, Headers: headers}
}

// DecisionPipe is a convenience constructor (CONNECT only).
func DecisionPipe() Decision { return Decision{Kind: Pipe} }
