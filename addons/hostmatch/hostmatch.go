// Package hostmatch implements host allow/deny matching against glob
// patterns, for the static pre-patcher intercept rule described in
// SPEC_FULL.md's "Host allow/deny interception rule" supplement (grounded on
// the teacher's SetShouldInterceptRule/IgnoreHosts/AllowHosts flags).
package hostmatch

import (
	"net"

	"github.com/tidwall/match"
)

// Match reports whether host matches any of patterns. Patterns are shell-
// style globs (tidwall/match: '*' any run, '?' single char)
// matched against the request host with any ":port" suffix stripped, so a
// pattern like "*.example.com" matches "api.example.com:443" the same as
// "api.example.com".
func Match(host string, patterns []string) bool {
	host = stripPort(host)
	for _, p := range patterns {
		if match.Match(host, p) {
			return true
		}
	}
	return false
}

// stripPort uses net.SplitHostPort (which already understands bracketed
// IPv6 literals) rather than a naive colon split, matching the CONNECT
// target parser's approach to the same problem.
func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// DenyRule builds an intercept predicate that returns false (do not
// intercept, i.e. tunnel straight through) for any host matching one of
// patterns, and true otherwise. This implements the teacher's IgnoreHosts
// flag semantics.
func DenyRule(patterns []string) func(host string) bool {
	return func(host string) bool {
		return !Match(host, patterns)
	}
}

// AllowRule builds an intercept predicate that returns true only for hosts
// matching one of patterns. This implements the teacher's AllowHosts flag
// semantics.
func AllowRule(patterns []string) func(host string) bool {
	return func(host string) bool {
		return Match(host, patterns)
	}
}
