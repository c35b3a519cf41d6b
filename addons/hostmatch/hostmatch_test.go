package hostmatch_test

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/patchwire/mitmgate/addons/hostmatch"
)

func TestMatchStripsPortBeforeGlobbing(t *testing.T) {
	c := qt.New(t)

	c.Assert(hostmatch.Match("api.example.com:443", []string{"*.example.com"}), qt.IsTrue)
	c.Assert(hostmatch.Match("api.example.com", []string{"*.example.com"}), qt.IsTrue)
	c.Assert(hostmatch.Match("api.other.com:443", []string{"*.example.com"}), qt.IsFalse)
}

func TestMatchHandlesBracketedIPv6Host(t *testing.T) {
	c := qt.New(t)

	c.Assert(hostmatch.Match("[::1]:8443", []string{"::1"}), qt.IsTrue)
}

func TestDenyRuleInvertsMatch(t *testing.T) {
	c := qt.New(t)

	rule := hostmatch.DenyRule([]string{"*.internal.example.com"})
	c.Assert(rule("svc.internal.example.com"), qt.IsFalse)
	c.Assert(rule("public.example.com"), qt.IsTrue)
}

func TestAllowRuleRequiresMatch(t *testing.T) {
	c := qt.New(t)

	rule := hostmatch.AllowRule([]string{"*.allowed.example.com"})
	c.Assert(rule("svc.allowed.example.com"), qt.IsTrue)
	c.Assert(rule("other.example.com"), qt.IsFalse)
}
