package main

import (
	"context"

	"github.com/patchwire/mitmgate/patcher"
)

// passthroughPatcher is the default policy this binary ships with: allow
// every CONNECT tunnel and every request, and leave response bodies
// untouched. spec.md deliberately excludes "what the patcher decides" from
// the core; a real deployment supplies its own Patcher instead of this one.
type passthroughPatcher struct{}

func (passthroughPatcher) OnConnect(context.Context, string, uint64) patcher.Decision {
	return patcher.DecisionAllow()
}

func (passthroughPatcher) OnRequest(context.Context, *patcher.Transaction) (patcher.Decision, []byte) {
	return patcher.DecisionAllow(), nil
}

func (passthroughPatcher) OnTextResponse(_ context.Context, _ *patcher.Transaction, bodyText string) []byte {
	return []byte(bodyText)
}

func (passthroughPatcher) OnOtherResponse(_ context.Context, _ *patcher.Transaction, body []byte) []byte {
	return body
}
