package proxy_test

import (
	"context"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/patchwire/mitmgate/cert"
	"github.com/patchwire/mitmgate/patcher"
	"github.com/patchwire/mitmgate/proxy"
)

type allowPatcher struct{}

func (allowPatcher) OnConnect(context.Context, string, uint64) patcher.Decision {
	return patcher.DecisionAllow()
}
func (allowPatcher) OnRequest(context.Context, *patcher.Transaction) (patcher.Decision, []byte) {
	return patcher.DecisionAllow(), nil
}
func (allowPatcher) OnTextResponse(_ context.Context, _ *patcher.Transaction, body string) []byte {
	return []byte(body)
}
func (allowPatcher) OnOtherResponse(_ context.Context, _ *patcher.Transaction, body []byte) []byte {
	return body
}

func TestNewProxyAcceptsZeroConfigAndSetsVersion(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCA(t.TempDir())
	c.Assert(err, qt.IsNil)

	p, err := proxy.NewProxy(proxy.Config{}, ca, allowPatcher{})
	c.Assert(err, qt.IsNil)
	c.Assert(p.Version, qt.Not(qt.Equals), "")
}

func TestStartBindsBothListenersAndShutdownStops(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCA(t.TempDir())
	c.Assert(err, qt.IsNil)

	p, err := proxy.NewProxy(proxy.Config{
		Addr:    "127.0.0.1:0",
		DynAddr: "127.0.0.1:0",
	}, ca, allowPatcher{})
	c.Assert(err, qt.IsNil)

	err = p.Start()
	c.Assert(err, qt.IsNil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = p.Shutdown(ctx)
	c.Assert(err, qt.IsNil)
}

func TestStartRejectsNonLoopbackDynAddr(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCA(t.TempDir())
	c.Assert(err, qt.IsNil)

	p, err := proxy.NewProxy(proxy.Config{
		Addr:    "127.0.0.1:0",
		DynAddr: "0.0.0.0:0",
	}, ca, allowPatcher{})
	c.Assert(err, qt.IsNil)

	err = p.Start()
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestGetCertificateReturnsRootCA(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCA(t.TempDir())
	c.Assert(err, qt.IsNil)

	p, err := proxy.NewProxy(proxy.Config{}, ca, allowPatcher{})
	c.Assert(err, qt.IsNil)

	root := p.GetCertificate()
	c.Assert(root.Raw, qt.Not(qt.HasLen), 0)
}
