package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/patchwire/mitmgate/addons/hostmatch"
	"github.com/patchwire/mitmgate/cert"
	"github.com/patchwire/mitmgate/proxy"
)

func main() {
	cfg := loadConfig()

	level := slog.LevelInfo
	addSource := false
	if cfg.debug {
		level = slog.LevelDebug
		addSource = true
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: addSource,
	})))

	ca, err := cert.NewSelfSignCA(cfg.certPath)
	if err != nil {
		slog.Error("failed to create CA", "error", err)
		os.Exit(1)
	}

	p, err := proxy.NewProxy(proxy.Config{
		Addr:               cfg.addr,
		DynAddr:            cfg.dynAddr,
		InsecureSkipVerify: cfg.sslInsecure,
		Upstream:           cfg.upstream,
	}, ca, passthroughPatcher{})
	if err != nil {
		slog.Error("failed to create proxy", "error", err)
		os.Exit(1)
	}

	if cfg.version {
		fmt.Println("mitmproxy: " + p.Version)
		os.Exit(0)
	}

	if len(cfg.ignoreHosts) > 0 {
		rule := hostmatch.DenyRule(cfg.ignoreHosts)
		p.SetShouldInterceptRule(func(req *http.Request) bool { return rule(req.Host) })
	}
	if len(cfg.allowHosts) > 0 {
		rule := hostmatch.AllowRule(cfg.allowHosts)
		p.SetShouldInterceptRule(func(req *http.Request) bool { return rule(req.Host) })
	}

	if cfg.proxyAuth != "" && !strings.EqualFold(cfg.proxyAuth, "any") {
		slog.Info("proxy-client authentication enabled")
		auth := newDefaultBasicAuth(cfg.proxyAuth)
		p.SetAuthProxy(auth.entryAuth)
	}

	if cfg.logFile != "" {
		p.AddAddon(proxy.NewInstanceLogAddonWithFile(cfg.addr, "", cfg.logFile))
		slog.Info("logging connection lifecycle to file", "file", cfg.logFile)
	} else {
		p.AddAddon(&proxy.LogAddon{})
	}

	if err := p.Start(); err != nil {
		slog.Error("proxy failed to start", "error", err)
		os.Exit(1)
	}
	slog.Info("mitmproxy started", "version", p.Version)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
}
