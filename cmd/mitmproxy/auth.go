package main

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// defaultBasicAuth validates the Proxy-Authorization header against a
// static user:pass table, loaded from a single "user:pass|user2:pass2"
// flag value.
type defaultBasicAuth struct {
	auth map[string]string
}

func newDefaultBasicAuth(spec string) *defaultBasicAuth {
	a := &defaultBasicAuth{auth: make(map[string]string)}
	for _, e := range strings.Split(spec, "|") {
		n := strings.SplitN(e, ":", 2)
		if len(n) != 2 {
			slog.Error("invalid proxy auth format", "value", e)
			os.Exit(1) //revive:disable-line:deep-exit -- ok for cmd/*
		}
		a.auth[n[0]] = n[1]
	}
	return a
}

// entryAuth implements the proxy.SetAuthProxy hook.
func (a *defaultBasicAuth) entryAuth(_ http.ResponseWriter, req *http.Request) (bool, error) {
	got := req.Header.Get("Proxy-Authorization")
	if got == "" {
		return false, errors.New("missing authentication")
	}
	if !a.verify(got) {
		return false, errors.New("invalid credentials")
	}
	return true, nil
}

func (a *defaultBasicAuth) verify(proxyAuth string) bool {
	if !strings.HasPrefix(proxyAuth, "Basic ") {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(proxyAuth, "Basic "))
	if err != nil {
		slog.Warn("failed to decode Proxy-Authorization header", "error", err)
		return false
	}
	n := strings.SplitN(string(decoded), ":", 2)
	if len(n) < 2 {
		return false
	}
	want, ok := a.auth[n[0]]
	return ok && want == n[1]
}
