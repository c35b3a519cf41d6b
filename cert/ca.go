// Package cert is the certificate issuer bridge (spec.md §4.4, C4): a
// one-shot root CA initializer plus an on-demand per-host leaf signer.
// spec.md deliberately treats this as an external collaborator specified
// only through its interface; CA is that interface, and SelfSignCA is the
// concrete default implementation needed to run the module end to end.
package cert

import (
	"context"
	"crypto/tls"
	"crypto/x509"
)

// CA mints per-host leaf certificates signed by a locally trusted root.
//
// Init must complete before any listener starts accepting connections.
// GetCert produces a certificate valid for host; it is the caller's
// responsibility (the dynamic TLS server, C5) to avoid signing the same
// host twice — GetCert itself does not need to be idempotent, though
// SelfSignCA caches for efficiency anyway.
type CA interface {
	Init(ctx context.Context) error
	GetCert(host string) (*tls.Certificate, error)
	GetRootCA() *x509.Certificate
}
