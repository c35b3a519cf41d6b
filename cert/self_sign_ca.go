package cert

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	rsaKeyBits  = 2048
	rootValidFor = 10 * 365 * 24 * time.Hour
	leafValidFor = 90 * 24 * time.Hour
)

// SelfSignCA is the default CA: a self-signed root key/cert, generated
// once (on disk, or purely in memory), used to mint short-lived leaf
// certificates on demand.
type SelfSignCA struct {
	RootCert    *x509.Certificate
	PrivateKey  rsa.PrivateKey
	rootCertDER []byte

	storePath string // "" means memory-only, never persisted

	mu    sync.Mutex
	cache map[string]*tls.Certificate
}

var _ CA = (*SelfSignCA)(nil)

// NewSelfSignCA loads a root CA from path (or the default store path if
// path is empty), generating and persisting a new one if none exists yet.
func NewSelfSignCA(path string) (CA, error) {
	storePath, err := getStorePath(path)
	if err != nil {
		return nil, err
	}

	ca := &SelfSignCA{storePath: storePath, cache: make(map[string]*tls.Certificate)}

	if data, readErr := os.ReadFile(ca.caFile()); readErr == nil {
		if loadErr := ca.loadFrom(data); loadErr == nil {
			return ca, nil
		}
	}

	if err := ca.generate(); err != nil {
		return nil, fmt.Errorf("generate root CA: %w", err)
	}

	if err := os.MkdirAll(storePath, 0o700); err != nil {
		return nil, fmt.Errorf("create CA store path: %w", err)
	}
	f, err := os.OpenFile(ca.caFile(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create CA file: %w", err)
	}
	defer f.Close()
	if err := ca.saveTo(f); err != nil {
		return nil, fmt.Errorf("save CA file: %w", err)
	}

	return ca, nil
}

// NewSelfSignCAMemory creates a root CA that is never written to disk.
// Useful for tests and short-lived processes.
func NewSelfSignCAMemory() (CA, error) {
	ca := &SelfSignCA{cache: make(map[string]*tls.Certificate)}
	if err := ca.generate(); err != nil {
		return nil, fmt.Errorf("generate root CA: %w", err)
	}
	return ca, nil
}

// getStorePath resolves the directory the CA's key/cert live under. An
// empty path means "use the default per-user location".
func getStorePath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	dir, err := os.UserHomeDir()
	if err != nil || dir == "" {
		dir, err = os.UserCacheDir()
		if err != nil {
			return "", fmt.Errorf("resolve default CA store path: %w", err)
		}
	}
	return filepath.Join(dir, ".mitmgate"), nil
}

func (ca *SelfSignCA) caFile() string {
	return filepath.Join(ca.storePath, "mitmgate-ca.pem")
}

// saveTo PEM-encodes the root certificate followed by its private key.
func (ca *SelfSignCA) saveTo(w io.Writer) error {
	if err := pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: ca.rootCertDER}); err != nil {
		return err
	}
	keyBytes, err := x509.MarshalPKCS8PrivateKey(&ca.PrivateKey)
	if err != nil {
		return err
	}
	return pem.Encode(w, &pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
}

func (ca *SelfSignCA) loadFrom(data []byte) error {
	certBlock, rest := pem.Decode(data)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return fmt.Errorf("invalid CA file: missing CERTIFICATE block")
	}
	keyBlock, _ := pem.Decode(rest)
	if keyBlock == nil || keyBlock.Type != "PRIVATE KEY" {
		return fmt.Errorf("invalid CA file: missing PRIVATE KEY block")
	}

	rootCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parse root certificate: %w", err)
	}
	key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parse root private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("root private key is not RSA")
	}

	ca.RootCert = rootCert
	ca.rootCertDER = certBlock.Bytes
	ca.PrivateKey = *rsaKey
	return nil
}

func (ca *SelfSignCA) generate() error {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "mitmgate root CA",
			Organization: []string{"mitmgate"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(rootValidFor),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return err
	}
	rootCert, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}

	ca.RootCert = rootCert
	ca.rootCertDER = der
	ca.PrivateKey = *key
	return nil
}

// Init satisfies CA. The root material is already generated/loaded
// synchronously by the constructor; Init exists so the engine can treat
// CA initialization uniformly as an async step (spec.md §4.4, §4.8) even
// though this implementation has nothing left to do.
func (ca *SelfSignCA) Init(_ context.Context) error {
	return nil
}

// GetRootCA returns the root certificate used to sign leaves.
func (ca *SelfSignCA) GetRootCA() *x509.Certificate {
	return ca.RootCert
}

// GetCert mints (or returns a cached) leaf certificate for host.
// Concurrent calls for the same host are serialized by ca.mu; the cache
// makes repeat calls for an already-signed host a fast path, though
// idempotency is formally HostContext's responsibility (spec.md §4.5).
func (ca *SelfSignCA) GetCert(host string) (*tls.Certificate, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if cached, ok := ca.cache[host]; ok {
		return cached, nil
	}
	leaf, err := ca.signLeaf(host)
	if err != nil {
		return nil, err
	}
	ca.cache[host] = leaf
	return leaf, nil
}

// DummyCert mints a leaf certificate for commonName without consulting or
// populating the cache, for callers that need a one-off leaf certificate.
func (ca *SelfSignCA) DummyCert(commonName string) (*tls.Certificate, error) {
	return ca.signLeaf(commonName)
}

func (ca *SelfSignCA) signLeaf(host string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(leafValidFor),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = append(template.IPAddresses, ip)
	} else {
		template.DNSNames = append(template.DNSNames, host)
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.RootCert, &key.PublicKey, &ca.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign leaf for %s: %w", host, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, ca.rootCertDER},
		PrivateKey:  key,
		Leaf:        nil,
	}, nil
}
