package partner

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/pkcs12"

	"github.com/sirosfoundation/go-as2/internal/keystore"
	"github.com/sirosfoundation/go-as2/pkg/fault"
)

// Secret file suffixes
const (
	suffixKey   = ".key"
	suffixPub   = ".pub"
	suffixCert  = ".cer"
	suffixP12   = ".p12"
	suffixChain = ".ca"
)

// fallbackStore is shared by partners built without WithSecretStore. It lives
// in a fresh owner-only temporary directory of this process.
var fallbackStore = sync.OnceValues(func() (keystore.SecretStore, error) {
	dir, err := os.MkdirTemp("", "as2-private-")
	if err != nil {
		return nil, err
	}
	store, err := keystore.NewFileStore(dir)
	if err != nil {
		return nil, err
	}
	return store, nil
})

// bundle is the parsed security material of a partner.
type bundle struct {
	raw     []byte
	key     crypto.Signer
	leaf    *x509.Certificate
	chain   []*x509.Certificate
	cert    *x509.Certificate
	hasCert bool
}

// loadBundle parses the PKCS12 bundle and the raw certificate, whichever
// are present.
func loadBundle(p12 []byte, password string, certData []byte) (*bundle, error) {
	b := &bundle{raw: p12}

	if len(p12) > 0 {
		blocks, err := pkcs12.ToPEM(p12, password)
		if err != nil {
			return nil, &BundleError{Reason: "unreadable", Err: err}
		}
		var certs []*x509.Certificate
		for _, block := range blocks {
			switch {
			case block.Type == "CERTIFICATE":
				c, err := x509.ParseCertificate(block.Bytes)
				if err != nil {
					return nil, &BundleError{Reason: "unreadable", Err: err}
				}
				certs = append(certs, c)
			case strings.HasSuffix(block.Type, "PRIVATE KEY"):
				key, err := keystore.ParsePrivateKey(block.Bytes)
				if err != nil {
					return nil, &BundleError{Reason: "unreadable", Err: err}
				}
				b.key = key
			}
		}
		for _, c := range certs {
			if b.leaf == nil && b.key != nil && keystore.MatchesKey(c, b.key) {
				b.leaf = c
				continue
			}
			b.chain = append(b.chain, c)
		}
		if b.leaf == nil && len(b.chain) > 0 {
			b.leaf, b.chain = b.chain[0], b.chain[1:]
		}
	}

	if len(certData) > 0 {
		c, err := keystore.ParseCertificate(certData)
		if err != nil {
			return nil, &BundleError{Reason: "unreadable", Err: err}
		}
		b.cert = c
		b.hasCert = true
	}

	return b, nil
}

// BundleError reports unusable security material.
type BundleError struct {
	Reason string
	Err    error
}

func (e *BundleError) Error() string {
	msg := "security bundle " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BundleError) Unwrap() error { return e.Err }

// Is matches ErrBundle and the configuration fault kind.
func (e *BundleError) Is(target error) bool {
	return target == ErrBundle || target == fault.Configuration
}

func missing(what string) error {
	return &BundleError{Reason: "has no " + what}
}

// PrivateKeyFile returns the path of the PKCS#8 private key.
func (p *Partner) PrivateKeyFile(ctx context.Context) (string, error) {
	return p.secretFile(suffixKey, func(b *bundle) ([]byte, error) {
		if b.key == nil {
			return nil, missing("private key")
		}
		return keystore.EncodePrivateKey(b.key)
	})
}

// PublicKeyFile returns the path of the bundle's leaf certificate, which
// carries the public key.
func (p *Partner) PublicKeyFile(ctx context.Context) (string, error) {
	return p.secretFile(suffixPub, func(b *bundle) ([]byte, error) {
		if b.leaf == nil {
			return nil, missing("certificate")
		}
		return keystore.EncodeCertificates(b.leaf), nil
	})
}

// CertificateFile returns the path of the partner certificate: the
// configured certificate, or the bundle's leaf certificate.
func (p *Partner) CertificateFile(ctx context.Context) (string, error) {
	return p.secretFile(suffixCert, func(b *bundle) ([]byte, error) {
		switch {
		case b.hasCert:
			return keystore.EncodeCertificates(b.cert), nil
		case b.leaf != nil:
			return keystore.EncodeCertificates(b.leaf), nil
		}
		return nil, missing("certificate")
	})
}

// PKCS12File returns the path of the raw bundle.
func (p *Partner) PKCS12File(ctx context.Context) (string, error) {
	return p.secretFile(suffixP12, func(b *bundle) ([]byte, error) {
		if len(b.raw) == 0 {
			return nil, missing("PKCS12 bundle")
		}
		return b.raw, nil
	})
}

// CAChainFile returns the path of the CA certificates shipped in the bundle.
func (p *Partner) CAChainFile(ctx context.Context) (string, error) {
	return p.secretFile(suffixChain, func(b *bundle) ([]byte, error) {
		if len(b.chain) == 0 {
			return nil, missing("CA chain")
		}
		return keystore.EncodeCertificates(b.chain...), nil
	})
}

// Certificate returns the parsed partner certificate, if any.
func (p *Partner) Certificate() *x509.Certificate {
	if p.bundle == nil {
		return nil
	}
	if p.bundle.hasCert {
		return p.bundle.cert
	}
	return p.bundle.leaf
}

// secretFile extracts, writes and caches one artifact.
func (p *Partner) secretFile(suffix string, extract func(*bundle) ([]byte, error)) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if path, ok := p.files[suffix]; ok {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	if p.bundle == nil {
		return "", fmt.Errorf("partner %s: %w", p.cfg.ID, missing("key material"))
	}
	if p.store == nil {
		store, err := fallbackStore()
		if err != nil {
			return "", fault.Wrap(fault.Configuration, err, "creating secret store")
		}
		p.store = store
	}

	data, err := extract(p.bundle)
	if err != nil {
		return "", fmt.Errorf("partner %s: %w", p.cfg.ID, err)
	}
	path, err := p.store.Write(fileName(p.cfg.ID)+suffix, data)
	if err != nil {
		return "", fault.Wrap(fault.Security, err, "writing partner secret")
	}
	p.files[suffix] = path
	return path, nil
}

// fileName makes a partner id safe for use as a file name.
func fileName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
}
