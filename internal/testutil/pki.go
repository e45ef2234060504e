// Package testutil mints throwaway certificates and PKCS12 bundles for tests.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	gopkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Identity is a key pair with its certificate chain.
type Identity struct {
	Key   *ecdsa.PrivateKey
	Cert  *x509.Certificate
	Chain []*x509.Certificate
}

// NewIdentity issues a leaf certificate for cn. With a CA the leaf is
// signed by a fresh CA which becomes the chain.
func NewIdentity(t testing.TB, cn string, withCA bool) *Identity {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}

	parent, signer := tmpl, key
	var chain []*x509.Certificate
	if withCA {
		caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		caTmpl := &x509.Certificate{
			SerialNumber:          big.NewInt(time.Now().UnixNano() + 1),
			Subject:               pkix.Name{CommonName: cn + " CA"},
			NotBefore:             time.Now().Add(-time.Hour),
			NotAfter:              time.Now().Add(24 * time.Hour),
			IsCA:                  true,
			BasicConstraintsValid: true,
			KeyUsage:              x509.KeyUsageCertSign,
		}
		caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
		require.NoError(t, err)
		caCert, err := x509.ParseCertificate(caDER)
		require.NoError(t, err)
		parent, signer = caCert, caKey
		chain = append(chain, caCert)
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, signer)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &Identity{Key: key, Cert: cert, Chain: chain}
}

// PKCS12 encodes the identity with legacy 3DES protection, which every
// PKCS12 reader understands.
func (id *Identity) PKCS12(t testing.TB, password string) []byte {
	t.Helper()
	data, err := gopkcs12.LegacyDES.Encode(id.Key, id.Cert, id.Chain, password)
	require.NoError(t, err)
	return data
}
