package keystore

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// ParsePrivateKey decodes a private key from DER bytes in PKCS#8, PKCS#1
// or SEC 1 form. PKCS12 decoders label all three as "PRIVATE KEY", so the
// block type is not trusted.
func ParsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, ErrUnsupported
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, ErrUnsupported
}

// EncodePrivateKey renders key as a PKCS#8 "PRIVATE KEY" PEM block.
func EncodePrivateKey(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// EncodeCertificates renders certificates as concatenated PEM blocks.
func EncodeCertificates(certs ...*x509.Certificate) []byte {
	var out []byte
	for _, c := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	return out
}

// ParseCertificate decodes the first certificate of PEM or DER input.
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
		}
		return x509.ParseCertificate(block.Bytes)
	}
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, ErrNoPEM
	}
	return cert, nil
}

// MatchesKey reports whether cert carries the public half of key.
func MatchesKey(cert *x509.Certificate, key crypto.Signer) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	pub, ok := key.Public().(equaler)
	return ok && pub.Equal(cert.PublicKey)
}
