// Package keystore persists partner key material derived from PKCS12
// bundles and certificates.
//
// The security backend consumes keys and certificates as files, so every
// partner's extracted secrets are written below a private root:
//
//	{root}/{partnerID}.key   private key (PKCS#8 PEM)
//	{root}/{partnerID}.pub   leaf certificate (PEM)
//	{root}/{partnerID}.cer   configured or leaf certificate (PEM)
//	{root}/{partnerID}.p12   raw PKCS12 bundle
//	{root}/{partnerID}.ca    CA chain (PEM)
//
// Writes are content addressed: a file whose bytes are unchanged is never
// rewritten, and new content is swapped in by atomic rename so concurrent
// readers never observe a partial file.
package keystore

import "errors"

// Common errors
var (
	ErrInvalidName = errors.New("invalid secret file name")
	ErrNoPEM       = errors.New("no PEM block found")
	ErrUnsupported = errors.New("unsupported key type")

	ErrInsecureDirectory = errors.New("secret directory is not private")
)

// SecretStore writes named secret files and returns their paths.
//
// Implementations must be safe for concurrent use.
type SecretStore interface {
	// Write stores data under name and returns the file path. The write is
	// skipped when the file already holds identical bytes.
	Write(name string, data []byte) (string, error)
}
