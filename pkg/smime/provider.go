package smime

import (
	"context"
	"strings"

	"github.com/sirosfoundation/go-as2/pkg/fault"
)

// Provider performs the cryptographic operations on MIME entity files.
type Provider interface {
	Sign(ctx context.Context, in, out string, opts SignOptions) error
	Verify(ctx context.Context, in, out string, opts VerifyOptions) error
	Encrypt(ctx context.Context, in, out string, opts EncryptOptions) error
	Decrypt(ctx context.Context, in, out string, opts DecryptOptions) error
	Compress(ctx context.Context, in, out string) error
	Decompress(ctx context.Context, in, out string) error

	// Checksum returns the MIC of the entity at in as "<base64>, <alg>".
	Checksum(ctx context.Context, in, alg string) (string, error)

	// ExtractAttachments writes every payload of the entity at in to dir.
	ExtractAttachments(ctx context.Context, in, dir string) ([]Attachment, error)
}

// SignOptions configures Sign.
type SignOptions struct {
	CertFile string
	KeyFile  string
	Digest   string
	// Compress wraps the content in CMS compressed-data before signing.
	Compress bool
	// Encoding is the transfer encoding of the content, base64 or binary.
	Encoding string
}

// VerifyOptions configures Verify.
type VerifyOptions struct {
	// CertFile is the only certificate accepted as signer.
	CertFile string
}

// EncryptOptions configures Encrypt.
type EncryptOptions struct {
	CertFile  string
	Algorithm string
}

// DecryptOptions configures Decrypt.
type DecryptOptions struct {
	KeyFile  string
	CertFile string
}

// Attachment is a payload extracted from a MIME entity.
type Attachment struct {
	Path     string
	MimeType string
	Filename string
	Encoding string
}

// ErrUnsupportedAlgorithm is returned for digests and ciphers that cannot
// be used.
var ErrUnsupportedAlgorithm = fault.New(fault.Unsupported, "unsupported algorithm")

// CommandError reports a failed security operation.
type CommandError struct {
	Op string
	// Output is the first line the command printed.
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	msg := e.Op + " failed"
	if e.Output != "" {
		msg += ": " + e.Output
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Is matches the security fault kind.
func (e *CommandError) Is(target error) bool {
	return target == fault.Security
}

// NormalizeDigest maps names such as "SHA-256" to "sha256".
func NormalizeDigest(alg string) string {
	alg = strings.ToLower(strings.TrimSpace(alg))
	return strings.ReplaceAll(alg, "-", "")
}

// MicAlg returns the RFC 5751 micalg name for a digest.
func MicAlg(alg string) string {
	switch d := NormalizeDigest(alg); d {
	case "sha256", "sha384", "sha512":
		return "sha-" + d[3:]
	default:
		return d
	}
}
