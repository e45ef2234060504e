package smime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/sirosfoundation/go-as2/pkg/fault"
)

// DefaultTimeout bounds a single openssl invocation.
const DefaultTimeout = 30 * time.Second

// OpenSSL implements Provider with the openssl command line tool.
type OpenSSL struct {
	// Path of the binary, "openssl" when empty.
	Path    string
	Timeout time.Duration
	Logger  *slog.Logger
}

var _ Provider = (*OpenSSL)(nil)

var ciphers = map[string]string{
	"aes128":  "-aes128",
	"aes192":  "-aes192",
	"aes256":  "-aes256",
	"des":     "-des",
	"des3":    "-des3",
	"3des":    "-des3",
	"rc2-40":  "-rc2-40",
	"rc2-64":  "-rc2-64",
	"rc2-128": "-rc2-128",
	"rc4-40":  "-rc4-40",
	"rc4-128": "-rc4",
}

// OpenSSL 3 only loads these through the legacy provider.
var legacyCiphers = map[string]bool{
	"des":    true,
	"rc2-40": true, "rc2-64": true, "rc2-128": true,
	"rc4-40": true, "rc4-128": true,
}

var digests = map[string]bool{
	"md5": true, "sha1": true, "sha256": true, "sha384": true, "sha512": true,
}

// Sign produces a detached multipart/signed entity.
func (o *OpenSSL) Sign(ctx context.Context, in, out string, opts SignOptions) error {
	digest := NormalizeDigest(opts.Digest)
	if !digests[digest] {
		return fmt.Errorf("%w: digest %q", ErrUnsupportedAlgorithm, opts.Digest)
	}

	content := in
	if opts.Compress {
		content = out + ".z"
		if err := o.Compress(ctx, in, content); err != nil {
			return err
		}
		defer os.Remove(content)
	}

	args := []string{"cms", "-sign",
		"-in", content, "-out", out,
		"-signer", opts.CertFile, "-inkey", opts.KeyFile,
		"-md", digest,
	}
	if opts.Encoding == "binary" {
		args = append(args, "-binary")
	}
	return o.run(ctx, "sign", args...)
}

// Verify checks a multipart/signed entity against the partner certificate
// and writes the signed content to out.
func (o *OpenSSL) Verify(ctx context.Context, in, out string, opts VerifyOptions) error {
	return o.run(ctx, "verify", "cms", "-verify",
		"-in", in, "-out", out,
		"-certfile", opts.CertFile, "-nointern", "-noverify", "-binary")
}

// Encrypt envelopes the entity for the certificate holder.
func (o *OpenSSL) Encrypt(ctx context.Context, in, out string, opts EncryptOptions) error {
	args, err := encryptArgs(in, out, opts)
	if err != nil {
		return err
	}
	return o.run(ctx, "encrypt", args...)
}

func encryptArgs(in, out string, opts EncryptOptions) ([]string, error) {
	cipher, ok := ciphers[opts.Algorithm]
	if !ok {
		return nil, fmt.Errorf("%w: cipher %q", ErrUnsupportedAlgorithm, opts.Algorithm)
	}
	args := []string{"cms", "-encrypt"}
	if legacyCiphers[opts.Algorithm] {
		args = append(args, "-provider", "legacy", "-provider", "default")
	}
	return append(args, "-in", in, "-out", out, "-binary", cipher, opts.CertFile), nil
}

// Decrypt opens an enveloped entity with the private key. The content
// cipher is only known once openssl parses the envelope, so a failed attempt
// is retried once with the legacy provider loaded.
func (o *OpenSSL) Decrypt(ctx context.Context, in, out string, opts DecryptOptions) error {
	err := o.run(ctx, "decrypt", decryptArgs(in, out, opts, false)...)
	if err == nil || ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if lerr := o.run(ctx, "decrypt", decryptArgs(in, out, opts, true)...); lerr == nil {
		return nil
	}
	return err
}

func decryptArgs(in, out string, opts DecryptOptions, legacy bool) []string {
	args := []string{"cms", "-decrypt"}
	if legacy {
		args = append(args, "-provider", "legacy", "-provider", "default")
	}
	args = append(args, "-in", in, "-out", out, "-inkey", opts.KeyFile)
	if opts.CertFile != "" {
		args = append(args, "-recip", opts.CertFile)
	}
	return args
}

// Compress wraps the entity in CMS compressed-data.
func (o *OpenSSL) Compress(ctx context.Context, in, out string) error {
	return o.run(ctx, "compress", "cms", "-compress", "-in", in, "-out", out, "-binary")
}

// Decompress unwraps CMS compressed-data.
func (o *OpenSSL) Decompress(ctx context.Context, in, out string) error {
	return o.run(ctx, "decompress", "cms", "-uncompress", "-in", in, "-out", out, "-binary")
}

// Checksum computes the MIC natively.
func (o *OpenSSL) Checksum(ctx context.Context, in, alg string) (string, error) {
	return MIC(in, alg)
}

// ExtractAttachments extracts payloads natively.
func (o *OpenSSL) ExtractAttachments(ctx context.Context, in, dir string) ([]Attachment, error) {
	return Extract(in, dir)
}

func (o *OpenSSL) run(ctx context.Context, op string, args ...string) error {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	path := o.Path
	if path == "" {
		path = "openssl"
	}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.WaitDelay = time.Second

	start := time.Now()
	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &CommandError{Op: op, Output: fmt.Sprintf("timed out after %s", timeout), Err: ctx.Err()}
		}
		if errors.Is(err, exec.ErrNotFound) {
			return &CommandError{Op: op, Err: fault.Wrap(fault.Configuration, err, "openssl not found")}
		}
		return &CommandError{Op: op, Output: firstLine(output), Err: err}
	}

	o.logger().Debug("security operation completed", "op", op, "duration", time.Since(start))
	return nil
}

func (o *OpenSSL) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func firstLine(out []byte) string {
	out = bytes.TrimSpace(out)
	if i := bytes.IndexByte(out, '\n'); i >= 0 {
		out = out[:i]
	}
	return string(bytes.TrimSpace(out))
}
