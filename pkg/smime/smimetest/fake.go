// Package smimetest provides an in-process smime.Provider for tests.
//
// The Fake produces structurally valid AS2 entities (multipart/signed,
// application/pkcs7-mime) without real cryptography. Signatures bind the
// content to the signer certificate file and envelopes bind it to the
// recipient certificate, so verification with the wrong certificate fails
// the way a real provider would.
package smimetest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/sirosfoundation/go-as2/pkg/mime"
	"github.com/sirosfoundation/go-as2/pkg/smime"
)

// Fake is a deterministic smime.Provider.
type Fake struct {
	mu    sync.Mutex
	calls map[string]int

	// Fail makes the named operation return a CommandError.
	Fail map[string]bool
}

var _ smime.Provider = (*Fake)(nil)

// Calls returns how often op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[op]++
	if f.Fail[op] {
		return &smime.CommandError{Op: op, Output: "forced failure"}
	}
	return nil
}

func fingerprint(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (f *Fake) Sign(ctx context.Context, in, out string, opts smime.SignOptions) error {
	if err := f.record("sign"); err != nil {
		return err
	}
	content, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	if opts.Compress {
		if content, err = wrap(content, "compressed-data", ""); err != nil {
			return err
		}
	}
	cert, err := os.ReadFile(opts.CertFile)
	if err != nil {
		return err
	}
	if _, err := os.ReadFile(opts.KeyFile); err != nil {
		return err
	}

	first, err := mime.Parse(content)
	if err != nil {
		return err
	}
	sig := mime.NewPart(mime.TypePKCS7Signature+"; name=smime.p7s", []byte(fingerprint(first.Raw(), cert)))
	sig.SetTransferEncoding(mime.EncodingBase64)
	signed := mime.NewMultipart("signed", map[string]string{
		"protocol": mime.TypePKCS7Signature,
		"micalg":   smime.MicAlg(opts.Digest),
	}, first, sig)
	return signed.WriteFile(out)
}

func (f *Fake) Verify(ctx context.Context, in, out string, opts smime.VerifyOptions) error {
	if err := f.record("verify"); err != nil {
		return err
	}
	entity, err := mime.ParseFile(in)
	if err != nil {
		return err
	}
	if len(entity.Parts) != 2 {
		return &smime.CommandError{Op: "verify", Output: "not a signed entity"}
	}
	cert, err := os.ReadFile(opts.CertFile)
	if err != nil {
		return err
	}
	content := entity.Parts[0].Raw()
	if string(entity.Parts[1].Body) != fingerprint(content, cert) {
		return &smime.CommandError{Op: "verify", Output: "signature failure"}
	}
	return os.WriteFile(out, content, 0o600)
}

func (f *Fake) Encrypt(ctx context.Context, in, out string, opts smime.EncryptOptions) error {
	if err := f.record("encrypt"); err != nil {
		return err
	}
	content, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	cert, err := os.ReadFile(opts.CertFile)
	if err != nil {
		return err
	}
	data, err := wrap(content, "enveloped-data", fingerprint(cert))
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o600)
}

func (f *Fake) Decrypt(ctx context.Context, in, out string, opts smime.DecryptOptions) error {
	if err := f.record("decrypt"); err != nil {
		return err
	}
	cert, err := os.ReadFile(opts.CertFile)
	if err != nil {
		return err
	}
	content, err := unwrap(in, fingerprint(cert))
	if err != nil {
		return err
	}
	return os.WriteFile(out, content, 0o600)
}

func (f *Fake) Compress(ctx context.Context, in, out string) error {
	if err := f.record("compress"); err != nil {
		return err
	}
	content, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	data, err := wrap(content, "compressed-data", "")
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o600)
}

func (f *Fake) Decompress(ctx context.Context, in, out string) error {
	if err := f.record("decompress"); err != nil {
		return err
	}
	content, err := unwrap(in, "")
	if err != nil {
		return err
	}
	return os.WriteFile(out, content, 0o600)
}

func (f *Fake) Checksum(ctx context.Context, in, alg string) (string, error) {
	if err := f.record("checksum"); err != nil {
		return "", err
	}
	return smime.MIC(in, alg)
}

func (f *Fake) ExtractAttachments(ctx context.Context, in, dir string) ([]smime.Attachment, error) {
	if err := f.record("extract"); err != nil {
		return nil, err
	}
	return smime.Extract(in, dir)
}

// wrap builds an application/pkcs7-mime entity whose body is the recipient
// tag followed by the content.
func wrap(content []byte, smimeType, recipient string) ([]byte, error) {
	body := append([]byte(recipient+"\n"), content...)
	p := mime.NewPart(fmt.Sprintf("%s; smime-type=%s; name=smime.p7m", mime.TypePKCS7MIME, smimeType), body)
	p.SetTransferEncoding(mime.EncodingBase64)
	return p.Bytes()
}

func unwrap(path, recipient string) ([]byte, error) {
	entity, err := mime.ParseFile(path)
	if err != nil {
		return nil, err
	}
	tag, content, ok := bytes.Cut(entity.Body, []byte("\n"))
	if !ok {
		return nil, &smime.CommandError{Op: "unwrap", Output: "malformed envelope"}
	}
	if string(tag) != recipient {
		return nil, &smime.CommandError{Op: "decrypt", Output: "no recipient matches certificate"}
	}
	return content, nil
}
