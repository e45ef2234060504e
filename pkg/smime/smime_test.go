package smime

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-as2/internal/keystore"
	"github.com/sirosfoundation/go-as2/internal/testutil"
	"github.com/sirosfoundation/go-as2/pkg/fault"
	"github.com/sirosfoundation/go-as2/pkg/mime"
	"github.com/sirosfoundation/go-as2/pkg/partner"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestMIC_WholeFile(t *testing.T) {
	dir := t.TempDir()
	data := []byte("Content-Type: application/edi-x12\r\n\r\nISA*00~")
	path := writeFile(t, dir, "plain", data)

	mic, err := MIC(path, "sha1")
	require.NoError(t, err)
	sum := sha1.Sum(data)
	assert.Equal(t, base64.StdEncoding.EncodeToString(sum[:])+", sha1", mic)

	again, err := MIC(path, "SHA1")
	require.NoError(t, err)
	assert.Equal(t, mic, again)
}

func TestMIC_SignedFirstPart(t *testing.T) {
	dir := t.TempDir()
	content := mime.NewPart("application/xml", []byte("<order/>"))
	signed := mime.NewMultipart("signed", map[string]string{"protocol": mime.TypePKCS7Signature},
		content, mime.NewPart(mime.TypePKCS7Signature, []byte("sig")))
	path := filepath.Join(dir, "signed")
	require.NoError(t, signed.WriteFile(path))

	mic, err := MIC(path, "sha-256")
	require.NoError(t, err)

	raw, err := content.Bytes()
	require.NoError(t, err)
	sum := sha256.Sum256(raw)
	assert.Equal(t, base64.StdEncoding.EncodeToString(sum[:])+", sha-256", mic)
}

func TestMIC_UnsupportedDigest(t *testing.T) {
	path := writeFile(t, t.TempDir(), "f", []byte("x"))
	_, err := MIC(path, "whirlpool")
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
	assert.ErrorIs(t, err, fault.Unsupported)
}

func TestMicAlg(t *testing.T) {
	assert.Equal(t, "sha1", MicAlg("SHA1"))
	assert.Equal(t, "md5", MicAlg("md5"))
	assert.Equal(t, "sha-256", MicAlg("sha256"))
	assert.Equal(t, "sha-512", MicAlg("SHA-512"))
}

func TestExtract(t *testing.T) {
	dir := t.TempDir()
	first := mime.NewPart("application/edi-x12", []byte("ISA*01~"))
	first.SetTransferEncoding(mime.EncodingBase64)
	first.SetFilename("../../order.edi")
	second := mime.NewPart("text/plain", []byte("notes"))
	third := mime.NewPart("text/plain", []byte("more"))
	third.SetFilename("order.edi")

	entity := mime.NewMultipart("mixed", nil, first, second, third)
	in := filepath.Join(dir, "entity")
	require.NoError(t, entity.WriteFile(in))

	out := t.TempDir()
	atts, err := Extract(in, out)
	require.NoError(t, err)
	require.Len(t, atts, 3)

	assert.Equal(t, filepath.Join(out, "order.edi"), atts[0].Path)
	assert.Equal(t, "../../order.edi", atts[0].Filename)
	assert.Equal(t, "application/edi-x12", atts[0].MimeType)
	assert.Equal(t, "base64", atts[0].Encoding)
	assert.Equal(t, []byte("ISA*01~"), mustRead(t, atts[0].Path))

	assert.Equal(t, filepath.Join(out, "payload-1"), atts[1].Path)
	assert.Equal(t, filepath.Join(out, "1-order.edi"), atts[2].Path)
}

func fakeOpenSSL(t *testing.T, script string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no shell available")
	}
	return writeExecutable(t, "#!/bin/sh\n"+script+"\n")
}

func writeExecutable(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "openssl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o700))
	return path
}

func TestOpenSSL_CommandError(t *testing.T) {
	bin := fakeOpenSSL(t, "echo 'Error reading S/MIME message'\necho 'detail line'\nexit 1")
	o := &OpenSSL{Path: bin}

	dir := t.TempDir()
	in := writeFile(t, dir, "in", []byte("x"))
	err := o.Decrypt(context.Background(), in, filepath.Join(dir, "out"), DecryptOptions{KeyFile: "k"})
	require.Error(t, err)

	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "decrypt", cerr.Op)
	assert.Equal(t, "Error reading S/MIME message", cerr.Output)
	assert.ErrorIs(t, err, fault.Security)
}

func TestOpenSSL_Timeout(t *testing.T) {
	bin := fakeOpenSSL(t, "exec sleep 5")
	o := &OpenSSL{Path: bin, Timeout: 100 * time.Millisecond}

	dir := t.TempDir()
	in := writeFile(t, dir, "in", []byte("x"))
	start := time.Now()
	err := o.Compress(context.Background(), in, filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)

	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Output, "timed out")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpenSSL_UnsupportedAlgorithms(t *testing.T) {
	o := &OpenSSL{Path: "/nonexistent"}
	err := o.Encrypt(context.Background(), "in", "out", EncryptOptions{Algorithm: "rc4-64"})
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	err = o.Sign(context.Background(), "in", "out", SignOptions{Digest: "none"})
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

var partnerCiphers = []struct {
	alg    partner.EncryptionAlgorithm
	flag   string
	legacy bool
}{
	{partner.EncryptionAES128, "-aes128", false},
	{partner.EncryptionAES192, "-aes192", false},
	{partner.EncryptionAES256, "-aes256", false},
	{partner.EncryptionDES, "-des", true},
	{partner.EncryptionDES3, "-des3", false},
	{partner.EncryptionRC240, "-rc2-40", true},
	{partner.EncryptionRC264, "-rc2-64", true},
	{partner.EncryptionRC2128, "-rc2-128", true},
	{partner.EncryptionRC440, "-rc4-40", true},
	{partner.EncryptionRC4128, "-rc4", true},
}

func TestEncryptArgs_PartnerCiphers(t *testing.T) {
	for _, tt := range partnerCiphers {
		t.Run(string(tt.alg), func(t *testing.T) {
			_, err := partner.New(partner.Config{ID: "B", EncryptionAlgorithm: tt.alg})
			require.NoError(t, err)

			args, err := encryptArgs("in", "out", EncryptOptions{CertFile: "b.cer", Algorithm: string(tt.alg)})
			require.NoError(t, err)
			assert.Equal(t, []string{"-binary", tt.flag, "b.cer"}, args[len(args)-3:])
			if tt.legacy {
				assert.Equal(t, []string{"cms", "-encrypt", "-provider", "legacy", "-provider", "default"}, args[:6])
			} else {
				assert.NotContains(t, args, "-provider")
			}
		})
	}
}

func TestOpenSSL_DecryptRetriesWithLegacyProvider(t *testing.T) {
	calls := filepath.Join(t.TempDir(), "calls")
	bin := fakeOpenSSL(t, `echo "$*" >> `+calls+`
case "$*" in
*"-provider legacy"*) exit 0 ;;
esac
echo 'inner_evp_generic_fetch:unsupported'
exit 1`)
	o := &OpenSSL{Path: bin}

	dir := t.TempDir()
	in := writeFile(t, dir, "in", []byte("x"))
	require.NoError(t, o.Decrypt(context.Background(), in, filepath.Join(dir, "out"), DecryptOptions{KeyFile: "k"}))

	lines := strings.Split(strings.TrimSpace(string(mustRead(t, calls))), "\n")
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[0], "-provider")
	assert.Contains(t, lines[1], "cms -decrypt -provider legacy -provider default")
}

func TestOpenSSL_PartnerCiphersRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("openssl"); err != nil {
		t.Skip("openssl not installed")
	}
	ctx := context.Background()
	dir := t.TempDir()
	id := testutil.NewIdentity(t, "ciphers", false)

	keyPEM, err := keystore.EncodePrivateKey(id.Key)
	require.NoError(t, err)
	key := writeFile(t, dir, "id.key", keyPEM)
	cert := writeFile(t, dir, "id.cer", keystore.EncodeCertificates(id.Cert))
	content := []byte("Content-Type: application/edi-x12\r\n\r\nISA*00*cipher~")
	in := writeFile(t, dir, "entity", content)

	legacy := exec.Command("openssl", "list", "-providers", "-provider", "legacy").Run() == nil

	o := &OpenSSL{}
	for _, tt := range partnerCiphers {
		t.Run(string(tt.alg), func(t *testing.T) {
			if tt.legacy && !legacy {
				t.Skip("openssl legacy provider not available")
			}
			encrypted := filepath.Join(dir, string(tt.alg)+".enc")
			require.NoError(t, o.Encrypt(ctx, in, encrypted, EncryptOptions{CertFile: cert, Algorithm: string(tt.alg)}))

			decrypted := filepath.Join(dir, string(tt.alg)+".dec")
			require.NoError(t, o.Decrypt(ctx, encrypted, decrypted, DecryptOptions{KeyFile: key, CertFile: cert}))
			assert.Equal(t, content, mustRead(t, decrypted))
		})
	}
}

func TestOpenSSL_RoundTrip(t *testing.T) {
	if _, err := exec.LookPath("openssl"); err != nil {
		t.Skip("openssl not installed")
	}
	ctx := context.Background()
	dir := t.TempDir()
	id := testutil.NewIdentity(t, "roundtrip", false)

	keyPEM, err := keystore.EncodePrivateKey(id.Key)
	require.NoError(t, err)
	key := writeFile(t, dir, "id.key", keyPEM)
	cert := writeFile(t, dir, "id.cer", keystore.EncodeCertificates(id.Cert))

	payload := mime.NewPart("application/edi-x12", []byte("ISA*00*payload~"))
	payload.SetTransferEncoding(mime.EncodingBase64)
	entity := mime.NewMultipart("mixed", nil, payload)
	in := filepath.Join(dir, "entity")
	require.NoError(t, entity.WriteFile(in))

	o := &OpenSSL{}
	signed := filepath.Join(dir, "signed")
	require.NoError(t, o.Sign(ctx, in, signed, SignOptions{CertFile: cert, KeyFile: key, Digest: "sha256"}))

	encrypted := filepath.Join(dir, "encrypted")
	require.NoError(t, o.Encrypt(ctx, signed, encrypted, EncryptOptions{CertFile: cert, Algorithm: "aes256"}))

	decrypted := filepath.Join(dir, "decrypted")
	require.NoError(t, o.Decrypt(ctx, encrypted, decrypted, DecryptOptions{KeyFile: key, CertFile: cert}))

	signerMIC, err := o.Checksum(ctx, signed, "sha256")
	require.NoError(t, err)
	receiverMIC, err := o.Checksum(ctx, decrypted, "sha256")
	require.NoError(t, err)
	assert.Equal(t, signerMIC, receiverMIC)

	verified := filepath.Join(dir, "verified")
	require.NoError(t, o.Verify(ctx, decrypted, verified, VerifyOptions{CertFile: cert}))

	atts, err := o.ExtractAttachments(ctx, verified, t.TempDir())
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, []byte("ISA*00*payload~"), mustRead(t, atts[0].Path))

	other := testutil.NewIdentity(t, "other", false)
	otherCert := writeFile(t, dir, "other.cer", keystore.EncodeCertificates(other.Cert))
	err = o.Verify(ctx, decrypted, filepath.Join(dir, "bad"), VerifyOptions{CertFile: otherCert})
	assert.ErrorIs(t, err, fault.Security)
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}
