package keystore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_WriteIdempotent(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "private"))
	require.NoError(t, err)

	path, err := store.Write("partner-a.key", []byte("secret"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.Root(), "partner-a.key"), path)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	again, err := store.Write("partner-a.key", []byte("secret"))
	require.NoError(t, err)
	assert.Equal(t, path, again)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.WithinDuration(t, old, info.ModTime(), time.Second, "unchanged content must not be rewritten")
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStore_WriteReplacesChangedContent(t *testing.T) {
	store, err := NewFileStore(privateDir(t))
	require.NoError(t, err)

	path, err := store.Write("b.pub", []byte("one"))
	require.NoError(t, err)
	_, err = store.Write("b.pub", []byte("two"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func privateDir(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "private")
	require.NoError(t, os.Mkdir(root, 0o700))
	return root
}

func TestNewFileStore_RejectsSharedDirectory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "shared")
	require.NoError(t, os.Mkdir(root, 0o700))
	require.NoError(t, os.Chmod(root, 0o755))

	_, err := NewFileStore(root)
	assert.ErrorIs(t, err, ErrInsecureDirectory)
	assert.Contains(t, err.Error(), "0755")

	require.NoError(t, os.Chmod(root, 0o700))
	_, err = NewFileStore(root)
	assert.NoError(t, err)
}

func TestNewFileStore_RejectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	_, err := NewFileStore(path)
	assert.ErrorContains(t, err, "not a directory")
}

func TestFileStore_ExistingFileFromPreviousRun(t *testing.T) {
	root := privateDir(t)
	path := filepath.Join(root, "c.cer")
	require.NoError(t, os.WriteFile(path, []byte("cert"), 0o600))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	store, err := NewFileStore(root)
	require.NoError(t, err)
	_, err = store.Write("c.cer", []byte("cert"))
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.WithinDuration(t, old, info.ModTime(), time.Second)
}

func TestFileStore_InvalidName(t *testing.T) {
	store, err := NewFileStore(privateDir(t))
	require.NoError(t, err)

	for _, name := range []string{"", "../x", "a/b", "/abs"} {
		_, err := store.Write(name, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestFileStore_ConcurrentWriters(t *testing.T) {
	store, err := NewFileStore(privateDir(t))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Write("shared.key", []byte("same bytes"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(filepath.Join(store.Root(), "shared.key"))
	require.NoError(t, err)
	assert.Equal(t, "same bytes", string(data))

	entries, err := os.ReadDir(store.Root())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestParsePrivateKey_Forms(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	sec1, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)
	pkcs8, err := x509.MarshalPKCS8PrivateKey(rsaKey)
	require.NoError(t, err)

	for name, der := range map[string][]byte{
		"pkcs1": x509.MarshalPKCS1PrivateKey(rsaKey),
		"sec1":  sec1,
		"pkcs8": pkcs8,
	} {
		t.Run(name, func(t *testing.T) {
			key, err := ParsePrivateKey(der)
			require.NoError(t, err)
			out, err := EncodePrivateKey(key)
			require.NoError(t, err)
			block, _ := pem.Decode(out)
			require.NotNil(t, block)
			assert.Equal(t, "PRIVATE KEY", block.Type)
		})
	}

	_, err = ParsePrivateKey([]byte("garbage"))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestCertificateHelpers(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "partner"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	parsed, err := ParseCertificate(EncodeCertificates(cert))
	require.NoError(t, err)
	assert.Equal(t, "partner", parsed.Subject.CommonName)

	parsed, err = ParseCertificate(der)
	require.NoError(t, err)
	assert.True(t, MatchesKey(parsed, key))

	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	assert.False(t, MatchesKey(parsed, other))
}
