package partner

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-as2/pkg/fault"
)

func TestNew_Defaults(t *testing.T) {
	p, err := New(Config{ID: "A"})
	require.NoError(t, err)

	assert.Equal(t, "A", p.ID())
	assert.Equal(t, MDNSync, p.MDNRequest())
	assert.True(t, p.MDNSigned())
	assert.Equal(t, DefaultMDNSubject, p.MDNSubject())
	assert.Equal(t, EncryptionDES3, p.EncryptionAlgorithm())
	assert.Equal(t, SignatureSHA1, p.SignatureAlgorithm())
	assert.False(t, p.SendCompress())
	assert.Equal(t, DefaultContentType, p.SendContentType())
	assert.Equal(t, EncodingBase64, p.SendEncoding())
	assert.Equal(t, DefaultSendSubject, p.SendSubject())
	assert.False(t, p.SendAuthentication().HasAuthentication())
	assert.True(t, p.RequiresSigning())
	assert.True(t, p.RequiresEncryption())
}

func TestNew_Overrides(t *testing.T) {
	no := false
	yes := true
	p, err := New(Config{
		ID:                  "B",
		SendURL:             "https://b.example/as2",
		MDNURL:              "https://b.example/mdn",
		SignatureAlgorithm:  "SHA256",
		EncryptionAlgorithm: "3des",
		SendEncoding:        EncodingBinary,
		SendCompress:        &yes,
		MDNRequest:          MDNAsync,
		MDNSigned:           &no,
		SendAuthentication:  Authentication{Method: "Basic", Username: "u", Password: "p"},
	})
	require.NoError(t, err)

	assert.Equal(t, SignatureSHA256, p.SignatureAlgorithm())
	assert.Equal(t, EncryptionDES3, p.EncryptionAlgorithm())
	assert.Equal(t, EncodingBinary, p.SendEncoding())
	assert.True(t, p.SendCompress())
	assert.Equal(t, MDNAsync, p.MDNRequest())
	assert.False(t, p.MDNSigned())
	assert.Equal(t, "https://b.example/mdn", p.MDNURL())
	assert.Equal(t, AuthBasic, p.SendAuthentication().Method)
	assert.True(t, p.SendAuthentication().HasAuthentication())
}

func TestNew_InvalidEnum(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		field string
		value string
	}{
		{"signature", Config{ID: "A", SignatureAlgorithm: "sha3"}, "signatureAlgorithm", "sha3"},
		{"encryption", Config{ID: "A", EncryptionAlgorithm: "blowfish"}, "encryptionAlgorithm", "blowfish"},
		{"rc4 64 bit", Config{ID: "A", EncryptionAlgorithm: "rc4-64"}, "encryptionAlgorithm", "rc4-64"},
		{"encoding", Config{ID: "A", SendEncoding: "uuencode"}, "sendEncoding", "uuencode"},
		{"mdn request", Config{ID: "A", MDNRequest: "later"}, "mdnRequest", "later"},
		{"send auth", Config{ID: "A", SendAuthentication: Authentication{Method: "kerberos"}}, "sendAuthentication.method", "kerberos"},
		{"mdn auth", Config{ID: "A", MDNAuthentication: Authentication{Method: "token"}}, "mdnAuthentication.method", "token"},
		{"send url", Config{ID: "A", SendURL: "not a url"}, "sendUrl", "not a url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.cfg)
			require.Error(t, err)
			assert.Nil(t, p)
			assert.True(t, errors.Is(err, fault.Configuration))

			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.field, cerr.Field)
			assert.Equal(t, tt.value, cerr.Value)
			assert.Contains(t, err.Error(), tt.value)
		})
	}
}

func TestNew_MissingID(t *testing.T) {
	_, err := New(Config{})
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "id", cerr.Field)
	assert.Equal(t, "required", cerr.Rule)
}

func TestAuthentication_HasAuthentication(t *testing.T) {
	assert.False(t, Authentication{}.HasAuthentication())
	assert.False(t, Authentication{Method: AuthNone}.HasAuthentication())
	for _, m := range []AuthMethod{AuthAny, AuthBasic, AuthDigest, AuthNTLM, AuthNegotiate} {
		assert.True(t, Authentication{Method: m}.HasAuthentication(), m)
	}
}

func TestPartner_HeaderID(t *testing.T) {
	assert.Equal(t, "ACME", Stub("ACME").HeaderID())
	assert.Equal(t, `"ACME Corp"`, Stub("ACME Corp").HeaderID())
}

func TestPartner_MDNURLFallback(t *testing.T) {
	p, err := New(Config{ID: "A", SendURL: "https://a.example/as2"})
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/as2", p.MDNURL())
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry([]Config{{ID: "A"}, {ID: "B Corp"}})
	require.NoError(t, err)

	p, err := r.Lookup(`"B Corp"`)
	require.NoError(t, err)
	assert.Equal(t, "B Corp", p.ID())

	_, err = r.Lookup("C")
	assert.ErrorIs(t, err, ErrUnknownPartner)
	assert.ErrorIs(t, err, fault.Configuration)

	assert.Equal(t, []string{"A", "B Corp"}, r.IDs())
}

func TestRegistry_Errors(t *testing.T) {
	_, err := NewRegistry([]Config{{ID: "A"}, {ID: "A"}})
	assert.ErrorIs(t, err, fault.Configuration)

	_, err = NewRegistry([]Config{{ID: "A", SignatureAlgorithm: "bogus"}})
	var cerr *ConfigError
	assert.ErrorAs(t, err, &cerr)
}
