package partner

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/sirosfoundation/go-as2/internal/keystore"
	"github.com/sirosfoundation/go-as2/pkg/fault"
)

// SignatureAlgorithm is the digest used when signing messages.
type SignatureAlgorithm string

// Signature algorithms
const (
	SignatureNone   SignatureAlgorithm = "none"
	SignatureMD5    SignatureAlgorithm = "md5"
	SignatureSHA1   SignatureAlgorithm = "sha1"
	SignatureSHA256 SignatureAlgorithm = "sha256"
	SignatureSHA384 SignatureAlgorithm = "sha384"
	SignatureSHA512 SignatureAlgorithm = "sha512"
)

// EncryptionAlgorithm is the content cipher used when encrypting messages.
type EncryptionAlgorithm string

// Encryption algorithms
const (
	EncryptionNone   EncryptionAlgorithm = "none"
	EncryptionAES128 EncryptionAlgorithm = "aes128"
	EncryptionAES192 EncryptionAlgorithm = "aes192"
	EncryptionAES256 EncryptionAlgorithm = "aes256"
	EncryptionDES    EncryptionAlgorithm = "des"
	EncryptionDES3   EncryptionAlgorithm = "des3"
	EncryptionRC240  EncryptionAlgorithm = "rc2-40"
	EncryptionRC264  EncryptionAlgorithm = "rc2-64"
	EncryptionRC2128 EncryptionAlgorithm = "rc2-128"
	EncryptionRC440  EncryptionAlgorithm = "rc4-40"
	EncryptionRC4128 EncryptionAlgorithm = "rc4-128"
)

// Encoding is the content transfer encoding of outbound payloads.
type Encoding string

// Encodings
const (
	EncodingBase64 Encoding = "base64"
	EncodingBinary Encoding = "binary"
)

// MDNMode selects how receipts are returned.
type MDNMode string

// MDN modes
const (
	MDNSync  MDNMode = "sync"
	MDNAsync MDNMode = "async"
)

// Default policy values
const (
	DefaultMDNSubject  = "AS2 MDN Subject"
	DefaultContentType = "application/EDI-Consent"
	DefaultSendSubject = "AS2 Message Subject"
)

// Errors
var (
	ErrUnknownPartner = fault.New(fault.Configuration, "unknown partner")
	ErrBundle         = errors.New("invalid security bundle")
)

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field string
	Value string
	Rule  string
}

func (e *ConfigError) Error() string {
	if e.Rule == "required" {
		return fmt.Sprintf("partner field %s is required", e.Field)
	}
	return fmt.Sprintf("invalid value %q for partner field %s", e.Value, e.Field)
}

// Is classifies ConfigError as a configuration fault.
func (e *ConfigError) Is(target error) bool {
	return target == fault.Configuration
}

// Config is the declarative partner configuration.
type Config struct {
	ID      string `yaml:"id" validate:"required"`
	Name    string `yaml:"name"`
	Email   string `yaml:"email"`
	Comment string `yaml:"comment"`
	IsLocal bool   `yaml:"isLocal"`

	SendURL            string         `yaml:"sendUrl" validate:"omitempty,url"`
	SendSubject        string         `yaml:"sendSubject"`
	SendContentType    string         `yaml:"sendContentType"`
	SendEncoding       Encoding       `yaml:"sendEncoding" validate:"oneof=base64 binary"`
	SendCompress       *bool          `yaml:"sendCompress"`
	SendAuthentication Authentication `yaml:"sendAuthentication"`

	MDNRequest        MDNMode        `yaml:"mdnRequest" validate:"oneof=sync async"`
	MDNSigned         *bool          `yaml:"mdnSigned"`
	MDNSubject        string         `yaml:"mdnSubject"`
	MDNURL            string         `yaml:"mdnUrl" validate:"omitempty,url"`
	MDNAuthentication Authentication `yaml:"mdnAuthentication"`

	SignatureAlgorithm  SignatureAlgorithm  `yaml:"signatureAlgorithm" validate:"oneof=none md5 sha1 sha256 sha384 sha512"`
	EncryptionAlgorithm EncryptionAlgorithm `yaml:"encryptionAlgorithm" validate:"oneof=none aes128 aes192 aes256 des des3 rc2-40 rc2-64 rc2-128 rc4-40 rc4-128"`

	PKCS12File      string `yaml:"pkcs12File"`
	PKCS12          []byte `yaml:"-"`
	PKCS12Password  string `yaml:"pkcs12Password"`
	CertificateFile string `yaml:"certificateFile"`
	Certificate     []byte `yaml:"-"`
}

// DefaultConfig returns the default partner policy.
func DefaultConfig() Config {
	return Config{
		SendSubject:         DefaultSendSubject,
		SendContentType:     DefaultContentType,
		SendEncoding:        EncodingBase64,
		SendCompress:        boolPtr(false),
		SendAuthentication:  Authentication{Method: AuthNone},
		MDNRequest:          MDNSync,
		MDNSigned:           boolPtr(true),
		MDNSubject:          DefaultMDNSubject,
		MDNAuthentication:   Authentication{Method: AuthNone},
		SignatureAlgorithm:  SignatureSHA1,
		EncryptionAlgorithm: EncryptionDES3,
	}
}

// merge overlays the set fields of c on the defaults.
func (c Config) merge() Config {
	out := DefaultConfig()
	out.ID = c.ID
	out.Name = c.Name
	out.Email = c.Email
	out.Comment = c.Comment
	out.IsLocal = c.IsLocal
	out.SendURL = c.SendURL
	out.MDNURL = c.MDNURL
	out.PKCS12File = c.PKCS12File
	out.PKCS12 = c.PKCS12
	out.PKCS12Password = c.PKCS12Password
	out.CertificateFile = c.CertificateFile
	out.Certificate = c.Certificate

	if c.SendSubject != "" {
		out.SendSubject = c.SendSubject
	}
	if c.SendContentType != "" {
		out.SendContentType = c.SendContentType
	}
	if c.SendEncoding != "" {
		out.SendEncoding = Encoding(strings.ToLower(string(c.SendEncoding)))
	}
	if c.SendCompress != nil {
		out.SendCompress = boolPtr(*c.SendCompress)
	}
	if c.SendAuthentication.Method != "" {
		out.SendAuthentication = c.SendAuthentication.normalized()
	}
	if c.MDNRequest != "" {
		out.MDNRequest = MDNMode(strings.ToLower(string(c.MDNRequest)))
	}
	if c.MDNSigned != nil {
		out.MDNSigned = boolPtr(*c.MDNSigned)
	}
	if c.MDNSubject != "" {
		out.MDNSubject = c.MDNSubject
	}
	if c.MDNAuthentication.Method != "" {
		out.MDNAuthentication = c.MDNAuthentication.normalized()
	}
	if c.SignatureAlgorithm != "" {
		out.SignatureAlgorithm = SignatureAlgorithm(strings.ToLower(string(c.SignatureAlgorithm)))
	}
	if c.EncryptionAlgorithm != "" {
		alg := EncryptionAlgorithm(strings.ToLower(string(c.EncryptionAlgorithm)))
		if alg == "3des" {
			alg = EncryptionDES3
		}
		out.EncryptionAlgorithm = alg
	}
	return out
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every field against its allowed values.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fault.Wrap(fault.Configuration, err, "validating partner")
	}
	e := verrs[0]
	field := e.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	return &ConfigError{Field: field, Value: fmt.Sprint(e.Value()), Rule: e.Tag()}
}

// Partner is a validated trading partner.
type Partner struct {
	cfg   Config
	store keystore.SecretStore

	mu     sync.Mutex
	bundle *bundle
	files  map[string]string
}

// Option configures a Partner.
type Option func(*Partner)

// WithSecretStore sets where extracted key material is written. Without it
// the partner uses a private temporary directory created once per process.
func WithSecretStore(s keystore.SecretStore) Option {
	return func(p *Partner) { p.store = s }
}

// New merges cfg over the default policy, validates it and loads the
// security bundle if one is configured.
func New(cfg Config, opts ...Option) (*Partner, error) {
	merged := cfg.merge()
	if err := merged.Validate(); err != nil {
		return nil, err
	}

	if merged.PKCS12File != "" && len(merged.PKCS12) == 0 {
		data, err := os.ReadFile(merged.PKCS12File)
		if err != nil {
			return nil, fault.Wrap(fault.Configuration, err, "reading PKCS12 bundle")
		}
		merged.PKCS12 = data
	}
	if merged.CertificateFile != "" && len(merged.Certificate) == 0 {
		data, err := os.ReadFile(merged.CertificateFile)
		if err != nil {
			return nil, fault.Wrap(fault.Configuration, err, "reading certificate")
		}
		merged.Certificate = data
	}

	p := &Partner{
		cfg:   merged,
		files: make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}

	if len(merged.PKCS12) > 0 || len(merged.Certificate) > 0 {
		b, err := loadBundle(merged.PKCS12, merged.PKCS12Password, merged.Certificate)
		if err != nil {
			return nil, fmt.Errorf("partner %s: %w", merged.ID, err)
		}
		p.bundle = b
	}

	return p, nil
}

// Stub returns a partner with the default policy and only an id. It stands
// in for unconfigured peers when a failure receipt must still be addressed.
func Stub(id string) *Partner {
	cfg := DefaultConfig()
	cfg.ID = id
	return &Partner{cfg: cfg, files: make(map[string]string)}
}

// Config returns a copy of the effective configuration.
func (p *Partner) Config() Config {
	return p.cfg
}

// ID returns the AS2 identifier.
func (p *Partner) ID() string { return p.cfg.ID }

// HeaderID returns the identifier as written in AS2-From and AS2-To,
// quoted when it contains spaces.
func (p *Partner) HeaderID() string {
	if strings.ContainsAny(p.cfg.ID, " \t") {
		return `"` + p.cfg.ID + `"`
	}
	return p.cfg.ID
}

// Name returns the display name, falling back to the id.
func (p *Partner) Name() string {
	if p.cfg.Name != "" {
		return p.cfg.Name
	}
	return p.cfg.ID
}

func (p *Partner) Email() string           { return p.cfg.Email }
func (p *Partner) IsLocal() bool           { return p.cfg.IsLocal }
func (p *Partner) SendURL() string         { return p.cfg.SendURL }
func (p *Partner) SendSubject() string     { return p.cfg.SendSubject }
func (p *Partner) SendContentType() string { return p.cfg.SendContentType }
func (p *Partner) SendEncoding() Encoding  { return p.cfg.SendEncoding }
func (p *Partner) SendCompress() bool      { return *p.cfg.SendCompress }

func (p *Partner) SendAuthentication() Authentication { return p.cfg.SendAuthentication }

func (p *Partner) MDNRequest() MDNMode { return p.cfg.MDNRequest }
func (p *Partner) MDNSigned() bool     { return *p.cfg.MDNSigned }
func (p *Partner) MDNSubject() string  { return p.cfg.MDNSubject }

// MDNURL returns where asynchronous receipts for this partner's messages
// should be sent, falling back to the send URL.
func (p *Partner) MDNURL() string {
	if p.cfg.MDNURL != "" {
		return p.cfg.MDNURL
	}
	return p.cfg.SendURL
}

func (p *Partner) MDNAuthentication() Authentication { return p.cfg.MDNAuthentication }

func (p *Partner) SignatureAlgorithm() SignatureAlgorithm {
	return p.cfg.SignatureAlgorithm
}

func (p *Partner) EncryptionAlgorithm() EncryptionAlgorithm {
	return p.cfg.EncryptionAlgorithm
}

// RequiresSigning reports whether messages exchanged with p are signed.
func (p *Partner) RequiresSigning() bool {
	return p.cfg.SignatureAlgorithm != SignatureNone
}

// RequiresEncryption reports whether messages exchanged with p are encrypted.
func (p *Partner) RequiresEncryption() bool {
	return p.cfg.EncryptionAlgorithm != EncryptionNone
}

func (p *Partner) String() string {
	return p.cfg.ID
}

func boolPtr(b bool) *bool { return &b }
