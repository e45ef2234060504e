package message

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-as2/pkg/fault"
	"github.com/sirosfoundation/go-as2/pkg/header"
	"github.com/sirosfoundation/go-as2/pkg/mime"
	"github.com/sirosfoundation/go-as2/pkg/partner"
	"github.com/sirosfoundation/go-as2/pkg/smime"
	"github.com/sirosfoundation/go-as2/pkg/workspace"
)

// Protocol constants
const (
	AS2Version  = "1.2"
	MimeVersion = "1.0"
	UserAgent   = "go-as2"

	// DispositionOptionsFormat is the Disposition-Notification-Options value
	// requesting a signed receipt with the given micalg.
	DispositionOptionsFormat = "signed-receipt-protocol=optional, pkcs7-signature; signed-receipt-micalg=optional, %s"
)

// Errors
var (
	ErrInvalidPartner     = fault.New(fault.Configuration, "sending and receiving partners must be set")
	ErrInvalidMessage     = fault.New(fault.Malformed, "unexpected message encountered")
	ErrNoFiles            = fault.New(fault.Malformed, "at least one file must be provided")
	ErrUnsignedMDN        = fault.New(fault.Policy, "Unsigned MDN received but partner is expecting signed MDN")
	ErrUnsignedMDNPolicy  = fault.New(fault.Policy, "MDN is not signed but partner is configured for signed MDNs")
	ErrUnencryptedMessage = fault.New(fault.Policy, "Message is not encrypted but partner is configured for encrypted messages")
	ErrUnsignedMessage    = fault.New(fault.Policy, "Message is not signed but partner is configured for signed messages")
	ErrMethodNotAvailable = fault.New(fault.Unsupported, "method is not available on a request")
	ErrDecryption         = fault.New(fault.Security, "unable to decrypt message")
	ErrVerification       = fault.New(fault.Security, "unable to verify message signature")
)

// Runtime carries the collaborators an envelope needs.
type Runtime struct {
	Security smime.Provider
	Scope    *workspace.Scope
	Logger   *slog.Logger
}

func (rt Runtime) logger() *slog.Logger {
	if rt.Logger == nil {
		return slog.Default()
	}
	return rt.Logger
}

// Envelope is the common view of a Message, an MDN and a Request.
type Envelope interface {
	MessageID() string
	Headers() *header.Collection
	// Path is the file holding the envelope content.
	Path() string
	Body() ([]byte, error)
	Sending() *partner.Partner
	Receiving() *partner.Partner
	Attachments() []smime.Attachment
	IsSigned() bool
	IsEncrypted() bool
	Authentication() partner.Authentication
	URL() (string, error)
	Decode(ctx context.Context) error
}

// envelope holds the state shared by all envelope types.
type envelope struct {
	rt          Runtime
	messageID   string
	headers     *header.Collection
	sending     *partner.Partner
	receiving   *partner.Partner
	attachments []smime.Attachment
	signed      bool
	encrypted   bool
	mimeType    string
	filename    string
	path        string
	// bodyOnly is set when path holds the body without its MIME headers.
	bodyOnly bool
}

func newEnvelope(rt Runtime, sending, receiving *partner.Partner) envelope {
	return envelope{rt: rt, headers: header.New(), sending: sending, receiving: receiving}
}

// MessageID returns the Message-ID, including angle brackets.
func (e *envelope) MessageID() string { return e.messageID }

// Headers returns the transport headers.
func (e *envelope) Headers() *header.Collection { return e.headers }

// SetHeaders replaces the transport headers and adopts their Message-ID.
func (e *envelope) SetHeaders(h *header.Collection) {
	e.headers = h
	if id := h.Value("Message-ID"); id != "" {
		e.messageID = id
	}
}

// Runtime returns the collaborators the envelope was built with.
func (e *envelope) Runtime() Runtime { return e.rt }

func (e *envelope) Path() string                    { return e.path }
func (e *envelope) Sending() *partner.Partner       { return e.sending }
func (e *envelope) Receiving() *partner.Partner     { return e.receiving }
func (e *envelope) Attachments() []smime.Attachment { return e.attachments }
func (e *envelope) IsSigned() bool                  { return e.signed }
func (e *envelope) IsEncrypted() bool               { return e.encrypted }
func (e *envelope) MimeType() string                { return e.mimeType }
func (e *envelope) Filename() string                { return e.filename }

// Body returns the content of the envelope file.
func (e *envelope) Body() ([]byte, error) {
	if e.path == "" {
		return nil, fault.New(fault.Malformed, "envelope has no content")
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return nil, fmt.Errorf("reading envelope content: %w", err)
	}
	return data, nil
}

func (e *envelope) checkPartners() error {
	if e.sending == nil || e.receiving == nil {
		return ErrInvalidPartner
	}
	return nil
}

// entityFile returns a file holding the complete MIME entity, reassembling
// headers and body when needed.
func (e *envelope) entityFile(pattern string) (string, error) {
	if !e.bodyOnly {
		return e.path, nil
	}
	body, err := e.Body()
	if err != nil {
		return "", err
	}
	data := append([]byte(e.headers.String()+"\r\n\r\n"), body...)
	return e.rt.Scope.WriteFile(pattern, data)
}

// adoptEntity merges the headers of the entity at path into the transport
// headers and keeps only its body as content.
func (e *envelope) adoptEntity(path, pattern string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading encoded entity: %w", err)
	}
	h, body := mime.SplitEntity(data)
	e.headers.AddAll(h)
	e.mimeType, _ = mime.ParseMediaType(h.Value("Content-Type"))

	out, err := e.rt.Scope.WriteFile(pattern, body)
	if err != nil {
		return err
	}
	e.path = out
	e.bodyOnly = true
	return nil
}

// securityError logs a failed security operation and attaches the message id.
func (e *envelope) securityError(err error, op string) error {
	e.rt.logger().Error("security operation failed",
		"message_id", e.messageID, "op", op, "error", err)
	return fault.WithMessageID(err, fault.Security, e.messageID)
}

// NewMessageID returns a unique Message-ID scoped to the partner.
func NewMessageID(p *partner.Partner) string {
	id := "unknown"
	if p != nil {
		id = strings.ToLower(strings.ReplaceAll(p.ID(), " ", ""))
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("<%s@%d_%s_%s>", uuid.NewString(), time.Now().UnixMicro(), id, host)
}

// DispositionOptions returns the Disposition-Notification-Options value for
// a signed receipt using alg.
func DispositionOptions(alg string) string {
	if alg == "" || alg == string(partner.SignatureNone) {
		alg = string(partner.SignatureSHA1)
	}
	return fmt.Sprintf(DispositionOptionsFormat, smime.MicAlg(alg))
}

// ReceiptMicAlg returns the first supported digest requested in a
// Disposition-Notification-Options value, sha1 when none is usable.
func ReceiptMicAlg(options string) string {
	for _, param := range strings.Split(options, ";") {
		name, value, ok := strings.Cut(param, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "signed-receipt-micalg") {
			continue
		}
		for i, v := range strings.Split(value, ",") {
			v = smime.NormalizeDigest(v)
			if i == 0 && (v == "optional" || v == "required") {
				continue
			}
			switch v {
			case "md5", "sha1", "sha256", "sha384", "sha512":
				return v
			}
		}
	}
	return string(partner.SignatureSHA1)
}
