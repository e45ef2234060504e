package message

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"

	"github.com/sirosfoundation/go-as2/pkg/fault"
	"github.com/sirosfoundation/go-as2/pkg/header"
	"github.com/sirosfoundation/go-as2/pkg/mime"
	"github.com/sirosfoundation/go-as2/pkg/partner"
	"github.com/sirosfoundation/go-as2/pkg/smime"
)

// Message is an AS2 business message.
type Message struct {
	envelope
	mic string
}

var _ Envelope = (*Message)(nil)

// NewMessage returns an empty message from sending to receiving.
func NewMessage(rt Runtime, sending, receiving *partner.Partner) *Message {
	return &Message{envelope: newEnvelope(rt, sending, receiving)}
}

// MIC returns the content MIC as "<base64>, <alg>", or "" when unknown.
func (m *Message) MIC() string { return m.mic }

// AddFile attaches the file at path. An empty mimeType is detected from
// the content, an empty filename defaults to the base name and an empty
// encoding to the receiving partner's encoding at encode time.
func (m *Message) AddFile(path, mimeType, filename, encoding string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return fault.Wrap(fault.Configuration, err, "attachment not readable")
	}
	if mimeType == "" {
		mt, err := mimetype.DetectFile(abs)
		if err != nil {
			return fmt.Errorf("detecting content type: %w", err)
		}
		mimeType = mt.String()
	}
	if filename == "" {
		filename = filepath.Base(abs)
	}
	m.attachments = append(m.attachments, smime.Attachment{
		Path:     abs,
		MimeType: mimeType,
		Filename: filename,
		Encoding: encoding,
	})
	return nil
}

// AddData attaches in-memory content, stored in the workspace.
func (m *Message) AddData(data []byte, mimeType, filename string) error {
	path, err := m.rt.Scope.WriteFile("attachment-*", data)
	if err != nil {
		return err
	}
	if mimeType == "" {
		mimeType = mimetype.Detect(data).String()
	}
	if filename == "" {
		filename = filepath.Base(path)
	}
	return m.AddFile(path, mimeType, filename, "")
}

// Encode builds the outbound transmission: MIME assembly, signing and
// encryption as the receiving partner requires, and the AS2 headers. After
// Encode the headers carry the entity headers and Path holds the body.
func (m *Message) Encode(ctx context.Context) error {
	if err := m.checkPartners(); err != nil {
		return err
	}
	if len(m.attachments) == 0 {
		return ErrNoFiles
	}
	m.mic = ""
	m.signed, m.encrypted = false, false
	m.messageID = NewMessageID(m.sending)
	log := m.rt.logger().With("message_id", m.messageID)

	file, err := m.compose()
	if err != nil {
		return fault.WithMessageID(err, fault.Malformed, m.messageID)
	}

	remote := m.receiving
	if alg := remote.SignatureAlgorithm(); alg != partner.SignatureNone {
		file, err = m.sign(ctx, file, string(alg))
		if err != nil {
			return err
		}
		log.Debug("message signed", "algorithm", alg, "mic", m.mic)
	} else if remote.SendCompress() {
		out, err := m.rt.Scope.NewFile("compressed-*")
		if err != nil {
			return err
		}
		if err := m.rt.Security.Compress(ctx, file, out); err != nil {
			return m.securityError(err, "compress")
		}
		file = out
	}

	if alg := remote.EncryptionAlgorithm(); alg != partner.EncryptionNone {
		cert, err := remote.CertificateFile(ctx)
		if err != nil {
			return fault.WithMessageID(err, fault.Configuration, m.messageID)
		}
		out, err := m.rt.Scope.NewFile("encrypted-*")
		if err != nil {
			return err
		}
		if err := m.rt.Security.Encrypt(ctx, file, out, smime.EncryptOptions{CertFile: cert, Algorithm: string(alg)}); err != nil {
			return m.securityError(err, "encrypt")
		}
		file = out
		m.encrypted = true
		log.Debug("message encrypted", "algorithm", alg)
	}

	m.headers = m.outboundHeaders()
	return m.adoptEntity(file, "message-*.body")
}

func (m *Message) compose() (string, error) {
	parts := make([]*mime.Part, 0, len(m.attachments))
	for _, att := range m.attachments {
		data, err := os.ReadFile(att.Path)
		if err != nil {
			return "", fmt.Errorf("reading attachment %s: %w", att.Filename, err)
		}
		p := mime.NewPart(att.MimeType, data)
		p.SetFilename(att.Filename)
		enc := att.Encoding
		if enc == "" {
			enc = string(m.receiving.SendEncoding())
		}
		p.SetTransferEncoding(enc)
		parts = append(parts, p)
	}

	entity := mime.NewMultipart("mixed", nil, parts...)
	data, err := entity.Bytes()
	if err != nil {
		return "", err
	}
	return m.rt.Scope.WriteFile("message-*.mime", data)
}

func (m *Message) sign(ctx context.Context, in, alg string) (string, error) {
	key, err := m.sending.PrivateKeyFile(ctx)
	if err != nil {
		return "", fault.WithMessageID(err, fault.Configuration, m.messageID)
	}
	cert, err := m.sending.PublicKeyFile(ctx)
	if err != nil {
		return "", fault.WithMessageID(err, fault.Configuration, m.messageID)
	}
	out, err := m.rt.Scope.NewFile("signed-*")
	if err != nil {
		return "", err
	}

	err = m.rt.Security.Sign(ctx, in, out, smime.SignOptions{
		CertFile: cert,
		KeyFile:  key,
		Digest:   alg,
		Compress: m.receiving.SendCompress(),
		Encoding: string(m.receiving.SendEncoding()),
	})
	if err != nil {
		return "", m.securityError(err, "sign")
	}
	m.signed = true

	if m.mic, err = m.rt.Security.Checksum(ctx, out, alg); err != nil {
		return "", m.securityError(err, "checksum")
	}
	return out, nil
}

func (m *Message) outboundHeaders() *header.Collection {
	local, remote := m.sending, m.receiving

	notifyTo := local.SendURL()
	if notifyTo == "" {
		notifyTo = local.Email()
	}
	h := header.New()
	h.Add("AS2-From", local.HeaderID())
	h.Add("AS2-To", remote.HeaderID())
	h.Add("AS2-Version", AS2Version)
	h.Add("From", local.Email())
	h.Add("Subject", local.SendSubject())
	h.Add("Message-ID", m.messageID)
	h.Add("Mime-Version", MimeVersion)
	h.Add("Disposition-Notification-To", notifyTo)
	h.Add("Recipient-Address", remote.SendURL())
	h.Add("User-Agent", UserAgent)

	if remote.MDNSigned() {
		h.Add("Disposition-Notification-Options", DispositionOptions(string(remote.SignatureAlgorithm())))
	}
	if remote.MDNRequest() == partner.MDNAsync {
		h.Add("Receipt-Delivery-Option", local.MDNURL())
	}
	return h
}

// Decode extracts the attachments into the workspace.
func (m *Message) Decode(ctx context.Context) error {
	in, err := m.entityFile("message-*.mime")
	if err != nil {
		return err
	}
	dir, err := m.rt.Scope.NewDir("attachments-")
	if err != nil {
		return err
	}
	atts, err := m.rt.Security.ExtractAttachments(ctx, in, dir)
	if err != nil {
		return fault.WithMessageID(err, fault.Malformed, m.messageID)
	}
	m.attachments = atts
	return nil
}

// URL returns the receiving partner's endpoint.
func (m *Message) URL() (string, error) {
	if m.receiving == nil {
		return "", ErrInvalidPartner
	}
	if u := m.receiving.SendURL(); u != "" {
		return u, nil
	}
	return "", fault.Newf(fault.Configuration, "partner %s has no send URL", m.receiving.ID())
}

// Authentication returns the credentials for the receiving endpoint.
func (m *Message) Authentication() partner.Authentication {
	if m.receiving == nil {
		return partner.Authentication{}
	}
	return m.receiving.SendAuthentication()
}

// GenerateMDN builds the receipt for this message. A nil err yields a
// processed disposition, anything else a failed one carrying the error text.
func (m *Message) GenerateMDN(err error) (*MDN, error) {
	mdn, merr := NewMDNForMessage(m)
	if merr != nil {
		return nil, merr
	}

	id := m.headers.Value("Message-ID")
	if id == "" {
		id = m.messageID
	}
	mdn.SetAttribute(AttrOriginalMessageID, id)
	if m.mic != "" {
		mdn.SetAttribute(AttrReceivedContentMIC, m.mic)
	}

	if err == nil {
		mdn.SetText("Successfully received AS2 message " + id)
		mdn.SetDisposition(DispositionProcessed, "")
	} else {
		text := fault.Text(err)
		mdn.SetText(text)
		mdn.SetDisposition(DispositionFailed, text)
	}
	return mdn, nil
}
