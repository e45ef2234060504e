package message

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirosfoundation/go-as2/pkg/fault"
	"github.com/sirosfoundation/go-as2/pkg/header"
	"github.com/sirosfoundation/go-as2/pkg/mime"
	"github.com/sirosfoundation/go-as2/pkg/partner"
	"github.com/sirosfoundation/go-as2/pkg/smime"
)

// Disposition values
const (
	ActionAutomatic = "automatic-action"
	ActionManual    = "manual-action"
	ModeAutomatic   = "MDN-sent-automatically"
	ModeManual      = "MDN-sent-manually"

	DispositionProcessed = "processed"
	DispositionFailed    = "failed"
)

// MDN attribute names
const (
	AttrActionMode          = "action-mode"
	AttrSendingMode         = "sending-mode"
	AttrDispositionType     = "disposition-type"
	AttrDispositionModifier = "disposition-modifier"
	AttrOriginalMessageID   = "original-message-id"
	AttrReceivedContentMIC  = "received-content-mic"
	AttrOriginalRecipient   = "original-recipient"
	AttrFinalRecipient      = "final-recipient"
	AttrReportingUA         = "reporting-ua"
)

// MDN is a message disposition notification.
type MDN struct {
	envelope
	attributes *header.Collection
	text       string
	url        string
}

var _ Envelope = (*MDN)(nil)

// MDNSource is one of FromFault, FromRequest, FromMessage or FromPart.
type MDNSource interface {
	mdnSource()
}

// FromFault builds a failure MDN for an error raised before a message
// could be decoded.
type FromFault struct {
	Err       error
	Sending   *partner.Partner
	Receiving *partner.Partner
}

// FromRequest adopts a received transmission that carries an MDN.
type FromRequest struct {
	Request *Request
}

// FromMessage builds the receipt for a message. The MDN travels back to the
// message's sender.
type FromMessage struct {
	Message *Message
}

// FromPart wraps an already parsed multipart/report entity.
type FromPart struct {
	Part      *mime.Part
	Sending   *partner.Partner
	Receiving *partner.Partner
}

func (FromFault) mdnSource()   {}
func (FromRequest) mdnSource() {}
func (FromMessage) mdnSource() {}
func (FromPart) mdnSource()    {}

// NewMDN builds an MDN from src.
func NewMDN(rt Runtime, src MDNSource) (*MDN, error) {
	m := &MDN{attributes: header.New()}
	m.SetAttribute(AttrActionMode, ActionAutomatic)
	m.SetAttribute(AttrSendingMode, ModeAutomatic)

	switch s := src.(type) {
	case FromFault:
		if s.Err == nil {
			return nil, ErrInvalidMessage
		}
		m.envelope = newEnvelope(rt, s.Sending, s.Receiving)
		text := fault.Text(s.Err)
		m.SetText(text)
		m.SetDisposition(DispositionFailed, text)

	case FromRequest:
		if s.Request == nil {
			return nil, ErrInvalidMessage
		}
		r := s.Request
		m.envelope = newEnvelope(r.rt, r.sending, r.receiving)
		m.SetHeaders(r.headers.Clone())
		m.path = r.path
		m.bodyOnly = true
		m.mimeType = mime.TypeMultipartReport
		m.signed = r.signed
		if r.sending != nil && r.sending.MDNSigned() && !r.signed {
			return nil, fault.WithMessageID(ErrUnsignedMDN, fault.Policy, m.messageID)
		}

	case FromMessage:
		if s.Message == nil {
			return nil, ErrInvalidMessage
		}
		msg := s.Message
		m.envelope = newEnvelope(msg.rt, msg.receiving, msg.sending)

	case FromPart:
		if s.Part == nil {
			return nil, ErrInvalidMessage
		}
		m.envelope = newEnvelope(rt, s.Sending, s.Receiving)
		data, err := s.Part.Bytes()
		if err != nil {
			return nil, err
		}
		path, err := rt.Scope.WriteFile("mdn-*.mime", data)
		if err != nil {
			return nil, err
		}
		m.path = path
		m.mimeType, _ = s.Part.MediaType()

	default:
		return nil, ErrInvalidMessage
	}
	return m, nil
}

// NewFailureMDN builds a failed MDN carrying err.
func NewFailureMDN(rt Runtime, err error, sending, receiving *partner.Partner) (*MDN, error) {
	return NewMDN(rt, FromFault{Err: err, Sending: sending, Receiving: receiving})
}

// NewMDNFromRequest adopts the MDN carried by r.
func NewMDNFromRequest(r *Request) (*MDN, error) {
	if r == nil {
		return nil, ErrInvalidMessage
	}
	return NewMDN(r.rt, FromRequest{Request: r})
}

// NewMDNForMessage returns an empty receipt addressed to msg's sender.
func NewMDNForMessage(msg *Message) (*MDN, error) {
	if msg == nil {
		return nil, ErrInvalidMessage
	}
	return NewMDN(msg.rt, FromMessage{Message: msg})
}

// NewMDNFromPart wraps a parsed report entity.
func NewMDNFromPart(rt Runtime, part *mime.Part, sending, receiving *partner.Partner) (*MDN, error) {
	return NewMDN(rt, FromPart{Part: part, Sending: sending, Receiving: receiving})
}

// SetAttribute sets a disposition notification field.
func (m *MDN) SetAttribute(name, value string) { m.attributes.Add(name, value) }

// Attribute returns a disposition notification field.
func (m *MDN) Attribute(name string) string { return m.attributes.Value(name) }

// SetDisposition sets the disposition type. The modifier is kept only for
// dispositions other than processed.
func (m *MDN) SetDisposition(typ, modifier string) {
	m.SetAttribute(AttrDispositionType, typ)
	if typ == DispositionProcessed || modifier == "" {
		m.attributes.Remove(AttrDispositionModifier)
		return
	}
	m.SetAttribute(AttrDispositionModifier, modifier)
}

func (m *MDN) DispositionType() string     { return m.Attribute(AttrDispositionType) }
func (m *MDN) DispositionModifier() string { return m.Attribute(AttrDispositionModifier) }
func (m *MDN) OriginalMessageID() string   { return m.Attribute(AttrOriginalMessageID) }
func (m *MDN) ReceivedMIC() string         { return m.Attribute(AttrReceivedContentMIC) }
func (m *MDN) Text() string                { return m.text }
func (m *MDN) SetText(text string)         { m.text = text }

// Disposition renders the Disposition field.
func (m *MDN) Disposition() string {
	d := fmt.Sprintf("%s/%s; %s", m.Attribute(AttrActionMode), m.Attribute(AttrSendingMode), m.DispositionType())
	if m.DispositionType() != DispositionProcessed && m.DispositionModifier() != "" {
		d += ": " + m.DispositionModifier()
	}
	return d
}

// URL returns the asynchronous delivery URL, or the receiving partner's MDN
// URL when none was requested.
func (m *MDN) URL() (string, error) {
	if m.url != "" {
		return m.url, nil
	}
	if m.receiving != nil {
		if u := m.receiving.MDNURL(); u != "" {
			return u, nil
		}
	}
	return "", fault.New(fault.Configuration, "no MDN delivery URL")
}

// SetDeliveryURL makes the MDN asynchronous, delivered to u.
func (m *MDN) SetDeliveryURL(u string) { m.url = u }

// IsAsync reports whether the sender asked for asynchronous delivery.
func (m *MDN) IsAsync() bool { return m.url != "" }

// Authentication returns the credentials for the MDN endpoint.
func (m *MDN) Authentication() partner.Authentication {
	if m.receiving == nil {
		return partner.Authentication{}
	}
	return m.receiving.MDNAuthentication()
}

// Encode builds the multipart/report entity and the AS2 headers. When
// forMessage asked for a signed receipt the report is signed with the
// requested micalg; when it gave a Receipt-Delivery-Option the MDN becomes
// asynchronous.
func (m *MDN) Encode(ctx context.Context, forMessage *Message) error {
	if err := m.checkPartners(); err != nil {
		return err
	}
	local, remote := m.sending, m.receiving
	m.messageID = NewMessageID(local)
	m.signed = false

	report := mime.NewMultipart("report", map[string]string{"report-type": "disposition-notification"},
		m.textPart(), m.notificationPart())
	data, err := report.Bytes()
	if err != nil {
		return err
	}
	file, err := m.rt.Scope.WriteFile("mdn-*.mime", data)
	if err != nil {
		return err
	}

	h := header.New()
	h.Add("AS2-From", local.HeaderID())
	h.Add("AS2-To", remote.HeaderID())
	h.Add("AS2-Version", AS2Version)
	h.Add("Message-ID", m.messageID)
	h.Add("Mime-Version", MimeVersion)
	h.Add("From", local.Email())
	h.Add("Subject", local.MDNSubject())
	if u := local.SendURL(); u != "" {
		h.Add("Disposition-Notification-To", u)
	}
	h.Add("Recipient-Address", remote.SendURL())
	h.Add("Server", UserAgent)
	h.Add("User-Agent", UserAgent)

	var options string
	if forMessage != nil {
		// Asynchronous receipts go to the delivery option URL and name the
		// issuing station as their recipient address.
		if rdo := forMessage.Headers().Value("Receipt-Delivery-Option"); rdo != "" {
			m.url = rdo
			h.Add("Recipient-Address", local.SendURL())
		}
		options = forMessage.Headers().Value("Disposition-Notification-Options")
	}

	if options != "" {
		file, err = m.sign(ctx, file, ReceiptMicAlg(options))
		if err != nil {
			return err
		}
	}

	m.headers = h
	return m.adoptEntity(file, "mdn-*.body")
}

func (m *MDN) textPart() *mime.Part {
	p := mime.NewPart(mime.TypeTextPlain, []byte(m.text))
	p.SetTransferEncoding(mime.Encoding7Bit)
	return p
}

func (m *MDN) notificationPart() *mime.Part {
	recipient := "rfc822; " + m.sending.HeaderID()

	fields := header.New()
	fields.Add("Reporting-UA", valueOr(m.Attribute(AttrReportingUA), UserAgent))
	fields.Add("Original-Recipient", valueOr(m.Attribute(AttrOriginalRecipient), recipient))
	fields.Add("Final-Recipient", valueOr(m.Attribute(AttrFinalRecipient), recipient))
	fields.Add("Original-Message-ID", m.OriginalMessageID())
	fields.Add("Disposition", m.Disposition())
	if mic := m.ReceivedMIC(); mic != "" {
		fields.Add("Received-Content-MIC", mic)
	}

	p := mime.NewPart(mime.TypeDispositionNotif, []byte(fields.String()+"\r\n"))
	p.SetTransferEncoding(mime.Encoding7Bit)
	return p
}

func (m *MDN) sign(ctx context.Context, in, alg string) (string, error) {
	key, err := m.sending.PrivateKeyFile(ctx)
	if err != nil {
		return "", fault.WithMessageID(err, fault.Configuration, m.messageID)
	}
	cert, err := m.sending.PublicKeyFile(ctx)
	if err != nil {
		return "", fault.WithMessageID(err, fault.Configuration, m.messageID)
	}
	out, err := m.rt.Scope.NewFile("mdn-signed-*")
	if err != nil {
		return "", err
	}
	if err := m.rt.Security.Sign(ctx, in, out, smime.SignOptions{CertFile: cert, KeyFile: key, Digest: alg}); err != nil {
		return "", m.securityError(err, "sign")
	}
	m.signed = true
	return out, nil
}

// Decode reads the disposition fields and the human readable text.
func (m *MDN) Decode(ctx context.Context) error {
	in, err := m.entityFile("mdn-*.mime")
	if err != nil {
		return err
	}
	entity, err := mime.ParseFile(in)
	if err != nil {
		return fault.WithMessageID(err, fault.Malformed, m.messageID)
	}

	var text []string
	found := false
	for _, leaf := range entity.Leaves() {
		switch mt, _ := leaf.MediaType(); mt {
		case mime.TypeDispositionNotif:
			m.readNotification(string(leaf.Body))
			found = true
		case mime.TypePKCS7Signature:
		default:
			if t := strings.TrimSpace(string(leaf.Body)); t != "" {
				text = append(text, t)
			}
		}
	}
	if !found {
		return fault.WithMessageID(fault.New(fault.Malformed, "report has no disposition notification"), fault.Malformed, m.messageID)
	}
	m.text = strings.Join(text, "\n")
	return nil
}

func (m *MDN) readNotification(body string) {
	fields, _ := header.ParseBlock(body)
	m.attributes = header.New()
	for name, value := range fields.All() {
		if !strings.EqualFold(name, "Disposition") {
			m.attributes.Add(strings.ToLower(name), value)
			continue
		}
		modes, rest, _ := strings.Cut(value, ";")
		action, sending, _ := strings.Cut(modes, "/")
		m.SetAttribute(AttrActionMode, strings.TrimSpace(action))
		m.SetAttribute(AttrSendingMode, strings.TrimSpace(sending))

		typ, modifier, _ := strings.Cut(rest, ":")
		typ, sub, _ := strings.Cut(strings.TrimSpace(typ), "/")
		modifier = strings.TrimSpace(modifier)
		if modifier == "" {
			modifier = strings.TrimSpace(sub)
		}
		m.SetDisposition(strings.ToLower(strings.TrimSpace(typ)), modifier)
	}
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
