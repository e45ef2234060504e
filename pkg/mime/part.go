package mime

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-as2/pkg/fault"
	"github.com/sirosfoundation/go-as2/pkg/header"
)

// Media types used by AS2
const (
	TypeMultipartMixed   = "multipart/mixed"
	TypeMultipartSigned  = "multipart/signed"
	TypeMultipartReport  = "multipart/report"
	TypePKCS7MIME        = "application/pkcs7-mime"
	TypeXPKCS7MIME       = "application/x-pkcs7-mime"
	TypePKCS7Signature   = "application/pkcs7-signature"
	TypeDispositionNotif = "message/disposition-notification"
	TypeTextPlain        = "text/plain"
	TypeOctetStream      = "application/octet-stream"
)

// Transfer encodings
const (
	EncodingBase64          = "base64"
	EncodingBinary          = "binary"
	EncodingQuotedPrintable = "quoted-printable"
	Encoding7Bit            = "7bit"
	Encoding8Bit            = "8bit"
)

const lineLength = 76

// Part is a MIME entity: a leaf with a decoded body or a multipart
// container with child parts.
type Part struct {
	Header *header.Collection
	Body   []byte
	Parts  []*Part

	raw []byte
}

// NewPart returns a leaf part with the given content type and content.
func NewPart(contentType string, body []byte) *Part {
	h := header.New()
	h.Add("Content-Type", contentType)
	return &Part{Header: h, Body: body}
}

// NewMultipart returns a multipart/<subtype> container with a fresh
// boundary. Extra Content-Type parameters may be supplied.
func NewMultipart(subtype string, params map[string]string, parts ...*Part) *Part {
	all := map[string]string{"boundary": NewBoundary()}
	for k, v := range params {
		all[k] = v
	}
	h := header.New()
	h.Add("Content-Type", mime.FormatMediaType("multipart/"+subtype, all))
	return &Part{Header: h, Parts: parts}
}

// NewBoundary returns a unique multipart boundary.
func NewBoundary() string {
	return "----=_Part_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// SetTransferEncoding sets Content-Transfer-Encoding.
func (p *Part) SetTransferEncoding(enc string) {
	p.Header.Add("Content-Transfer-Encoding", enc)
	p.raw = nil
}

// SetFilename marks the part as an attachment with the given name.
func (p *Part) SetFilename(name string) {
	p.Header.Add("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	p.raw = nil
}

// MediaType returns the lower-cased media type and its parameters. A part
// without Content-Type is text/plain as per RFC 2045.
func (p *Part) MediaType() (string, map[string]string) {
	return ParseMediaType(p.Header.Value("Content-Type"))
}

// ParseMediaType parses a Content-Type value leniently.
func ParseMediaType(v string) (string, map[string]string) {
	if strings.TrimSpace(v) == "" {
		return TypeTextPlain, map[string]string{}
	}
	mt, params, err := mime.ParseMediaType(v)
	if err != nil {
		mt, _, _ = strings.Cut(v, ";")
		params = map[string]string{}
	}
	return strings.ToLower(strings.TrimSpace(mt)), params
}

// IsMultipart reports whether p is a container.
func (p *Part) IsMultipart() bool {
	mt, _ := p.MediaType()
	return strings.HasPrefix(mt, "multipart/")
}

// TransferEncoding returns the lower-cased Content-Transfer-Encoding.
func (p *Part) TransferEncoding() string {
	return strings.ToLower(strings.TrimSpace(p.Header.Value("Content-Transfer-Encoding")))
}

// Filename returns the attachment name from Content-Disposition or the
// Content-Type name parameter.
func (p *Part) Filename() string {
	if cd := p.Header.Value("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return params["filename"]
		}
	}
	_, params := p.MediaType()
	return params["name"]
}

// Raw returns the bytes a parsed part was read from, or nil for built parts.
func (p *Part) Raw() []byte {
	return p.raw
}

// Leaves returns all non-multipart parts in document order.
func (p *Part) Leaves() []*Part {
	if !p.IsMultipart() {
		return []*Part{p}
	}
	var out []*Part
	for _, c := range p.Parts {
		out = append(out, c.Leaves()...)
	}
	return out
}

// Bytes serializes the part with its headers.
func (p *Part) Bytes() ([]byte, error) {
	if p.raw != nil {
		return p.raw, nil
	}
	body, err := p.BodyBytes()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(p.Header.String())
	buf.WriteString("\r\n\r\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

// BodyBytes serializes the part body without headers, applying the
// transfer encoding.
func (p *Part) BodyBytes() ([]byte, error) {
	if p.raw != nil {
		_, body := header.Split(string(p.raw))
		return []byte(body), nil
	}
	if !p.IsMultipart() {
		return encodeBody(p.Body, p.TransferEncoding())
	}

	_, params := p.MediaType()
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fault.New(fault.Malformed, "multipart part without boundary")
	}
	var buf bytes.Buffer
	for _, c := range p.Parts {
		data, err := c.Bytes()
		if err != nil {
			return nil, err
		}
		buf.WriteString("--" + boundary + "\r\n")
		buf.Write(data)
		buf.WriteString("\r\n")
	}
	buf.WriteString("--" + boundary + "--\r\n")
	return buf.Bytes(), nil
}

// WriteFile writes the serialized part to path.
func (p *Part) WriteFile(path string) error {
	data, err := p.Bytes()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing MIME entity: %w", err)
	}
	return nil
}

func encodeBody(body []byte, enc string) ([]byte, error) {
	switch enc {
	case EncodingBase64:
		return wrapBase64(body), nil
	case EncodingQuotedPrintable:
		var buf bytes.Buffer
		w := quotedprintable.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, fmt.Errorf("encoding quoted-printable: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("encoding quoted-printable: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return body, nil
	}
}

func wrapBase64(body []byte) []byte {
	enc := base64.StdEncoding.EncodeToString(body)
	var buf bytes.Buffer
	for len(enc) > lineLength {
		buf.WriteString(enc[:lineLength])
		buf.WriteString("\r\n")
		enc = enc[lineLength:]
	}
	buf.WriteString(enc)
	return buf.Bytes()
}

// DecodeBody reverses a Content-Transfer-Encoding. Unknown encodings are
// passed through.
func DecodeBody(body []byte, enc string) ([]byte, error) {
	switch enc {
	case EncodingBase64:
		clean := bytes.Map(func(r rune) rune {
			switch r {
			case ' ', '\t', '\r', '\n':
				return -1
			}
			return r
		}, body)
		out := make([]byte, base64.StdEncoding.DecodedLen(len(clean)))
		n, err := base64.StdEncoding.Decode(out, clean)
		if err != nil {
			return nil, fault.Wrap(fault.Malformed, err, "decoding base64 body")
		}
		return out[:n], nil
	case EncodingQuotedPrintable:
		out, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fault.Wrap(fault.Malformed, err, "decoding quoted-printable body")
		}
		return out, nil
	default:
		return body, nil
	}
}
