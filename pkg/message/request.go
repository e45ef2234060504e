package message

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirosfoundation/go-as2/pkg/fault"
	"github.com/sirosfoundation/go-as2/pkg/header"
	"github.com/sirosfoundation/go-as2/pkg/mime"
	"github.com/sirosfoundation/go-as2/pkg/partner"
	"github.com/sirosfoundation/go-as2/pkg/smime"
)

// Request is a received transmission. It is decoded into a Message or an
// MDN by Object.
type Request struct {
	envelope
	mic    string
	report bool

	decrypted   string
	decryptErr  error
	decryptDone bool
}

var _ Envelope = (*Request)(nil)

// NewRequest stores body in the workspace and returns the request.
func NewRequest(rt Runtime, body []byte, headers *header.Collection, sending, receiving *partner.Partner) (*Request, error) {
	r := &Request{envelope: newEnvelope(rt, sending, receiving)}
	if headers != nil {
		r.SetHeaders(headers)
	}
	path, err := rt.Scope.WriteFile("request-*.body", body)
	if err != nil {
		return nil, err
	}
	r.path = path
	r.bodyOnly = true
	r.mimeType, _ = mime.ParseMediaType(r.headers.Value("Content-Type"))
	return r, nil
}

// MIC returns the MIC computed by Object.
func (r *Request) MIC() string { return r.mic }

// IsReport reports whether the content was found to be a multipart/report.
// It stays set when Object fails afterwards.
func (r *Request) IsReport() bool { return r.report }

// Decrypt opens an enveloped transmission with the receiving partner's key.
// It returns the path of the decrypted entity and true, or false when the
// content is not enveloped. The work is done once per request.
func (r *Request) Decrypt(ctx context.Context) (string, bool, error) {
	if r.decryptDone {
		return r.decrypted, r.decrypted != "", r.decryptErr
	}
	r.decryptDone = true

	mt, params := mime.ParseMediaType(r.headers.Value("Content-Type"))
	if !isPKCS7(mt) || strings.EqualFold(params["smime-type"], "compressed-data") {
		return "", false, nil
	}

	r.decrypted, r.decryptErr = r.decrypt(ctx)
	if r.decryptErr != nil {
		r.decrypted = ""
		return "", false, r.decryptErr
	}
	return r.decrypted, true, nil
}

func (r *Request) decrypt(ctx context.Context) (string, error) {
	if err := r.checkPartners(); err != nil {
		return "", err
	}
	in, err := r.smimeInput()
	if err != nil {
		return "", err
	}
	key, err := r.receiving.PrivateKeyFile(ctx)
	if err != nil {
		return "", fault.WithMessageID(err, fault.Configuration, r.messageID)
	}
	cert, err := r.receiving.PublicKeyFile(ctx)
	if err != nil {
		return "", fault.WithMessageID(err, fault.Configuration, r.messageID)
	}
	out, err := r.rt.Scope.NewFile("decrypted-*")
	if err != nil {
		return "", err
	}

	r.rt.logger().Info("message is encrypted", "message_id", r.messageID)
	if err := r.rt.Security.Decrypt(ctx, in, out, smime.DecryptOptions{KeyFile: key, CertFile: cert}); err != nil {
		return "", r.securityError(fmt.Errorf("%w: %w", ErrDecryption, err), "decrypt")
	}
	r.rt.logger().Info("message decrypted", "message_id", r.messageID, "partner", r.receiving.ID())
	return out, nil
}

// smimeInput writes the transmission as an S/MIME entity with a base64 body,
// the form the security provider reads enveloped and compressed data in.
func (r *Request) smimeInput() (string, error) {
	body, err := r.Body()
	if err != nil {
		return "", err
	}
	return r.toSMIME(r.headers, body)
}

func (r *Request) toSMIME(h *header.Collection, body []byte) (string, error) {
	p := &mime.Part{Header: h}
	decoded, err := mime.DecodeBody(body, p.TransferEncoding())
	if err != nil {
		return "", err
	}
	out := mime.NewPart(h.Value("Content-Type"), decoded)
	if cd := h.Value("Content-Disposition"); cd != "" {
		out.Header.Add("Content-Disposition", cd)
	}
	out.SetTransferEncoding(mime.EncodingBase64)
	data, err := out.Bytes()
	if err != nil {
		return "", err
	}
	return r.rt.Scope.WriteFile("smime-*", data)
}

// Object decrypts, decompresses and verifies the transmission, applies the
// sending partner's policy and returns the resulting *Message or *MDN.
func (r *Request) Object(ctx context.Context) (Envelope, error) {
	obj, err := r.object(ctx)
	if err != nil {
		return nil, fault.WithMessageID(err, fault.KindOf(err), r.messageID)
	}
	return obj, nil
}

func (r *Request) object(ctx context.Context) (Envelope, error) {
	if err := r.checkPartners(); err != nil {
		return nil, err
	}
	log := r.rt.logger().With("message_id", r.messageID)

	in, err := r.entityFile("request-*.mime")
	if err != nil {
		return nil, err
	}
	mt, params := mime.ParseMediaType(r.headers.Value("Content-Type"))

	if isPKCS7(mt) && !strings.EqualFold(params["smime-type"], "compressed-data") {
		path, ok, err := r.Decrypt(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			in = path
			r.encrypted = true
			if mt, params, err = entityType(in); err != nil {
				return nil, err
			}
		}
	}

	if in, mt, params, err = r.decompress(ctx, in, mt, params); err != nil {
		return nil, err
	}

	if mt == mime.TypeMultipartSigned {
		alg := params["micalg"]
		if alg == "" {
			alg = string(partner.SignatureSHA1)
		}
		log.Info("message is signed", "micalg", alg)
		r.report = signsReport(in)
		if r.mic, err = r.rt.Security.Checksum(ctx, in, alg); err != nil {
			return nil, r.securityError(err, "checksum")
		}

		cert, err := r.sending.CertificateFile(ctx)
		if err != nil {
			return nil, err
		}
		out, err := r.rt.Scope.NewFile("verified-*")
		if err != nil {
			return nil, err
		}
		if err := r.rt.Security.Verify(ctx, in, out, smime.VerifyOptions{CertFile: cert}); err != nil {
			return nil, r.securityError(fmt.Errorf("%w: %w", ErrVerification, err), "verify")
		}
		log.Info("signature verified", "partner", r.sending.ID())
		r.signed = true
		in = out
		if mt, params, err = entityType(in); err != nil {
			return nil, err
		}
		if in, mt, _, err = r.decompress(ctx, in, mt, params); err != nil {
			return nil, err
		}
	} else {
		if r.mic, err = r.rt.Security.Checksum(ctx, in, string(partner.SignatureSHA1)); err != nil {
			return nil, r.securityError(err, "checksum")
		}
	}

	r.report = r.report || mt == mime.TypeMultipartReport
	if err := r.checkMessageConstruction(mt); err != nil {
		return nil, err
	}

	part, err := mime.ParseFile(in)
	if err != nil {
		return nil, err
	}

	var obj interface {
		Envelope
		SetHeaders(*header.Collection)
	}
	if r.report {
		mdn, err := NewMDNFromPart(r.rt, part, r.sending, r.receiving)
		if err != nil {
			return nil, err
		}
		mdn.signed, mdn.encrypted = r.signed, r.encrypted
		obj = mdn
	} else {
		msg := NewMessage(r.rt, r.sending, r.receiving)
		msg.path = in
		msg.mimeType = mt
		msg.mic = r.mic
		msg.signed, msg.encrypted = r.signed, r.encrypted
		obj = msg
	}
	obj.SetHeaders(r.headers.Clone())
	return obj, nil
}

// decompress unwraps CMS compressed-data when the entity at in carries it.
func (r *Request) decompress(ctx context.Context, in, mt string, params map[string]string) (string, string, map[string]string, error) {
	if !isPKCS7(mt) || !strings.EqualFold(params["smime-type"], "compressed-data") {
		return in, mt, params, nil
	}
	data, err := os.ReadFile(in)
	if err != nil {
		return "", "", nil, fmt.Errorf("reading compressed entity: %w", err)
	}
	h, body := mime.SplitEntity(data)
	src, err := r.toSMIME(h, body)
	if err != nil {
		return "", "", nil, err
	}
	out, err := r.rt.Scope.NewFile("decompressed-*")
	if err != nil {
		return "", "", nil, err
	}
	if err := r.rt.Security.Decompress(ctx, src, out); err != nil {
		return "", "", nil, r.securityError(err, "decompress")
	}
	r.rt.logger().Info("message decompressed", "message_id", r.messageID)
	mt, params, err = entityType(out)
	return out, mt, params, err
}

// checkMessageConstruction enforces the sending partner's policy. For
// reports the signature requirement follows both the signature algorithm
// and the signed-MDN flag.
func (r *Request) checkMessageConstruction(mt string) error {
	p := r.sending
	if mt == mime.TypeMultipartReport {
		if p.SignatureAlgorithm() != partner.SignatureNone && p.MDNSigned() && !r.signed {
			return ErrUnsignedMDNPolicy
		}
		return nil
	}
	if p.EncryptionAlgorithm() != partner.EncryptionNone && !r.encrypted {
		return ErrUnencryptedMessage
	}
	if p.SignatureAlgorithm() != partner.SignatureNone && !r.signed {
		return ErrUnsignedMessage
	}
	return nil
}

// Encode is not available on a request.
func (r *Request) Encode(context.Context) error { return ErrMethodNotAvailable }

// Decode is not available on a request.
func (r *Request) Decode(context.Context) error { return ErrMethodNotAvailable }

// URL is not available on a request.
func (r *Request) URL() (string, error) { return "", ErrMethodNotAvailable }

// Authentication returns no credentials.
func (r *Request) Authentication() partner.Authentication { return partner.Authentication{} }

func isPKCS7(mt string) bool {
	return mt == mime.TypePKCS7MIME || mt == mime.TypeXPKCS7MIME
}

// signsReport reports whether the signed entity at path carries a
// multipart/report.
func signsReport(path string) bool {
	entity, err := mime.ParseFile(path)
	if err != nil || len(entity.Parts) == 0 {
		return false
	}
	mt, _ := entity.Parts[0].MediaType()
	return mt == mime.TypeMultipartReport
}

func entityType(path string) (string, map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("reading entity: %w", err)
	}
	h, _ := mime.SplitEntity(data)
	mt, params := mime.ParseMediaType(h.Value("Content-Type"))
	return mt, params, nil
}
