package message

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-as2/pkg/fault"
	"github.com/sirosfoundation/go-as2/pkg/mime"
	"github.com/sirosfoundation/go-as2/pkg/partner"
)

// receiveAtB transmits msg to B and returns the decoded message there.
func receiveAtB(t *testing.T, p *pair, msg *Message) *Message {
	t.Helper()
	obj, err := transmit(t, msg, p.b).Object(context.Background())
	require.NoError(t, err)
	received, ok := obj.(*Message)
	require.True(t, ok)
	return received
}

// receiptAtA transmits an encoded MDN back to A and decodes it.
func receiptAtA(t *testing.T, p *pair, mdn *MDN) (*MDN, *Request, error) {
	t.Helper()
	req := transmit(t, mdn, p.a)
	obj, err := req.Object(context.Background())
	if err != nil {
		return nil, req, err
	}
	got, ok := obj.(*MDN)
	require.True(t, ok)
	require.NoError(t, got.Decode(context.Background()))
	return got, req, nil
}

func TestMDN_ProcessedRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, nil, nil)
	msg := encodeFromA(t, p, "ISA*00~")
	received := receiveAtB(t, p, msg)

	mdn, err := received.GenerateMDN(nil)
	require.NoError(t, err)
	assert.Equal(t, DispositionProcessed, mdn.DispositionType())
	assert.Empty(t, mdn.DispositionModifier())
	assert.Equal(t, p.b.local, mdn.Sending())
	assert.Equal(t, p.b.remote, mdn.Receiving())

	require.NoError(t, mdn.Encode(ctx, received))
	assert.True(t, mdn.IsSigned())
	assert.False(t, mdn.IsAsync())
	h := mdn.Headers()
	assert.Equal(t, "B", h.Value("AS2-From"))
	assert.Equal(t, "A", h.Value("AS2-To"))
	assert.Equal(t, partner.DefaultMDNSubject, h.Value("Subject"))
	assert.Equal(t, UserAgent, h.Value("Server"))
	assert.Equal(t, "https://A.example.com/as2", h.Value("Recipient-Address"))
	assert.Equal(t, "https://B.example.com/as2", h.Value("Disposition-Notification-To"))
	mt, _ := mime.ParseMediaType(h.Value("Content-Type"))
	assert.Equal(t, mime.TypeMultipartSigned, mt)

	got, req, err := receiptAtA(t, p, mdn)
	require.NoError(t, err)
	assert.True(t, req.IsReport())
	assert.True(t, got.IsSigned())
	assert.Equal(t, DispositionProcessed, got.DispositionType())
	assert.Equal(t, msg.MessageID(), got.OriginalMessageID())
	assert.Equal(t, msg.MIC(), got.ReceivedMIC())
	assert.Equal(t, "Successfully received AS2 message "+msg.MessageID(), got.Text())
	assert.Equal(t, "rfc822; B", got.Attribute(AttrFinalRecipient))
	assert.Equal(t, ActionAutomatic, got.Attribute(AttrActionMode))
}

func TestMDN_FailedRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, nil, nil)
	received := receiveAtB(t, p, encodeFromA(t, p, "payload"))

	mdn, err := received.GenerateMDN(fault.WithMessageID(ErrUnsignedMessage, fault.Policy, received.MessageID()))
	require.NoError(t, err)
	require.NoError(t, mdn.Encode(ctx, received))
	assert.Equal(t,
		"automatic-action/MDN-sent-automatically; failed: "+ErrUnsignedMessage.Error(),
		mdn.Disposition())

	got, _, err := receiptAtA(t, p, mdn)
	require.NoError(t, err)
	assert.Equal(t, DispositionFailed, got.DispositionType())
	assert.Equal(t, ErrUnsignedMessage.Error(), got.DispositionModifier())
	assert.Equal(t, ErrUnsignedMessage.Error(), got.Text())
}

func TestMDN_Async(t *testing.T) {
	p := newPair(t, func(c *partner.Config) { c.MDNRequest = partner.MDNAsync }, nil)
	received := receiveAtB(t, p, encodeFromA(t, p, "payload"))

	mdn, err := received.GenerateMDN(nil)
	require.NoError(t, err)
	require.NoError(t, mdn.Encode(context.Background(), received))

	assert.True(t, mdn.IsAsync())
	u, err := mdn.URL()
	require.NoError(t, err)
	assert.Equal(t, "https://A.example.com/as2", u)
	assert.Equal(t, "https://B.example.com/as2", mdn.Headers().Value("Recipient-Address"))
	assert.Equal(t, "https://B.example.com/as2", mdn.Headers().Value("Disposition-Notification-To"))
}

func TestMDN_UnsignedRejected(t *testing.T) {
	p := newPair(t, nil, nil)
	mdn, err := NewFailureMDN(p.b.rt, fault.New(fault.Malformed, "bad"), p.b.local, p.b.remote)
	require.NoError(t, err)
	require.NoError(t, mdn.Encode(context.Background(), nil))
	assert.False(t, mdn.IsSigned())

	_, req, err := receiptAtA(t, p, mdn)
	assert.ErrorIs(t, err, ErrUnsignedMDNPolicy)
	assert.True(t, req.IsReport())
}

func TestMDN_UnsignedAcceptedWithoutSignaturePolicy(t *testing.T) {
	// A signed-MDN preference alone does not demand a signature when the
	// partner signs nothing.
	p := newPair(t, func(c *partner.Config) { c.SignatureAlgorithm = partner.SignatureNone }, nil)
	mdn, err := NewFailureMDN(p.b.rt, fault.New(fault.Malformed, "bad"), p.b.local, p.b.remote)
	require.NoError(t, err)
	require.NoError(t, mdn.Encode(context.Background(), nil))

	got, _, err := receiptAtA(t, p, mdn)
	require.NoError(t, err)
	assert.Equal(t, DispositionFailed, got.DispositionType())
	assert.Equal(t, "bad", got.DispositionModifier())
}

func TestMDN_DispositionInvariant(t *testing.T) {
	p := newPair(t, nil, nil)
	mdn, err := NewFailureMDN(p.b.rt, fault.New(fault.Policy, "rejected"), p.b.local, p.b.remote)
	require.NoError(t, err)
	assert.Equal(t, "rejected", mdn.DispositionModifier())

	mdn.SetDisposition(DispositionProcessed, "ignored")
	assert.Equal(t, DispositionProcessed, mdn.DispositionType())
	assert.Empty(t, mdn.DispositionModifier())
	assert.Equal(t, "automatic-action/MDN-sent-automatically; processed", mdn.Disposition())
}

func TestNewMDN_InvalidSources(t *testing.T) {
	p := newPair(t, nil, nil)
	sources := []MDNSource{
		nil,
		FromFault{Sending: p.b.local, Receiving: p.b.remote},
		FromRequest{},
		FromMessage{},
		FromPart{},
	}
	for _, src := range sources {
		_, err := NewMDN(p.b.rt, src)
		assert.ErrorIs(t, err, ErrInvalidMessage)
	}
	_, err := NewMDNFromRequest(nil)
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = NewMDNForMessage(nil)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestNewMDN_FromUnsignedRequest(t *testing.T) {
	p := newPair(t, nil, nil)
	req, err := NewRequest(p.a.rt, []byte("body"), nil, p.a.remote, p.a.local)
	require.NoError(t, err)

	_, err = NewMDNFromRequest(req)
	assert.ErrorIs(t, err, ErrUnsignedMDN)
	assert.ErrorIs(t, err, fault.Policy)
}

func TestMDN_DecodeWithoutNotification(t *testing.T) {
	p := newPair(t, nil, nil)
	report := mime.NewMultipart("report", map[string]string{"report-type": "disposition-notification"},
		mime.NewPart(mime.TypeTextPlain, []byte("just text")))
	data, err := report.Bytes()
	require.NoError(t, err)
	part, err := mime.Parse(data)
	require.NoError(t, err)

	mdn, err := NewMDNFromPart(p.a.rt, part, p.a.remote, p.a.local)
	require.NoError(t, err)
	assert.ErrorIs(t, mdn.Decode(context.Background()), fault.Malformed)
}
