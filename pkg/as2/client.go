package as2

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sirosfoundation/go-as2/pkg/fault"
	"github.com/sirosfoundation/go-as2/pkg/header"
	"github.com/sirosfoundation/go-as2/pkg/message"
	"github.com/sirosfoundation/go-as2/pkg/partner"
	"github.com/sirosfoundation/go-as2/pkg/reliability"
	"github.com/sirosfoundation/go-as2/pkg/transport"
)

// ClientConfig holds client configuration
type ClientConfig struct {
	// Transport configures the HTTP layer. Nil uses the defaults.
	Transport *transport.HTTPSConfig
	// Tracker, when set, follows every outbound message until its MDN.
	Tracker *reliability.MessageTracker
	Logger  *slog.Logger
}

// Client delivers encoded messages and MDNs to partners.
type Client struct {
	http    *transport.HTTPSClient
	tracker *reliability.MessageTracker
	logger  *slog.Logger
}

// Response is the partner's answer to a transmission.
type Response struct {
	StatusCode int
	// Hops holds the response headers of every redirect, final last.
	Hops    []http.Header
	Headers *header.Collection
	Body    []byte
	// MDN is the decoded synchronous receipt, if one was requested.
	MDN *message.MDN
}

// NewClient creates a client.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		cfg = &ClientConfig{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient, err := transport.NewHTTPSClient(cfg.Transport)
	if err != nil {
		return nil, err
	}
	return &Client{http: httpClient, tracker: cfg.Tracker, logger: logger}, nil
}

// Send posts env to its URL. When env is a Message whose partner returns
// receipts synchronously, the response is decoded into Response.MDN.
func (c *Client) Send(ctx context.Context, env message.Envelope) (*Response, error) {
	id := env.MessageID()
	log := c.logger.With("message_id", id)

	url, err := env.URL()
	if err != nil {
		return nil, fault.WithMessageID(err, fault.Configuration, id)
	}
	body, err := env.Body()
	if err != nil {
		return nil, fault.WithMessageID(err, fault.Malformed, id)
	}

	msg, isMessage := env.(*message.Message)
	if isMessage && c.tracker != nil {
		receiving := msg.Receiving()
		c.tracker.Track(id, receiving.ID(), msg.MIC(), receiving.MDNRequest() == partner.MDNAsync)
		_ = c.tracker.MarkSending(id)
	}

	log.Info("sending AS2 transmission", "url", url)
	res, err := c.http.Post(ctx, transport.Request{
		URL:     url,
		Headers: env.Headers(),
		Body:    body,
		Auth:    env.Authentication(),
	})
	var resp *Response
	if res != nil {
		resp = &Response{
			StatusCode: res.StatusCode,
			Hops:       res.Hops,
			Headers:    res.Headers(),
			Body:       res.Body,
		}
	}
	if err != nil {
		log.Error("transmission failed", "url", url, "error", err)
		if isMessage && c.tracker != nil {
			_ = c.tracker.RecordError(id, err)
		}
		return resp, fault.WithMessageID(err, fault.Delivery, id)
	}
	log.Info("transmission delivered", "status", res.StatusCode, "hops", len(res.Hops))

	if !isMessage {
		return resp, nil
	}
	if c.tracker != nil {
		_ = c.tracker.MarkAwaitingMDN(id)
	}
	if msg.Receiving().MDNRequest() != partner.MDNSync {
		return resp, nil
	}

	mdn, err := c.syncMDN(ctx, msg, resp)
	if err != nil {
		log.Error("synchronous MDN rejected", "error", err)
		if c.tracker != nil {
			_ = c.tracker.RecordError(id, err)
		}
		return resp, fault.WithMessageID(err, fault.KindOf(err), id)
	}
	resp.MDN = mdn
	log.Info("MDN received", "disposition", mdn.Disposition())

	if c.tracker != nil {
		if err := c.tracker.RecordMDN(id, mdn.Disposition(), mdn.ReceivedMIC(),
			mdn.DispositionType() == message.DispositionProcessed); err != nil {
			log.Warn("MDN does not acknowledge the message", "error", err)
		}
	}
	return resp, nil
}

// syncMDN decodes the receipt carried by the response body. The partners
// swap roles: the receipt comes from msg's receiver.
func (c *Client) syncMDN(ctx context.Context, msg *message.Message, resp *Response) (*message.MDN, error) {
	req, err := message.NewRequest(msg.Runtime(), resp.Body, resp.Headers, msg.Receiving(), msg.Sending())
	if err != nil {
		return nil, err
	}
	obj, err := req.Object(ctx)
	if err != nil {
		return nil, err
	}
	mdn, ok := obj.(*message.MDN)
	if !ok {
		return nil, message.ErrInvalidMessage
	}
	if err := mdn.Decode(ctx); err != nil {
		return nil, err
	}
	return mdn, nil
}
