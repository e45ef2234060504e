package as2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sirosfoundation/go-as2/pkg/fault"
	"github.com/sirosfoundation/go-as2/pkg/header"
	"github.com/sirosfoundation/go-as2/pkg/message"
	"github.com/sirosfoundation/go-as2/pkg/partner"
	"github.com/sirosfoundation/go-as2/pkg/reliability"
	"github.com/sirosfoundation/go-as2/pkg/smime"
	"github.com/sirosfoundation/go-as2/pkg/workspace"
)

// DefaultAsyncDelay is how long an asynchronous MDN waits before delivery.
const DefaultAsyncDelay = 5 * time.Second

// Errors
var (
	ErrEmptyMessage = fault.New(fault.Malformed, "An empty AS2 message was received")
	ErrNoHeaders    = fault.New(fault.Malformed, "AS2 message has no headers")
)

var requiredHeaders = []string{"Message-ID", "AS2-From", "AS2-To"}

// PartnerSource resolves AS2-From and AS2-To values.
type PartnerSource interface {
	Lookup(id string) (*partner.Partner, error)
}

// Archiver keeps copies of received transmissions.
type Archiver interface {
	// Save stores a raw transmission received from remote and returns the
	// archive name companions attach to. A non-empty name returned with an
	// error is still used.
	Save(remote string, headers *header.Collection, body []byte) (string, error)
	// SaveCompanion copies the file at path next to the archived
	// transmission under name+suffix.
	SaveCompanion(name, suffix, path string) error
}

// Handler receives decoded transmissions.
type Handler interface {
	// HandleMessage takes delivery of a verified message. An error turns the
	// receipt into a failed MDN.
	HandleMessage(ctx context.Context, msg *message.Message) error
	// HandleMDN reconciles a receipt for a message sent earlier.
	HandleMDN(ctx context.Context, mdn *message.MDN) error
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Partners PartnerSource
	Security smime.Provider
	// WorkDir is the parent of the per-request workspaces.
	WorkDir string
	// Client delivers asynchronous MDNs.
	Client *Client

	Archiver   Archiver
	Handler    Handler
	Dispatcher Dispatcher
	Recorder   Recorder
	Tracker    *reliability.MessageTracker
	AsyncDelay time.Duration
	Logger     *slog.Logger
}

// Server receives AS2 transmissions and answers them with MDNs.
type Server struct {
	partners   PartnerSource
	security   smime.Provider
	workDir    string
	client     *Client
	archiver   Archiver
	handler    Handler
	dispatcher Dispatcher
	recorder   Recorder
	tracker    *reliability.MessageTracker
	asyncDelay time.Duration
	logger     *slog.Logger
}

// NewServer creates a server.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil || cfg.Partners == nil || cfg.Security == nil {
		return nil, fault.New(fault.Configuration, "partners and security provider are required")
	}
	s := &Server{
		partners:   cfg.Partners,
		security:   cfg.Security,
		workDir:    cfg.WorkDir,
		client:     cfg.Client,
		archiver:   cfg.Archiver,
		handler:    cfg.Handler,
		dispatcher: cfg.Dispatcher,
		recorder:   cfg.Recorder,
		tracker:    cfg.Tracker,
		asyncDelay: cfg.AsyncDelay,
		logger:     cfg.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.dispatcher == nil {
		s.dispatcher = TimerDispatcher{}
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	if s.asyncDelay == 0 {
		s.asyncDelay = DefaultAsyncDelay
	}
	if s.client == nil {
		client, err := NewClient(&ClientConfig{Logger: s.logger})
		if err != nil {
			return nil, err
		}
		s.client = client
	}
	return s, nil
}

// ServeHTTP handles one AS2 transmission.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.reject(w, start, fault.Wrap(fault.Malformed, err, "failed to read request body"))
		return
	}
	if len(body) == 0 {
		s.reject(w, start, ErrEmptyMessage)
		return
	}
	headers := header.FromHTTP(r.Header)
	if err := checkHeaders(headers); err != nil {
		s.reject(w, start, err)
		return
	}

	id := headers.Value("Message-ID")
	from, to := partner.Unquote(headers.Value("AS2-From")), partner.Unquote(headers.Value("AS2-To"))
	peers := s.logger.With("as2_from", from, "as2_to", to)
	log := peers.With("message_id", id)
	log.Info("AS2 transmission received", "bytes", len(body))
	if from == to {
		log.Warn("AS2-From and AS2-To are identical")
	}
	if s.tracker != nil && s.tracker.Seen(id) {
		log.Warn("duplicate Message-ID received")
	}

	scope, err := workspace.New(s.workDir)
	if err != nil {
		log.Error("failed to create workspace", "error", err)
		s.recorder.Received(KindUnknown, OutcomeError, time.Since(start))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	owned := true
	defer func() {
		if owned {
			s.release(log, scope)
		}
	}()

	// The message package tags its own records with the message id.
	rt := message.Runtime{Security: s.security, Scope: scope, Logger: peers}
	remote := remoteHost(r)
	archived := s.archive(log, remote, headers, body)
	ctx := ContextWithTransmission(r.Context(), Transmission{Remote: remote, Archive: archived})

	sending, receiving, lookupErr := s.lookup(from, to)
	var (
		req    *message.Request
		obj    message.Envelope
		objErr = lookupErr
	)
	if lookupErr == nil {
		req, objErr = message.NewRequest(rt, body, headers.Clone(), sending, receiving)
		if objErr == nil {
			if path, ok, err := req.Decrypt(ctx); err == nil && ok {
				s.companion(log, archived, ".decrypted", path)
			}
			obj, objErr = req.Object(ctx)
		}
	}

	if req != nil && req.IsReport() {
		outcome := s.handleMDN(ctx, log, obj, objErr)
		s.recorder.Received(KindMDN, outcome, time.Since(start))
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
		return
	}

	mdn, outcome := s.handleMessage(ctx, log, rt, obj, objErr, archived, headers, sending, receiving)
	s.recorder.Received(KindMessage, outcome, time.Since(start))
	if mdn == nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if !mdn.IsAsync() {
		s.respond(w, log, mdn)
		return
	}

	w.Header().Set("Connection", "close")
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	owned = false
	s.dispatcher.Dispatch(s.asyncDelay, func(ctx context.Context) {
		defer s.release(log, scope)
		s.deliver(ctx, log, mdn)
	})
}

func checkHeaders(h *header.Collection) error {
	if h.Len() == 0 {
		return ErrNoHeaders
	}
	for _, name := range requiredHeaders {
		if h.Value(name) == "" {
			return fault.Newf(fault.Malformed, "AS2 message is missing the %s header", name)
		}
	}
	return nil
}

func (s *Server) reject(w http.ResponseWriter, start time.Time, err error) {
	s.logger.Warn("AS2 transmission rejected", "error", err)
	s.recorder.Received(KindUnknown, OutcomeRejected, time.Since(start))
	http.Error(w, fault.Text(err), http.StatusBadRequest)
}

func (s *Server) lookup(from, to string) (*partner.Partner, *partner.Partner, error) {
	sending, err := s.partners.Lookup(from)
	if err != nil {
		return nil, nil, err
	}
	receiving, err := s.partners.Lookup(to)
	if err != nil {
		return nil, nil, err
	}
	if !receiving.IsLocal() {
		return nil, nil, fault.Newf(fault.Configuration, "partner %q is not a local partner", to)
	}
	return sending, receiving, nil
}

// handleMessage decodes and delivers a message and returns the receipt for
// it. Any failure along the way is answered with a failed MDN.
func (s *Server) handleMessage(ctx context.Context, log *slog.Logger, rt message.Runtime, obj message.Envelope, objErr error,
	archived string, headers *header.Collection, sending, receiving *partner.Partner) (*message.MDN, string) {

	fail := func(cause error) (*message.MDN, string) {
		log.Error("AS2 message failed", "error", cause)
		mdn, err := s.failureMDN(ctx, rt, cause, headers, sending, receiving)
		if err != nil {
			log.Error("failed to build failure MDN", "error", err)
			return nil, OutcomeError
		}
		return mdn, OutcomeFailed
	}

	if objErr != nil {
		return fail(objErr)
	}
	msg, ok := obj.(*message.Message)
	if !ok {
		return fail(message.ErrInvalidMessage)
	}
	if err := msg.Decode(ctx); err != nil {
		return fail(err)
	}
	for i, att := range msg.Attachments() {
		s.companion(log, archived, fmt.Sprintf(".payload-%d", i), att.Path)
	}

	var handleErr error
	if s.handler != nil {
		if handleErr = s.handler.HandleMessage(ctx, msg); handleErr != nil {
			log.Error("message handler failed", "error", handleErr)
		}
	}

	mdn, err := msg.GenerateMDN(handleErr)
	if err != nil {
		return fail(err)
	}
	if err := mdn.Encode(ctx, msg); err != nil {
		return fail(err)
	}
	if handleErr != nil {
		return mdn, OutcomeFailed
	}
	log.Info("AS2 message processed", "attachments", len(msg.Attachments()), "mic", msg.MIC())
	return mdn, OutcomeProcessed
}

// failureMDN builds an unsigned failed MDN from the transport headers. Peers
// missing from the registry are addressed through stubs.
func (s *Server) failureMDN(ctx context.Context, rt message.Runtime, cause error, headers *header.Collection,
	sending, receiving *partner.Partner) (*message.MDN, error) {
	local, remote := receiving, sending
	if local == nil {
		local = partner.Stub(partner.Unquote(headers.Value("AS2-To")))
	}
	if remote == nil {
		remote = partner.Stub(partner.Unquote(headers.Value("AS2-From")))
	}

	mdn, err := message.NewFailureMDN(rt, cause, local, remote)
	if err != nil {
		return nil, err
	}
	mdn.SetAttribute(message.AttrOriginalMessageID, headers.Value("Message-ID"))
	if err := mdn.Encode(ctx, nil); err != nil {
		return nil, err
	}
	if rdo := headers.Value("Receipt-Delivery-Option"); rdo != "" {
		mdn.SetDeliveryURL(rdo)
	}
	return mdn, nil
}

// handleMDN reconciles a received receipt. Failures are only logged; no
// receipt is ever sent for an MDN.
func (s *Server) handleMDN(ctx context.Context, log *slog.Logger, obj message.Envelope, objErr error) string {
	if objErr != nil {
		log.Error("received MDN rejected", "error", objErr)
		return OutcomeRejected
	}
	mdn, ok := obj.(*message.MDN)
	if !ok {
		log.Error("received MDN rejected", "error", message.ErrInvalidMessage)
		return OutcomeRejected
	}
	if err := mdn.Decode(ctx); err != nil {
		log.Error("failed to decode MDN", "error", err)
		return OutcomeRejected
	}

	log = log.With("original_message_id", mdn.OriginalMessageID())
	log.Info("MDN received", "disposition", mdn.Disposition())

	processed := mdn.DispositionType() == message.DispositionProcessed
	if s.tracker != nil {
		err := s.tracker.RecordMDN(mdn.OriginalMessageID(), mdn.Disposition(), mdn.ReceivedMIC(), processed)
		if err != nil && !errors.Is(err, reliability.ErrNotTracked) {
			log.Warn("MDN does not acknowledge the message", "error", err)
		}
	}
	if s.handler != nil {
		if err := s.handler.HandleMDN(ctx, mdn); err != nil {
			log.Error("MDN handler failed", "error", err)
			return OutcomeError
		}
	}
	if !processed {
		return OutcomeFailed
	}
	return OutcomeProcessed
}

// respond writes mdn as the synchronous HTTP response.
func (s *Server) respond(w http.ResponseWriter, log *slog.Logger, mdn *message.MDN) {
	body, err := mdn.Body()
	if err != nil {
		log.Error("failed to read MDN", "error", err)
		s.recorder.MDNSent(ModeSync, OutcomeError)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	mdn.Headers().WriteTo(w.Header())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.Warn("failed to write MDN response", "error", err)
		s.recorder.MDNSent(ModeSync, OutcomeError)
		return
	}
	s.recorder.MDNSent(ModeSync, mdn.DispositionType())
	log.Info("synchronous MDN returned", "mdn_id", mdn.MessageID(), "disposition", mdn.DispositionType())
}

// deliver posts an asynchronous MDN.
func (s *Server) deliver(ctx context.Context, log *slog.Logger, mdn *message.MDN) {
	url, _ := mdn.URL()
	if _, err := s.client.Send(ctx, mdn); err != nil {
		log.Error("asynchronous MDN delivery failed", "url", url, "error", err)
		s.recorder.MDNSent(ModeAsync, OutcomeError)
		return
	}
	s.recorder.MDNSent(ModeAsync, mdn.DispositionType())
	log.Info("asynchronous MDN delivered", "url", url, "mdn_id", mdn.MessageID())
}

func (s *Server) archive(log *slog.Logger, remote string, headers *header.Collection, body []byte) string {
	if s.archiver == nil {
		return ""
	}
	name, err := s.archiver.Save(remote, headers, body)
	if err != nil {
		log.Warn("failed to archive transmission", "archive", name, "error", err)
	}
	return name
}

func (s *Server) companion(log *slog.Logger, name, suffix, path string) {
	if s.archiver == nil || name == "" {
		return
	}
	if err := s.archiver.SaveCompanion(name, suffix, path); err != nil {
		log.Warn("failed to archive companion file", "suffix", suffix, "error", err)
	}
}

func (s *Server) release(log *slog.Logger, scope *workspace.Scope) {
	if err := scope.Release(); err != nil {
		log.Warn("failed to release workspace", "error", err)
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
