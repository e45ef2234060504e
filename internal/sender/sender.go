// Package sender provides outbound message delivery for the AS2 daemon.
//
// The Sender builds, signs, encrypts and posts messages to trading
// partners through an as2.Client and records every attempt in the
// transmission store. A synchronous MDN is reconciled with the record as
// soon as it arrives; asynchronous MDNs are reconciled by the server when
// the partner posts them back.
//
// # Outbox
//
// When an outbox directory is configured the Sender polls it in the
// background. Files placed in <outbox>/<partner-id>/ are sent to that
// partner from the local partner and then moved into the sent/ or
// failed/ subdirectory.
//
// # Async MDN Queue
//
// [Queue] is the worker pool the server uses to deliver asynchronous MDNs
// after the HTTP exchange that requested them has completed.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirosfoundation/go-as2/internal/metrics"
	"github.com/sirosfoundation/go-as2/internal/storage"
	"github.com/sirosfoundation/go-as2/pkg/as2"
	"github.com/sirosfoundation/go-as2/pkg/fault"
	"github.com/sirosfoundation/go-as2/pkg/message"
	"github.com/sirosfoundation/go-as2/pkg/partner"
	"github.com/sirosfoundation/go-as2/pkg/smime"
	"github.com/sirosfoundation/go-as2/pkg/workspace"
)

// Outbox subdirectories for processed files.
const (
	SentDir   = "sent"
	FailedDir = "failed"
)

// Sentinel errors
var (
	ErrNoLocalPartner = errors.New("no local partner configured")
	ErrNotLocal       = errors.New("sending partner is not a local partner")
)

// Sender delivers outbound AS2 messages
type Sender struct {
	client   *as2.Client
	partners *partner.Registry
	security smime.Provider
	store    storage.TransmissionStore
	metrics  *metrics.Metrics
	logger   *slog.Logger

	workDir      string
	localID      string
	outboxDir    string
	pollInterval time.Duration

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds sender configuration
type Config struct {
	Client   *as2.Client
	Partners *partner.Registry
	Security smime.Provider
	// Store, when set, receives one record per outbound message.
	Store   storage.TransmissionStore
	Metrics *metrics.Metrics
	WorkDir string
	// LocalID is the default sending partner. Empty selects the first
	// local partner of the registry.
	LocalID      string
	OutboxDir    string
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Outbound describes one message to send
type Outbound struct {
	From     string // empty uses the default local partner
	To       string
	Files    []string
	MimeType string // empty detects the type per file
}

// Result describes a completed send
type Result struct {
	MessageID      string
	MIC            string
	TransmissionID string
	Response       *as2.Response
}

// New creates a sender
func New(cfg *Config) (*Sender, error) {
	if cfg == nil || cfg.Client == nil || cfg.Partners == nil || cfg.Security == nil {
		return nil, errors.New("sender: client, partners and security provider are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sender{
		client:       cfg.Client,
		partners:     cfg.Partners,
		security:     cfg.Security,
		store:        cfg.Store,
		metrics:      cfg.Metrics,
		logger:       logger,
		workDir:      cfg.WorkDir,
		localID:      cfg.LocalID,
		outboxDir:    cfg.OutboxDir,
		pollInterval: cfg.PollInterval,
	}
	if s.pollInterval <= 0 {
		s.pollInterval = 10 * time.Second
	}
	if s.localID == "" {
		for _, id := range cfg.Partners.IDs() {
			if p, err := cfg.Partners.Lookup(id); err == nil && p.IsLocal() {
				s.localID = id
				break
			}
		}
	}
	return s, nil
}

// Send encodes the files into one message and posts it to the partner.
// The returned error carries the message id once one has been assigned.
func (s *Sender) Send(ctx context.Context, out Outbound) (*Result, error) {
	fromID := out.From
	if fromID == "" {
		fromID = s.localID
	}
	if fromID == "" {
		return nil, ErrNoLocalPartner
	}
	from, err := s.partners.Lookup(fromID)
	if err != nil {
		return nil, err
	}
	if !from.IsLocal() {
		return nil, fmt.Errorf("%w: %s", ErrNotLocal, fromID)
	}
	to, err := s.partners.Lookup(out.To)
	if err != nil {
		return nil, err
	}
	if len(out.Files) == 0 {
		return nil, message.ErrNoFiles
	}

	scope, err := workspace.New(s.workDir)
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	defer func() {
		if err := scope.Release(); err != nil {
			s.logger.Warn("failed to release workspace", "error", err)
		}
	}()

	log := s.logger.With("as2_from", from.ID(), "as2_to", to.ID())
	msg := message.NewMessage(message.Runtime{Security: s.security, Scope: scope, Logger: log}, from, to)
	refs := make([]storage.PayloadRef, 0, len(out.Files))
	for _, path := range out.Files {
		if err := msg.AddFile(path, out.MimeType, "", ""); err != nil {
			return nil, err
		}
		ref := storage.PayloadRef{Filename: filepath.Base(path), ContentType: out.MimeType}
		if fi, err := os.Stat(path); err == nil {
			ref.Size = fi.Size()
		}
		refs = append(refs, ref)
	}
	for i, att := range msg.Attachments() {
		refs[i].ContentType = att.MimeType
	}
	if err := msg.Encode(ctx); err != nil {
		return nil, fault.WithMessageID(err, fault.KindOf(err), msg.MessageID())
	}

	result := &Result{MessageID: msg.MessageID(), MIC: msg.MIC()}
	record := &storage.Transmission{
		Direction: storage.DirectionOutbound,
		Status:    storage.StatusSent,
		MessageID: msg.MessageID(),
		FromID:    from.ID(),
		ToID:      to.ID(),
		Subject:   to.SendSubject(),
		Signed:    msg.IsSigned(),
		Encrypted: msg.IsEncrypted(),
		MIC:       msg.MIC(),
		MDNMode:   string(to.MDNRequest()),
		Payloads:  refs,
	}

	resp, sendErr := s.client.Send(ctx, msg)
	result.Response = resp
	if sendErr != nil {
		record.Status = storage.StatusFailed
		record.Detail = fault.Text(sendErr)
	}
	s.record(ctx, log, record)
	result.TransmissionID = record.ID
	if sendErr != nil {
		return result, sendErr
	}

	if resp != nil && resp.MDN != nil && s.store != nil {
		if err := s.store.RecordReceipt(ctx, msg.MessageID(), storage.ReceiptFromMDN(resp.MDN)); err != nil {
			log.Error("failed to record receipt", "message_id", msg.MessageID(), "error", err)
			s.storeError("receipt")
		}
		if resp.MDN.DispositionType() != message.DispositionProcessed {
			return result, fault.Newf(fault.Delivery, "partner reported failure: %s", resp.MDN.Disposition())
		}
	}
	return result, nil
}

func (s *Sender) record(ctx context.Context, log *slog.Logger, t *storage.Transmission) {
	if s.store == nil {
		return
	}
	if err := s.store.CreateTransmission(ctx, t); err != nil {
		log.Error("failed to record transmission", "message_id", t.MessageID, "error", err)
		s.storeError("create")
	}
}

func (s *Sender) storeError(op string) {
	if s.metrics != nil {
		s.metrics.StoreError(op)
	}
}

// Start begins polling the outbox. It does nothing without an outbox
// directory.
func (s *Sender) Start(ctx context.Context) {
	if s.outboxDir == "" {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
	s.logger.Info("sender started", "outbox", s.outboxDir, "poll_interval", s.pollInterval)
}

// Stop gracefully stops the sender
func (s *Sender) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("sender stopped")
}

func (s *Sender) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		s.ProcessOutbox(s.ctx)
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOutbox sends every file waiting in the outbox once and returns the
// number of files handled.
func (s *Sender) ProcessOutbox(ctx context.Context) int {
	entries, err := os.ReadDir(s.outboxDir)
	if err != nil {
		s.logger.Error("failed to read outbox", "dir", s.outboxDir, "error", err)
		return 0
	}

	handled := 0
	for _, dir := range entries {
		if !dir.IsDir() || strings.HasPrefix(dir.Name(), ".") {
			continue
		}
		partnerDir := filepath.Join(s.outboxDir, dir.Name())
		files, err := os.ReadDir(partnerDir)
		if err != nil {
			s.logger.Error("failed to read partner outbox", "dir", partnerDir, "error", err)
			continue
		}
		for _, f := range files {
			if ctx.Err() != nil {
				return handled
			}
			if f.IsDir() || strings.HasPrefix(f.Name(), ".") {
				continue
			}
			s.sendFile(ctx, dir.Name(), filepath.Join(partnerDir, f.Name()))
			handled++
		}
	}
	return handled
}

func (s *Sender) sendFile(ctx context.Context, partnerID, path string) {
	log := s.logger.With("as2_to", partnerID, "file", path)

	dest := SentDir
	res, err := s.Send(ctx, Outbound{To: partnerID, Files: []string{path}})
	if err != nil {
		dest = FailedDir
		log.Error("outbox file not delivered", "error", err)
	} else {
		log.Info("outbox file delivered", "message_id", res.MessageID)
	}

	target := filepath.Join(filepath.Dir(path), dest)
	if err := os.MkdirAll(target, 0o750); err != nil {
		log.Error("failed to create outbox directory", "error", err)
		return
	}
	if err := os.Rename(path, filepath.Join(target, filepath.Base(path))); err != nil {
		log.Error("failed to move outbox file", "error", err)
	}
}
