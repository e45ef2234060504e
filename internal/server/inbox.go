package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-as2/internal/metrics"
	"github.com/sirosfoundation/go-as2/internal/storage"
	"github.com/sirosfoundation/go-as2/pkg/as2"
	"github.com/sirosfoundation/go-as2/pkg/message"
)

// inbox persists what the AS2 endpoint accepts.
type inbox struct {
	store   storage.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ as2.Handler = (*inbox)(nil)

// HandleMessage records a decoded message and copies its payloads out of
// the request workspace. A storage failure fails the message so the
// partner receives a failure MDN.
func (h *inbox) HandleMessage(ctx context.Context, msg *message.Message) error {
	t := &storage.Transmission{
		ID:        uuid.NewString(),
		Direction: storage.DirectionInbound,
		Status:    storage.StatusProcessed,
		MessageID: msg.MessageID(),
		Signed:    msg.IsSigned(),
		Encrypted: msg.IsEncrypted(),
		MIC:       msg.MIC(),
		MDNMode:   mdnMode(msg),
	}
	if p := msg.Sending(); p != nil {
		t.FromID = p.ID()
	}
	if p := msg.Receiving(); p != nil {
		t.ToID = p.ID()
	}
	if hdrs := msg.Headers(); hdrs != nil {
		t.Subject = hdrs.Value("Subject")
	}
	if tx, ok := as2.TransmissionFromContext(ctx); ok {
		t.Remote = tx.Remote
		t.ArchivePath = tx.Archive
	}

	for _, att := range msg.Attachments() {
		data, err := os.ReadFile(att.Path)
		if err != nil {
			h.discard(ctx, t.Payloads)
			return fmt.Errorf("reading payload %s: %w", att.Filename, err)
		}
		p := &storage.PayloadData{
			TransmissionID: t.ID,
			Filename:       att.Filename,
			ContentType:    att.MimeType,
			Data:           data,
		}
		if _, err := h.store.StorePayload(ctx, p); err != nil {
			h.metrics.StoreError("store_payload")
			h.discard(ctx, t.Payloads)
			return fmt.Errorf("storing payload: %w", err)
		}
		t.Payloads = append(t.Payloads, storage.PayloadRef{
			ID:          p.ID,
			Filename:    p.Filename,
			ContentType: p.ContentType,
			Size:        int64(len(data)),
			Checksum:    p.Checksum,
		})
	}

	if err := h.store.CreateTransmission(ctx, t); err != nil {
		h.metrics.StoreError("create")
		h.discard(ctx, t.Payloads)
		return fmt.Errorf("recording transmission: %w", err)
	}
	h.logger.Info("message stored", "message_id", t.MessageID, "from", t.FromID, "to", t.ToID,
		"payloads", len(t.Payloads), "transmission_id", t.ID)
	return nil
}

// discard removes payloads stored for a transmission that was not recorded.
func (h *inbox) discard(ctx context.Context, refs []storage.PayloadRef) {
	ctx = context.WithoutCancel(ctx)
	for _, ref := range refs {
		if err := h.store.DeletePayload(ctx, ref.ID); err != nil {
			h.metrics.StoreError("delete_payload")
			h.logger.Warn("failed to remove orphaned payload", "payload_id", ref.ID, "error", err)
		}
	}
}

// HandleMDN attaches the receipt to the outbound record of the original
// message. Receipts for unknown messages are logged and accepted.
func (h *inbox) HandleMDN(ctx context.Context, mdn *message.MDN) error {
	err := h.store.RecordReceipt(ctx, mdn.OriginalMessageID(), storage.ReceiptFromMDN(mdn))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		h.logger.Warn("receipt for unknown message", "original_message_id", mdn.OriginalMessageID(),
			"message_id", mdn.MessageID())
		return nil
	case err != nil:
		h.metrics.StoreError("record_receipt")
		return fmt.Errorf("recording receipt: %w", err)
	}
	h.logger.Info("receipt recorded", "original_message_id", mdn.OriginalMessageID(),
		"disposition", mdn.Disposition())
	return nil
}

func mdnMode(msg *message.Message) string {
	hdrs := msg.Headers()
	switch {
	case hdrs == nil || hdrs.Value("Disposition-Notification-To") == "":
		return "none"
	case hdrs.Value("Receipt-Delivery-Option") != "":
		return as2.ModeAsync
	default:
		return as2.ModeSync
	}
}
