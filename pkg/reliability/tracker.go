package reliability

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// MessageState represents the state of an outbound message
type MessageState int

const (
	StateSubmitted    MessageState = iota // Message encoded, not yet posted
	StateSending                          // POST in progress
	StateAwaitingMDN                      // Delivered, waiting for the MDN
	StateAcknowledged                     // Processed MDN received
	StateFailed                           // Delivery failed or failed MDN received
)

func (s MessageState) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StateSending:
		return "sending"
	case StateAwaitingMDN:
		return "awaiting-mdn"
	case StateAcknowledged:
		return "acknowledged"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrNotTracked  = errors.New("message not tracked")
	ErrMICMismatch = errors.New("received MIC does not match the MIC of the sent message")
)

// MessageTracker follows outbound messages until their MDN arrives and
// remembers inbound Message-IDs for duplicate detection.
type MessageTracker struct {
	mu       sync.RWMutex
	messages map[string]*TrackedMessage

	// Duplicate detection
	receivedMessages map[string]time.Time
	duplicateWindow  time.Duration

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// TrackedMessage represents a tracked message
type TrackedMessage struct {
	MessageID     string
	PartnerID     string
	State         MessageState
	Async         bool
	MIC           string
	SubmittedAt   time.Time
	LastAttemptAt time.Time
	AttemptCount  int
	Disposition   string
	Errors        []string
}

// NewMessageTracker creates a tracker and starts its cleanup goroutine.
// Close stops it.
func NewMessageTracker(duplicateWindow time.Duration) *MessageTracker {
	tracker := &MessageTracker{
		messages:         make(map[string]*TrackedMessage),
		receivedMessages: make(map[string]time.Time),
		duplicateWindow:  duplicateWindow,
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}

	go tracker.cleanupExpiredMessages(cleanupInterval(duplicateWindow))

	return tracker
}

func cleanupInterval(window time.Duration) time.Duration {
	switch {
	case window <= 0:
		return time.Hour
	case window < time.Minute:
		return time.Minute
	case window > 2*time.Hour:
		return time.Hour
	}
	return window / 2
}

// Close stops the cleanup goroutine and waits for it to exit.
func (t *MessageTracker) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}

// Track starts tracking an outbound message and its expected MIC.
func (t *MessageTracker) Track(messageID, partnerID, mic string, async bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.messages[messageID] = &TrackedMessage{
		MessageID:   messageID,
		PartnerID:   partnerID,
		State:       StateSubmitted,
		Async:       async,
		MIC:         mic,
		SubmittedAt: time.Now(),
	}
}

func (t *MessageTracker) update(messageID string, fn func(*TrackedMessage) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, exists := t.messages[messageID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotTracked, messageID)
	}
	return fn(msg)
}

// MarkSending marks a message as being sent
func (t *MessageTracker) MarkSending(messageID string) error {
	return t.update(messageID, func(msg *TrackedMessage) error {
		msg.State = StateSending
		msg.LastAttemptAt = time.Now()
		msg.AttemptCount++
		return nil
	})
}

// MarkAwaitingMDN marks a message as delivered and waiting for its MDN
func (t *MessageTracker) MarkAwaitingMDN(messageID string) error {
	return t.update(messageID, func(msg *TrackedMessage) error {
		msg.State = StateAwaitingMDN
		return nil
	})
}

// RecordMDN reconciles an MDN with the message it acknowledges. A
// processed disposition whose MIC matches acknowledges the message;
// anything else fails it.
func (t *MessageTracker) RecordMDN(messageID, disposition, mic string, processed bool) error {
	return t.update(messageID, func(msg *TrackedMessage) error {
		msg.Disposition = disposition
		if mic != "" && msg.MIC != "" && mic != msg.MIC {
			msg.State = StateFailed
			msg.Errors = append(msg.Errors, ErrMICMismatch.Error())
			return ErrMICMismatch
		}
		if processed {
			msg.State = StateAcknowledged
		} else {
			msg.State = StateFailed
			msg.Errors = append(msg.Errors, disposition)
		}
		return nil
	})
}

// RecordError records a delivery error. AS2 has no retry, so the message
// fails.
func (t *MessageTracker) RecordError(messageID string, err error) error {
	return t.update(messageID, func(msg *TrackedMessage) error {
		msg.Errors = append(msg.Errors, err.Error())
		msg.State = StateFailed
		return nil
	})
}

// GetMessage returns a copy of a tracked message
func (t *MessageTracker) GetMessage(messageID string) (*TrackedMessage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	msg, exists := t.messages[messageID]
	if !exists {
		return nil, false
	}
	cp := *msg
	cp.Errors = append([]string(nil), msg.Errors...)
	return &cp, true
}

// Pending returns the ids of messages still waiting for an MDN.
func (t *MessageTracker) Pending() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []string
	for id, msg := range t.messages {
		if msg.State == StateAwaitingMDN {
			ids = append(ids, id)
		}
	}
	return ids
}

// RemoveMessage removes a message from tracking
func (t *MessageTracker) RemoveMessage(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.messages, messageID)
}

// IsDuplicate checks if a message is a duplicate
func (t *MessageTracker) IsDuplicate(messageID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	receivedAt, exists := t.receivedMessages[messageID]
	if !exists {
		return false
	}

	return time.Since(receivedAt) < t.duplicateWindow
}

// MarkReceived marks a message as received (for duplicate detection)
func (t *MessageTracker) MarkReceived(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.receivedMessages[messageID] = time.Now()
}

// Seen reports whether messageID was received inside the window and
// records it.
func (t *MessageTracker) Seen(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	receivedAt, exists := t.receivedMessages[messageID]
	t.receivedMessages[messageID] = now
	return exists && now.Sub(receivedAt) < t.duplicateWindow
}

func (t *MessageTracker) cleanupExpiredMessages(interval time.Duration) {
	defer close(t.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case now := <-ticker.C:
			t.prune(now)
		}
	}
}

// prune drops received ids older than the duplicate window.
func (t *MessageTracker) prune(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for msgID, receivedAt := range t.receivedMessages {
		if now.Sub(receivedAt) > t.duplicateWindow {
			delete(t.receivedMessages, msgID)
		}
	}
}
