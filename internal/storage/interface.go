// Package storage provides persistence interfaces for the AS2 daemon.
//
// # Interface Design
//
// The storage layer is organized into focused interfaces:
//
//   - [TransmissionStore]: one record per inbound or outbound AS2 message,
//     reconciled with the MDN that acknowledges it
//   - [PayloadStore]: binary payloads of received messages
//
// The [Store] interface combines all sub-stores for convenience.
//
// # Implementations
//
// The sqlite sub-package provides an embedded implementation for single
// node deployments. The mongodb sub-package stores records in MongoDB and
// payloads in GridFS.
//
// # Concurrency
//
// All store implementations must be safe for concurrent use from multiple
// goroutines.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the main storage interface combining all sub-stores
type Store interface {
	TransmissionStore
	PayloadStore

	// Close releases storage resources
	Close(ctx context.Context) error

	// Ping checks database connectivity
	Ping(ctx context.Context) error
}

// TransmissionStore manages transmission records
type TransmissionStore interface {
	// CreateTransmission stores a new record. An empty ID is replaced by a
	// generated one.
	CreateTransmission(ctx context.Context, t *Transmission) error

	// GetTransmission retrieves a record by ID
	GetTransmission(ctx context.Context, id string) (*Transmission, error)

	// GetTransmissionByMessageID retrieves the record for an AS2 Message-ID
	// in the given direction
	GetTransmissionByMessageID(ctx context.Context, direction Direction, messageID string) (*Transmission, error)

	// UpdateStatus sets the status and detail of a record
	UpdateStatus(ctx context.Context, id string, status Status, detail string) error

	// RecordReceipt reconciles an MDN with the outbound record of the
	// original message. It returns ErrNotFound when no such record exists.
	RecordReceipt(ctx context.Context, originalMessageID string, receipt *Receipt) error

	// ListTransmissions returns records, newest first
	ListTransmissions(ctx context.Context, filter *TransmissionFilter) ([]*Transmission, error)

	// CountTransmissions counts records matching the filter
	CountTransmissions(ctx context.Context, filter *TransmissionFilter) (int64, error)
}

// PayloadStore manages payload data
type PayloadStore interface {
	// StorePayload stores a payload and returns its ID
	StorePayload(ctx context.Context, payload *PayloadData) (string, error)

	// GetPayload retrieves a payload by ID
	GetPayload(ctx context.Context, id string) (*PayloadData, error)

	// DeletePayload deletes a payload
	DeletePayload(ctx context.Context, id string) error
}

// Transmission is the audit record of one AS2 message
type Transmission struct {
	ID        string    `bson:"_id" json:"id"`
	Direction Direction `bson:"direction" json:"direction"`
	Status    Status    `bson:"status" json:"status"`
	Detail    string    `bson:"detail,omitempty" json:"detail,omitempty"`

	MessageID string `bson:"message_id" json:"messageId"`
	FromID    string `bson:"from_id" json:"fromId"`
	ToID      string `bson:"to_id" json:"toId"`
	Subject   string `bson:"subject,omitempty" json:"subject,omitempty"`
	Remote    string `bson:"remote,omitempty" json:"remote,omitempty"`

	// ArchivePath points at the raw transmission on disk.
	ArchivePath string `bson:"archive_path,omitempty" json:"archivePath,omitempty"`

	Signed    bool   `bson:"signed" json:"signed"`
	Encrypted bool   `bson:"encrypted" json:"encrypted"`
	MIC       string `bson:"mic,omitempty" json:"mic,omitempty"`
	MDNMode   string `bson:"mdn_mode,omitempty" json:"mdnMode,omitempty"`

	Payloads []PayloadRef `bson:"payloads" json:"payloads"`
	Receipt  *Receipt     `bson:"receipt,omitempty" json:"receipt,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

// Direction tells whether a transmission was received or sent
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Status of a transmission
type Status string

const (
	StatusReceived     Status = "received"     // Accepted from a partner
	StatusProcessed    Status = "processed"    // Delivered to the application
	StatusSent         Status = "sent"         // Posted to a partner, awaiting MDN
	StatusAcknowledged Status = "acknowledged" // Positive MDN received
	StatusFailed       Status = "failed"       // Processing, delivery or negative MDN
)

// Receipt is the MDN recorded against an outbound transmission
type Receipt struct {
	MessageID   string    `bson:"message_id" json:"messageId"`
	Disposition string    `bson:"disposition" json:"disposition"`
	Processed   bool      `bson:"processed" json:"processed"`
	MIC         string    `bson:"mic,omitempty" json:"mic,omitempty"`
	Signed      bool      `bson:"signed" json:"signed"`
	ReceivedAt  time.Time `bson:"received_at" json:"receivedAt"`
}

// TransmissionFilter narrows a listing
type TransmissionFilter struct {
	Direction Direction
	Status    Status
	PartnerID string // matches either side
	Since     *time.Time
	Limit     int
	Offset    int
}

// PayloadRef references a stored payload
type PayloadRef struct {
	ID          string `bson:"id" json:"id"`
	Filename    string `bson:"filename" json:"filename"`
	ContentType string `bson:"content_type" json:"contentType"`
	Size        int64  `bson:"size" json:"size"`
	Checksum    string `bson:"checksum" json:"checksum"`
}

// PayloadData holds a payload and its metadata
type PayloadData struct {
	ID             string
	TransmissionID string
	Filename       string
	ContentType    string
	Checksum       string
	Data           []byte
}
