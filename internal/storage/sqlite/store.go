// Package sqlite implements storage interfaces on an embedded SQLite database
package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sirosfoundation/go-as2/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS transmissions (
	id           TEXT PRIMARY KEY,
	direction    TEXT NOT NULL,
	status       TEXT NOT NULL,
	detail       TEXT NOT NULL DEFAULT '',
	message_id   TEXT NOT NULL,
	from_id      TEXT NOT NULL DEFAULT '',
	to_id        TEXT NOT NULL DEFAULT '',
	subject      TEXT NOT NULL DEFAULT '',
	remote       TEXT NOT NULL DEFAULT '',
	archive_path TEXT NOT NULL DEFAULT '',
	signed       INTEGER NOT NULL DEFAULT 0,
	encrypted    INTEGER NOT NULL DEFAULT 0,
	mic          TEXT NOT NULL DEFAULT '',
	mdn_mode     TEXT NOT NULL DEFAULT '',
	payloads     TEXT NOT NULL DEFAULT '[]',
	receipt      TEXT,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS transmissions_message ON transmissions (direction, message_id);
CREATE INDEX IF NOT EXISTS transmissions_created ON transmissions (created_at DESC);
CREATE TABLE IF NOT EXISTS payloads (
	id              TEXT PRIMARY KEY,
	transmission_id TEXT NOT NULL DEFAULT '',
	filename        TEXT NOT NULL DEFAULT '',
	content_type    TEXT NOT NULL DEFAULT '',
	checksum        TEXT NOT NULL,
	data            BLOB NOT NULL,
	created_at      INTEGER NOT NULL
);
`

const transmissionColumns = `id, direction, status, detail, message_id, from_id, to_id, subject, remote,
	archive_path, signed, encrypted, mic, mdn_mode, payloads, receipt, created_at, updated_at`

// Store implements storage.Store using SQLite
type Store struct {
	db *sql.DB
}

// Config holds SQLite settings
type Config struct {
	// Path is the database file. ":memory:" opens a private in-memory database.
	Path string
}

// NewStore opens the database and creates the schema
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, errors.New("sqlite: database path is required")
	}

	dsn := cfg.Path
	if dsn != ":memory:" {
		dsn = "file:" + dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// Serializes writers and keeps a single in-memory database alive.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close(_ context.Context) error {
	return s.db.Close()
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// TransmissionStore implementation

func (s *Store) CreateTransmission(ctx context.Context, t *storage.Transmission) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = t.CreatedAt

	payloads, err := json.Marshal(nonNil(t.Payloads))
	if err != nil {
		return fmt.Errorf("encoding payloads: %w", err)
	}
	receipt, err := encodeReceipt(t.Receipt)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO transmissions (`+transmissionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Direction, t.Status, t.Detail, t.MessageID, t.FromID, t.ToID, t.Subject, t.Remote,
		t.ArchivePath, t.Signed, t.Encrypted, t.MIC, t.MDNMode, string(payloads), receipt,
		t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("inserting transmission: %w", err)
	}
	return nil
}

func (s *Store) GetTransmission(ctx context.Context, id string) (*storage.Transmission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transmissionColumns+` FROM transmissions WHERE id = ?`, id)
	return scanTransmission(row)
}

func (s *Store) GetTransmissionByMessageID(ctx context.Context, direction storage.Direction, messageID string) (*storage.Transmission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transmissionColumns+` FROM transmissions
		WHERE direction = ? AND message_id = ? ORDER BY created_at DESC LIMIT 1`, direction, messageID)
	return scanTransmission(row)
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status storage.Status, detail string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE transmissions SET status = ?, detail = ?, updated_at = ? WHERE id = ?`,
		status, detail, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	return affected(res)
}

func (s *Store) RecordReceipt(ctx context.Context, originalMessageID string, receipt *storage.Receipt) error {
	if receipt.ReceivedAt.IsZero() {
		receipt.ReceivedAt = time.Now()
	}
	data, err := encodeReceipt(receipt)
	if err != nil {
		return err
	}

	status, detail := storage.StatusAcknowledged, ""
	if !receipt.Processed {
		status, detail = storage.StatusFailed, receipt.Disposition
	}

	res, err := s.db.ExecContext(ctx, `UPDATE transmissions SET status = ?, detail = ?, receipt = ?, updated_at = ?
		WHERE id = (SELECT id FROM transmissions WHERE direction = ? AND message_id = ? ORDER BY created_at DESC LIMIT 1)`,
		status, detail, data, time.Now().UnixNano(), storage.DirectionOutbound, originalMessageID)
	if err != nil {
		return fmt.Errorf("recording receipt: %w", err)
	}
	return affected(res)
}

func (s *Store) ListTransmissions(ctx context.Context, filter *storage.TransmissionFilter) ([]*storage.Transmission, error) {
	where, args := filterClause(filter)
	query := `SELECT ` + transmissionColumns + ` FROM transmissions` + where + ` ORDER BY created_at DESC`
	if filter != nil && (filter.Limit > 0 || filter.Offset > 0) {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing transmissions: %w", err)
	}
	defer rows.Close()

	var out []*storage.Transmission
	for rows.Next() {
		t, err := scanTransmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) CountTransmissions(ctx context.Context, filter *storage.TransmissionFilter) (int64, error) {
	where, args := filterClause(filter)
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transmissions`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting transmissions: %w", err)
	}
	return n, nil
}

// PayloadStore implementation

func (s *Store) StorePayload(ctx context.Context, payload *storage.PayloadData) (string, error) {
	if payload.Checksum == "" {
		hash := sha256.Sum256(payload.Data)
		payload.Checksum = hex.EncodeToString(hash[:])
	}
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO payloads (id, transmission_id, filename, content_type, checksum, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		payload.ID, payload.TransmissionID, payload.Filename, payload.ContentType, payload.Checksum,
		payload.Data, time.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("inserting payload: %w", err)
	}
	return payload.ID, nil
}

func (s *Store) GetPayload(ctx context.Context, id string) (*storage.PayloadData, error) {
	p := &storage.PayloadData{ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT transmission_id, filename, content_type, checksum, data FROM payloads WHERE id = ?`, id).
		Scan(&p.TransmissionID, &p.Filename, &p.ContentType, &p.Checksum, &p.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	return p, nil
}

func (s *Store) DeletePayload(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM payloads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting payload: %w", err)
	}
	return affected(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransmission(row scanner) (*storage.Transmission, error) {
	var (
		t                storage.Transmission
		payloads         string
		receipt          sql.NullString
		created, updated int64
	)
	err := row.Scan(&t.ID, &t.Direction, &t.Status, &t.Detail, &t.MessageID, &t.FromID, &t.ToID,
		&t.Subject, &t.Remote, &t.ArchivePath, &t.Signed, &t.Encrypted, &t.MIC, &t.MDNMode,
		&payloads, &receipt, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading transmission: %w", err)
	}

	if err := json.Unmarshal([]byte(payloads), &t.Payloads); err != nil {
		return nil, fmt.Errorf("decoding payloads: %w", err)
	}
	if receipt.Valid {
		t.Receipt = &storage.Receipt{}
		if err := json.Unmarshal([]byte(receipt.String), t.Receipt); err != nil {
			return nil, fmt.Errorf("decoding receipt: %w", err)
		}
	}
	t.CreatedAt = time.Unix(0, created)
	t.UpdatedAt = time.Unix(0, updated)
	return &t, nil
}

func filterClause(filter *storage.TransmissionFilter) (string, []any) {
	if filter == nil {
		return "", nil
	}
	var (
		conds []string
		args  []any
	)
	if filter.Direction != "" {
		conds = append(conds, "direction = ?")
		args = append(args, filter.Direction)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.PartnerID != "" {
		conds = append(conds, "(from_id = ? OR to_id = ?)")
		args = append(args, filter.PartnerID, filter.PartnerID)
	}
	if filter.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func encodeReceipt(r *storage.Receipt) (any, error) {
	if r == nil {
		return nil, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding receipt: %w", err)
	}
	return string(data), nil
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func nonNil(refs []storage.PayloadRef) []storage.PayloadRef {
	if refs == nil {
		return []storage.PayloadRef{}
	}
	return refs
}
