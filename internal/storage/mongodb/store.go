// Package mongodb implements storage interfaces using MongoDB
package mongodb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sirosfoundation/go-as2/internal/storage"
)

// Store implements storage.Store using MongoDB
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	gridfs *gridfs.Bucket

	transmissions *mongo.Collection
}

// Config holds MongoDB connection settings
type Config struct {
	URI            string
	Database       string
	GridFSBucket   string
	ChunkSizeBytes int32
	// ConnectTimeout bounds the total time spent retrying the initial
	// connection.
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// NewStore creates a new MongoDB store
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	db := client.Database(cfg.Database)

	bucketName := cfg.GridFSBucket
	if bucketName == "" {
		bucketName = "payloads"
	}
	chunkSize := cfg.ChunkSizeBytes
	if chunkSize == 0 {
		chunkSize = 261120 // 255KB
	}
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().
		SetName(bucketName).
		SetChunkSizeBytes(chunkSize))
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("creating GridFS bucket: %w", err)
	}

	s := &Store{
		client:        client,
		db:            db,
		gridfs:        bucket,
		transmissions: db.Collection("transmissions"),
	}

	if err := s.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return s, nil
}

// connect retries connect and ping with exponential backoff until
// cfg.ConnectTimeout has elapsed.
func connect(ctx context.Context, cfg *Config, logger *slog.Logger) (*mongo.Client, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	attempt := min(timeout, 5*time.Second)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = timeout

	var client *mongo.Client
	err := backoff.RetryNotify(
		func() error {
			c, err := mongo.Connect(ctx, options.Client().
				ApplyURI(cfg.URI).
				SetServerSelectionTimeout(attempt))
			if err != nil {
				// A malformed URI will not get better.
				return backoff.Permanent(err)
			}
			pingCtx, cancel := context.WithTimeout(ctx, attempt)
			defer cancel()
			if err := c.Ping(pingCtx, nil); err != nil {
				_ = c.Disconnect(ctx)
				return err
			}
			client = c
			return nil
		},
		backoff.WithContext(b, ctx),
		func(err error, wait time.Duration) {
			logger.Warn("failed to connect to MongoDB, retrying", "wait", wait, "error", err)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}
	return client, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.transmissions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "direction", Value: 1}, {Key: "message_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "from_id", Value: 1}}},
		{Keys: bson.D{{Key: "to_id", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("creating transmission indexes: %w", err)
	}
	return nil
}

// Close closes the MongoDB connection
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
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
	if t.Payloads == nil {
		t.Payloads = []storage.PayloadRef{}
	}

	_, err := s.transmissions.InsertOne(ctx, t)
	return err
}

func (s *Store) GetTransmission(ctx context.Context, id string) (*storage.Transmission, error) {
	return s.findOne(ctx, bson.M{"_id": id}, nil)
}

func (s *Store) GetTransmissionByMessageID(ctx context.Context, direction storage.Direction, messageID string) (*storage.Transmission, error) {
	return s.findOne(ctx, bson.M{"direction": direction, "message_id": messageID},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}))
}

func (s *Store) findOne(ctx context.Context, filter bson.M, opts *options.FindOneOptions) (*storage.Transmission, error) {
	var t storage.Transmission
	var err error
	if opts != nil {
		err = s.transmissions.FindOne(ctx, filter, opts).Decode(&t)
	} else {
		err = s.transmissions.FindOne(ctx, filter).Decode(&t)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status storage.Status, detail string) error {
	res, err := s.transmissions.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"status": status, "detail": detail, "updated_at": time.Now()},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) RecordReceipt(ctx context.Context, originalMessageID string, receipt *storage.Receipt) error {
	if receipt.ReceivedAt.IsZero() {
		receipt.ReceivedAt = time.Now()
	}
	status, detail := storage.StatusAcknowledged, ""
	if !receipt.Processed {
		status, detail = storage.StatusFailed, receipt.Disposition
	}

	err := s.transmissions.FindOneAndUpdate(ctx,
		bson.M{"direction": storage.DirectionOutbound, "message_id": originalMessageID},
		bson.M{"$set": bson.M{
			"status":     status,
			"detail":     detail,
			"receipt":    receipt,
			"updated_at": time.Now(),
		}},
		options.FindOneAndUpdate().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.ErrNotFound
	}
	return err
}

func (s *Store) ListTransmissions(ctx context.Context, filter *storage.TransmissionFilter) ([]*storage.Transmission, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter != nil {
		if filter.Limit > 0 {
			opts.SetLimit(int64(filter.Limit))
		}
		if filter.Offset > 0 {
			opts.SetSkip(int64(filter.Offset))
		}
	}

	cursor, err := s.transmissions.Find(ctx, buildQuery(filter), opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*storage.Transmission
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CountTransmissions(ctx context.Context, filter *storage.TransmissionFilter) (int64, error) {
	return s.transmissions.CountDocuments(ctx, buildQuery(filter))
}

func buildQuery(filter *storage.TransmissionFilter) bson.M {
	query := bson.M{}
	if filter == nil {
		return query
	}
	if filter.Direction != "" {
		query["direction"] = filter.Direction
	}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if filter.PartnerID != "" {
		query["$or"] = bson.A{
			bson.M{"from_id": filter.PartnerID},
			bson.M{"to_id": filter.PartnerID},
		}
	}
	if filter.Since != nil {
		query["created_at"] = bson.M{"$gte": *filter.Since}
	}
	return query
}

// PayloadStore implementation using GridFS

func (s *Store) StorePayload(ctx context.Context, payload *storage.PayloadData) (string, error) {
	if payload.Checksum == "" {
		hash := sha256.Sum256(payload.Data)
		payload.Checksum = hex.EncodeToString(hash[:])
	}
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}

	uploadOpts := options.GridFSUpload().SetMetadata(bson.M{
		"transmission_id": payload.TransmissionID,
		"content_type":    payload.ContentType,
		"checksum":        payload.Checksum,
	})

	uploadStream, err := s.gridfs.OpenUploadStreamWithID(payload.ID, payload.Filename, uploadOpts)
	if err != nil {
		return "", fmt.Errorf("opening upload stream: %w", err)
	}
	if _, err := uploadStream.Write(payload.Data); err != nil {
		_ = uploadStream.Abort()
		return "", fmt.Errorf("writing payload: %w", err)
	}
	if err := uploadStream.Close(); err != nil {
		return "", fmt.Errorf("closing upload stream: %w", err)
	}

	return payload.ID, nil
}

func (s *Store) GetPayload(ctx context.Context, id string) (*storage.PayloadData, error) {
	downloadStream, err := s.gridfs.OpenDownloadStream(id)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opening download stream: %w", err)
	}
	defer downloadStream.Close()

	data, err := io.ReadAll(downloadStream)
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}

	file := downloadStream.GetFile()
	metadata := file.Metadata

	transmissionID, _ := metadata.Lookup("transmission_id").StringValueOK()
	contentType, _ := metadata.Lookup("content_type").StringValueOK()
	checksum, _ := metadata.Lookup("checksum").StringValueOK()

	return &storage.PayloadData{
		ID:             id,
		TransmissionID: transmissionID,
		Filename:       file.Name,
		ContentType:    contentType,
		Checksum:       checksum,
		Data:           data,
	}, nil
}

func (s *Store) DeletePayload(ctx context.Context, id string) error {
	err := s.gridfs.DeleteContext(ctx, id)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return storage.ErrNotFound
	}
	return err
}
