package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-as2/internal/storage"
)

var _ storage.Store = (*Store)(nil)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), &Config{Path: filepath.Join(t.TempDir(), "as2.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func outbound(id string) *storage.Transmission {
	return &storage.Transmission{
		Direction: storage.DirectionOutbound,
		Status:    storage.StatusSent,
		MessageID: id,
		FromID:    "mycompany",
		ToID:      "partner-b",
		Signed:    true,
		Encrypted: true,
		MIC:       "abc=, sha256",
		MDNMode:   "sync",
	}
}

func TestNewStore_RequiresPath(t *testing.T) {
	_, err := NewStore(context.Background(), &Config{})
	require.Error(t, err)
}

func TestStore_InMemory(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, &Config{Path: ":memory:"})
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.CreateTransmission(ctx, outbound("<m1@a>")))
	n, err := s.CountTransmissions(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	tr := outbound("<m1@a>")
	tr.Payloads = []storage.PayloadRef{{ID: "p1", Filename: "order.edi", ContentType: "application/edi-x12", Size: 12}}
	require.NoError(t, s.CreateTransmission(ctx, tr))
	require.NotEmpty(t, tr.ID)
	assert.False(t, tr.CreatedAt.IsZero())

	got, err := s.GetTransmission(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.MessageID, got.MessageID)
	assert.Equal(t, storage.DirectionOutbound, got.Direction)
	assert.Equal(t, storage.StatusSent, got.Status)
	assert.True(t, got.Signed)
	assert.True(t, got.Encrypted)
	assert.Equal(t, "abc=, sha256", got.MIC)
	assert.Equal(t, tr.Payloads, got.Payloads)
	assert.Nil(t, got.Receipt)
	assert.True(t, tr.CreatedAt.Equal(got.CreatedAt))

	_, err = s.GetTransmission(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_GetByMessageID(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	in := &storage.Transmission{
		Direction: storage.DirectionInbound,
		Status:    storage.StatusReceived,
		MessageID: "<m1@a>",
	}
	require.NoError(t, s.CreateTransmission(ctx, in))
	out := outbound("<m1@a>")
	require.NoError(t, s.CreateTransmission(ctx, out))

	got, err := s.GetTransmissionByMessageID(ctx, storage.DirectionInbound, "<m1@a>")
	require.NoError(t, err)
	assert.Equal(t, in.ID, got.ID)

	got, err = s.GetTransmissionByMessageID(ctx, storage.DirectionOutbound, "<m1@a>")
	require.NoError(t, err)
	assert.Equal(t, out.ID, got.ID)

	_, err = s.GetTransmissionByMessageID(ctx, storage.DirectionOutbound, "<other@a>")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	tr := outbound("<m1@a>")
	require.NoError(t, s.CreateTransmission(ctx, tr))
	require.NoError(t, s.UpdateStatus(ctx, tr.ID, storage.StatusFailed, "connection refused"))

	got, err := s.GetTransmission(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Equal(t, "connection refused", got.Detail)

	assert.ErrorIs(t, s.UpdateStatus(ctx, "missing", storage.StatusFailed, ""), storage.ErrNotFound)
}

func TestStore_RecordReceipt(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	ok := outbound("<ok@a>")
	bad := outbound("<bad@a>")
	require.NoError(t, s.CreateTransmission(ctx, ok))
	require.NoError(t, s.CreateTransmission(ctx, bad))

	require.NoError(t, s.RecordReceipt(ctx, "<ok@a>", &storage.Receipt{
		MessageID:   "<mdn1@b>",
		Disposition: "automatic-action/MDN-sent-automatically; processed",
		Processed:   true,
		MIC:         "abc=, sha256",
		Signed:      true,
	}))
	require.NoError(t, s.RecordReceipt(ctx, "<bad@a>", &storage.Receipt{
		MessageID:   "<mdn2@b>",
		Disposition: "automatic-action/MDN-sent-automatically; processed/Error: decryption-failed",
	}))

	got, err := s.GetTransmission(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusAcknowledged, got.Status)
	require.NotNil(t, got.Receipt)
	assert.Equal(t, "<mdn1@b>", got.Receipt.MessageID)
	assert.True(t, got.Receipt.Signed)
	assert.False(t, got.Receipt.ReceivedAt.IsZero())

	got, err = s.GetTransmission(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Contains(t, got.Detail, "decryption-failed")

	err = s.RecordReceipt(ctx, "<unknown@a>", &storage.Receipt{MessageID: "<mdn3@b>"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_ListAndCount(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"<1@a>", "<2@a>", "<3@a>"} {
		tr := outbound(id)
		tr.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateTransmission(ctx, tr))
	}
	require.NoError(t, s.CreateTransmission(ctx, &storage.Transmission{
		Direction: storage.DirectionInbound,
		Status:    storage.StatusProcessed,
		MessageID: "<4@b>",
		FromID:    "partner-c",
		ToID:      "mycompany",
		CreatedAt: base.Add(10 * time.Minute),
	}))

	all, err := s.ListTransmissions(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "<4@b>", all[0].MessageID)
	assert.Equal(t, "<1@a>", all[3].MessageID)

	page, err := s.ListTransmissions(ctx, &storage.TransmissionFilter{Direction: storage.DirectionOutbound, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "<2@a>", page[0].MessageID)
	assert.Equal(t, "<1@a>", page[1].MessageID)

	since := base.Add(90 * time.Second)
	recent, err := s.ListTransmissions(ctx, &storage.TransmissionFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	n, err := s.CountTransmissions(ctx, &storage.TransmissionFilter{PartnerID: "partner-c"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.CountTransmissions(ctx, &storage.TransmissionFilter{Status: storage.StatusSent})
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestStore_Payloads(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	p := &storage.PayloadData{
		TransmissionID: "t1",
		Filename:       "order.edi",
		ContentType:    "application/edi-x12",
		Data:           []byte("ISA*00*~"),
	}
	id, err := s.StorePayload(ctx, p)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Len(t, p.Checksum, 64)

	got, err := s.GetPayload(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, p.Data, got.Data)
	assert.Equal(t, "order.edi", got.Filename)
	assert.Equal(t, p.Checksum, got.Checksum)

	require.NoError(t, s.DeletePayload(ctx, id))
	_, err = s.GetPayload(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.DeletePayload(ctx, id), storage.ErrNotFound)
}
