package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindgoner/propagator/internal/envelope"
	"github.com/mindgoner/propagator/internal/logger"
	"github.com/mindgoner/propagator/internal/storage"
	"github.com/mindgoner/propagator/pkg/record"
)

const sharedSecret = "shared"

type published struct {
	channel, event, data string
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakeBroadcaster) Publish(_ context.Context, channel, event, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{channel, event, data})
	return f.err
}

func newRecorder(t *testing.T) (*Recorder, *storage.MemoryStore, *fakeBroadcaster) {
	t.Helper()
	store := storage.NewMemoryStore()
	b := &fakeBroadcaster{}
	now := time.Date(2024, 7, 1, 9, 0, 0, 123456789, time.UTC)
	rec := New(store, b, Options{SharedSecret: sharedSecret, Now: func() time.Time { return now }}, logger.Nop())
	return rec, store, b
}

func TestRecordAssignsIDAndReceivedAt(t *testing.T) {
	r, store, _ := newRecorder(t)

	rec, err := r.Record(context.Background(), &record.Record{Method: "GET", Path: "/"}, Local)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, time.Date(2024, 7, 1, 9, 0, 0, 123456000, time.UTC), rec.ReceivedAt)

	stored, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestRecordKeepsExplicitValues(t *testing.T) {
	r, _, _ := newRecorder(t)
	at := time.Date(2023, 1, 1, 0, 0, 0, 0, time.FixedZone("X", 7200))

	rec, err := r.Record(context.Background(), &record.Record{ID: "fixed", Method: "GET", Path: "/", ReceivedAt: at}, Remote)
	require.NoError(t, err)
	assert.Equal(t, "fixed", rec.ID)
	assert.True(t, rec.ReceivedAt.Equal(at))
	assert.Equal(t, time.UTC, rec.ReceivedAt.Location())
}

func TestRecordTwiceKeepsOneRow(t *testing.T) {
	r, store, _ := newRecorder(t)
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		_, err := r.Record(ctx, &record.Record{ID: "same", Method: "POST", Path: "/x", Body: []byte("b"), ReceivedAt: at}, Remote)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.Len())
}

func TestLocalRecordsAreAnnouncedSealed(t *testing.T) {
	r, _, b := newRecorder(t)

	rec, err := r.Record(context.Background(), &record.Record{Method: "POST", Path: "/orders", Body: []byte(`{"n":1}`)}, Local)
	require.NoError(t, err)

	require.Len(t, b.sent, 1)
	msg := b.sent[0]
	assert.Equal(t, "propagator.requests", msg.channel)
	assert.Equal(t, "request.recorded", msg.event)
	assert.NotContains(t, msg.data, "/orders", "announcement must not carry plaintext")

	plain, err := envelope.Open(msg.data, sharedSecret)
	require.NoError(t, err)
	var announced record.Record
	require.NoError(t, json.Unmarshal(plain, &announced))
	assert.True(t, record.SameContent(rec, &announced))
}

func TestRemoteRecordsAreNotAnnounced(t *testing.T) {
	r, _, b := newRecorder(t)
	_, err := r.Record(context.Background(), &record.Record{ID: "r1", Method: "GET", Path: "/", ReceivedAt: time.Now()}, Remote)
	require.NoError(t, err)
	assert.Empty(t, b.sent)
}

func TestAnnounceFailureIsNotAnError(t *testing.T) {
	r, store, b := newRecorder(t)
	b.err = errors.New("down")

	rec, err := r.Record(context.Background(), &record.Record{Method: "GET", Path: "/"}, Local)
	require.NoError(t, err)
	stored, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored)
}

func TestObserveLocal(t *testing.T) {
	r, _, b := newRecorder(t)
	req := httptest.NewRequest(http.MethodPost, "/hooks?x=1", strings.NewReader("payload"))

	rec, err := r.Observe(context.Background(), req, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, "/hooks", rec.Path)
	assert.Equal(t, "1", rec.QueryParams.Get("x"))
	assert.Len(t, b.sent, 1)
}

func TestObserveRemoteReplay(t *testing.T) {
	r, store, b := newRecorder(t)
	ctx := context.Background()
	at := time.Date(2024, 2, 2, 2, 2, 2, 2000, time.UTC)

	req := httptest.NewRequest(http.MethodPost, "/hooks", strings.NewReader("payload"))
	req.Header.Set(record.HeaderOrigin, record.OriginRemote)
	req.Header.Set(record.HeaderID, "peer-id")
	req.Header.Set(record.HeaderReceivedAt, record.FormatTime(at))

	rec, err := r.Observe(ctx, req, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, "peer-id", rec.ID)
	assert.True(t, rec.ReceivedAt.Equal(at))
	assert.Empty(t, rec.Headers.Get(record.HeaderOrigin))
	assert.Empty(t, b.sent, "remote-origin requests are never announced")

	// A replay of a record already stored leaves it untouched.
	again := httptest.NewRequest(http.MethodPost, "/hooks", strings.NewReader("payload"))
	again.Header.Set(record.HeaderOrigin, record.OriginRemote)
	again.Header.Set(record.HeaderID, "peer-id")
	again.Header.Set("Accept-Encoding", "gzip")
	got, err := r.Observe(ctx, again, []byte("payload"))
	require.NoError(t, err)
	assert.Empty(t, got.Headers.Get("Accept-Encoding"))
	assert.Equal(t, 1, store.Len())
}

func TestObserveRemoteWithoutID(t *testing.T) {
	r, store, b := newRecorder(t)
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(record.HeaderOrigin, "remote")

	rec, err := r.Observe(context.Background(), req, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, 1, store.Len())
	assert.Empty(t, b.sent)
}
