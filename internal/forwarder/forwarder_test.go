package forwarder

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindgoner/propagator/internal/logger"
	"github.com/mindgoner/propagator/pkg/record"
)

func testRecord() *record.Record {
	return &record.Record{
		ID:     "rec-1",
		Method: http.MethodPost,
		Path:   "/orders/7",
		Headers: http.Header{
			"Host":              {"origin.example"},
			"Content-Type":      {"application/json"},
			"Content-Length":    {"13"},
			"Connection":        {"keep-alive"},
			"X-Custom":          {"a", "b"},
			record.HeaderOrigin: {"spoofed"},
		},
		QueryParams: url.Values{"page": {"2"}, "tag": {"x y"}},
		Body:        []byte(`{"total":42}`),
		IP:          "203.0.113.9",
		ReceivedAt:  time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.UTC),
	}
}

type captured struct {
	method string
	uri    string
	host   string
	header http.Header
	body   string
}

func captureServer(t *testing.T, status int) (*httptest.Server, *[]captured, *sync.Mutex) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []captured
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, captured{
			method: r.Method,
			uri:    r.URL.RequestURI(),
			host:   r.Host,
			header: r.Header.Clone(),
			body:   string(body),
		})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen, &mu
}

func TestReplaySetsControlHeaders(t *testing.T) {
	srv, seen, _ := captureServer(t, http.StatusAccepted)
	f := NewForwarder(logger.Nop(), Options{Timeout: 5 * time.Second})
	defer f.Close()

	rec := testRecord()
	res, err := f.Replay(context.Background(), rec, srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Equal(t, 1, res.Attempts)

	require.Len(t, *seen, 1)
	got := (*seen)[0]
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/orders/7?page=2&tag=x+y", got.uri)
	assert.NotEqual(t, "origin.example", got.host)
	assert.Equal(t, `{"total":42}`, got.body)
	assert.Equal(t, "application/json", got.header.Get("Content-Type"))
	assert.Equal(t, []string{"a", "b"}, got.header.Values("X-Custom"))
	assert.Equal(t, record.OriginRemote, got.header.Get(record.HeaderOrigin))
	assert.Equal(t, rec.ID, got.header.Get(record.HeaderID))
	assert.Equal(t, record.FormatTime(rec.ReceivedAt), got.header.Get(record.HeaderReceivedAt))
	assert.Empty(t, got.header.Get("Connection"))
}

func TestReplayClientErrorIsNotRetried(t *testing.T) {
	srv, seen, _ := captureServer(t, http.StatusNotFound)
	f := NewForwarder(logger.Nop(), Options{Retries: 2})
	defer f.Close()

	res, err := f.Replay(context.Background(), testRecord(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Len(t, *seen, 1)
}

func TestReplayRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewForwarder(logger.Nop(), Options{Retries: 1})
	defer f.Close()

	res, err := f.Replay(context.Background(), testRecord(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 2, res.Attempts)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestReplayFailsWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	f := NewForwarder(logger.Nop(), Options{Timeout: time.Second})
	defer f.Close()

	res, err := f.Replay(context.Background(), testRecord(), base)
	require.Error(t, err)
	assert.Equal(t, 0, res.StatusCode)
	assert.Equal(t, 1, res.Attempts)
}

func TestForwardFanOutWithoutOriginMarker(t *testing.T) {
	first, firstSeen, _ := captureServer(t, http.StatusOK)
	second, secondSeen, _ := captureServer(t, http.StatusOK)

	f := NewForwarder(logger.Nop(), Options{MaxConcurrent: 2})
	defer f.Close()

	rec := testRecord()
	require.NoError(t, f.Forward(context.Background(), rec, []string{first.URL, second.URL + "/base"}))

	require.Len(t, *firstSeen, 1)
	require.Len(t, *secondSeen, 1)
	assert.Equal(t, "/orders/7?page=2&tag=x+y", (*firstSeen)[0].uri)
	assert.Equal(t, "/base/orders/7?page=2&tag=x+y", (*secondSeen)[0].uri)
	for _, got := range []captured{(*firstSeen)[0], (*secondSeen)[0]} {
		assert.Empty(t, got.header.Get(record.HeaderOrigin))
		assert.Equal(t, rec.IP, got.header.Get("X-Forwarded-For"))
		assert.Equal(t, "origin.example", got.header.Get("X-Forwarded-Host"))
	}
}

func TestHeaderBlacklist(t *testing.T) {
	srv, seen, _ := captureServer(t, http.StatusOK)
	f := NewForwarder(logger.Nop(), Options{HeaderBlacklist: []string{"X-Custom"}})
	defer f.Close()

	_, err := f.Replay(context.Background(), testRecord(), srv.URL)
	require.NoError(t, err)
	require.Len(t, *seen, 1)
	assert.Empty(t, (*seen)[0].header.Values("X-Custom"))
	assert.Equal(t, "application/json", (*seen)[0].header.Get("Content-Type"))
}

func TestClosedForwarder(t *testing.T) {
	f := NewForwarder(logger.Nop(), Options{})
	f.Close()

	_, err := f.Replay(context.Background(), testRecord(), "http://127.0.0.1:1")
	assert.ErrorIs(t, err, ErrForwarderClosed)
	assert.ErrorIs(t, f.Forward(context.Background(), testRecord(), []string{"http://127.0.0.1:1"}), ErrForwarderClosed)
}

func TestBuildTarget(t *testing.T) {
	rec := &record.Record{Path: "hook"}
	assert.Equal(t, "http://localhost/hook", buildTarget("http://localhost/", rec))

	rec = &record.Record{}
	assert.Equal(t, "http://localhost/", buildTarget("http://localhost", rec))
}
