package pull

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindgoner/propagator/internal/auth"
	"github.com/mindgoner/propagator/internal/envelope"
	"github.com/mindgoner/propagator/internal/logger"
	"github.com/mindgoner/propagator/internal/storage"
	"github.com/mindgoner/propagator/pkg/record"
)

var (
	creds  = auth.Credentials{Key: "node", Secret: "basic"}
	secret = "shared"
	t0     = time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
)

func seededStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore()
	for i, id := range []string{"a", "b", "c"} {
		_, err := store.Upsert(context.Background(), &record.Record{
			ID:         id,
			Method:     "POST",
			Path:       "/p/" + id,
			Body:       []byte(id),
			ReceivedAt: t0.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	return store
}

func doPull(h http.Handler, since string, withAuth bool) *httptest.ResponseRecorder {
	target := "/propagator/pull"
	if since != "" {
		target += "?since=" + url.QueryEscape(since)
	}
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if withAuth {
		req.SetBasicAuth(creds.Key, creds.Secret)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHandlerErrors(t *testing.T) {
	h := NewHandler(seededStore(t), creds, secret, logger.Nop())

	tests := []struct {
		name    string
		since   string
		auth    bool
		status  int
		message string
		handler http.Handler
	}{
		{"no credentials", "2024-01-01T00:00:00Z", false, http.StatusUnauthorized, "Unauthorized", h},
		{"missing since", "", true, http.StatusBadRequest, "Missing since parameter", h},
		{"invalid since", "not-a-time", true, http.StatusBadRequest, "Invalid since parameter", h},
		{"missing secret", "2024-01-01T00:00:00Z", true, http.StatusInternalServerError, "Internal server error",
			NewHandler(seededStore(t), creds, "", logger.Nop())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doPull(tt.handler, tt.since, tt.auth)
			assert.Equal(t, tt.status, rec.Code)
			resp := decode(t, rec)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Message)
			assert.Equal(t, tt.message, *resp.Message)
			assert.Nil(t, resp.Content)
			assert.Contains(t, rec.Body.String(), `"content":null`)
		})
	}

	rec := doPull(h, "", false)
	assert.Equal(t, `Basic realm="Propagator"`, rec.Header().Get("WWW-Authenticate"))
}

func TestHandlerReturnsSealedRecordsAfterSince(t *testing.T) {
	h := NewHandler(seededStore(t), creds, secret, logger.Nop())

	rec := doPull(h, record.FormatTime(t0), true)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode(t, rec)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Message)
	require.NotNil(t, resp.Content)

	plain, err := envelope.Open(*resp.Content, secret)
	require.NoError(t, err)
	var records []*record.Record
	require.NoError(t, json.Unmarshal(plain, &records))
	require.Len(t, records, 2)
	assert.Equal(t, "b", records[0].ID)
	assert.Equal(t, "c", records[1].ID)
}

func TestHandlerEmptyResultIsEmptyList(t *testing.T) {
	h := NewHandler(storage.NewMemoryStore(), creds, secret, logger.Nop())
	rec := doPull(h, "1970-01-01 00:00:00", true)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode(t, rec)
	plain, err := envelope.Open(*resp.Content, secret)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(plain))
}

type failingStore struct{ storage.Store }

func (failingStore) QueryAfter(context.Context, time.Time) ([]*record.Record, error) {
	return nil, errors.New("disk on fire")
}

func TestHandlerStoreFailure(t *testing.T) {
	h := NewHandler(failingStore{}, creds, secret, logger.Nop())
	rec := doPull(h, "0", true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk on fire")
}

func TestClientPull(t *testing.T) {
	srv := httptest.NewServer(NewHandler(seededStore(t), creds, secret, logger.Nop()))
	defer srv.Close()

	client, err := NewClient(srv.URL+"/propagator/pull", creds, secret, nil)
	require.NoError(t, err)

	records, err := client.Pull(context.Background(), record.Epoch)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []byte("a"), records[0].Body)
	assert.True(t, records[0].ReceivedAt.Equal(t0))

	records, err = client.Pull(context.Background(), t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.NotNil(t, records)
}

func TestClientErrors(t *testing.T) {
	srv := httptest.NewServer(NewHandler(seededStore(t), creds, secret, logger.Nop()))
	defer srv.Close()
	endpoint := srv.URL + "/propagator/pull"

	t.Run("wrong shared secret", func(t *testing.T) {
		client, err := NewClient(endpoint, creds, "other", nil)
		require.NoError(t, err)
		_, err = client.Pull(context.Background(), record.Epoch)
		assert.ErrorIs(t, err, envelope.ErrAuthentication)
	})

	t.Run("wrong credentials", func(t *testing.T) {
		client, err := NewClient(endpoint, auth.Credentials{Key: "node", Secret: "x"}, secret, nil)
		require.NoError(t, err)
		_, err = client.Pull(context.Background(), record.Epoch)
		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, http.StatusUnauthorized, te.StatusCode)
		assert.Equal(t, "Unauthorized", te.Message)
	})

	t.Run("malformed body", func(t *testing.T) {
		bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>oops</html>`))
		}))
		defer bad.Close()
		client, err := NewClient(bad.URL, creds, secret, nil)
		require.NoError(t, err)
		_, err = client.Pull(context.Background(), record.Epoch)
		assert.ErrorIs(t, err, ErrSerialization)
	})

	t.Run("content not a list", func(t *testing.T) {
		sealed, err := envelope.Seal([]byte(`{"id":"x"}`), secret)
		require.NoError(t, err)
		odd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(Response{Success: true, Content: &sealed})
		}))
		defer odd.Close()
		client, err := NewClient(odd.URL, creds, secret, nil)
		require.NoError(t, err)
		_, err = client.Pull(context.Background(), record.Epoch)
		assert.ErrorIs(t, err, ErrSerialization)
	})

	t.Run("response over limit", func(t *testing.T) {
		client, err := NewClient(endpoint, creds, secret, nil)
		require.NoError(t, err)
		client.SetMaxResponseBytes(64)
		_, err = client.Pull(context.Background(), record.Epoch)
		assert.ErrorIs(t, err, ErrResponseTooLarge)
		assert.NotErrorIs(t, err, ErrSerialization)

		client.SetMaxResponseBytes(0)
		records, err := client.Pull(context.Background(), record.Epoch)
		require.NoError(t, err)
		assert.Len(t, records, 3)
	})

	t.Run("unreachable", func(t *testing.T) {
		down := httptest.NewServer(http.NotFoundHandler())
		downURL := down.URL
		down.Close()
		client, err := NewClient(downURL, creds, secret, &http.Client{Timeout: time.Second})
		require.NoError(t, err)
		_, err = client.Pull(context.Background(), record.Epoch)
		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.Zero(t, te.StatusCode)
	})
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	_, err := NewClient("/propagator/pull", creds, secret, nil)
	assert.Error(t, err)
}
