// Package pull serves and consumes the authenticated, sealed incremental
// export of recorded requests.
package pull

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mindgoner/propagator/internal/auth"
	"github.com/mindgoner/propagator/internal/envelope"
	"github.com/mindgoner/propagator/internal/logger"
	"github.com/mindgoner/propagator/internal/metrics"
	"github.com/mindgoner/propagator/internal/storage"
	"github.com/mindgoner/propagator/pkg/record"
)

// Response is the JSON body of every pull endpoint reply.
type Response struct {
	Success bool    `json:"success"`
	Message *string `json:"message"`
	Content *string `json:"content"`
}

const (
	msgUnauthorized  = "Unauthorized"
	msgMissingSince  = "Missing since parameter"
	msgInvalidSince  = "Invalid since parameter"
	msgInternalError = "Internal server error"
	sinceQueryParam  = "since"
	jsonContentType  = "application/json"
)

// Handler serves GET <pull path>?since=<timestamp>.
type Handler struct {
	store        storage.Store
	credentials  auth.Credentials
	sharedSecret string
	log          logger.Logger
}

// NewHandler creates the pull endpoint handler.
func NewHandler(store storage.Store, credentials auth.Credentials, sharedSecret string, log logger.Logger) *Handler {
	return &Handler{store: store, credentials: credentials, sharedSecret: sharedSecret, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.credentials.Verify(r) {
		auth.Challenge(w)
		h.fail(w, http.StatusUnauthorized, msgUnauthorized)
		return
	}

	raw := r.URL.Query().Get(sinceQueryParam)
	if raw == "" {
		h.fail(w, http.StatusBadRequest, msgMissingSince)
		return
	}
	since, err := record.ParseTime(raw)
	if err != nil {
		h.fail(w, http.StatusBadRequest, msgInvalidSince)
		return
	}

	if h.sharedSecret == "" {
		h.log.Error("Pull rejected, shared secret is not configured")
		h.fail(w, http.StatusInternalServerError, msgInternalError)
		return
	}

	records, err := h.store.QueryAfter(r.Context(), since)
	if err != nil {
		h.log.Error("Pull query failed", "since", raw, "error", err)
		h.fail(w, http.StatusInternalServerError, msgInternalError)
		return
	}
	if records == nil {
		records = []*record.Record{}
	}

	payload, err := json.Marshal(records)
	if err != nil {
		h.log.Error("Pull serialization failed", "error", err)
		h.fail(w, http.StatusInternalServerError, msgInternalError)
		return
	}
	sealed, err := envelope.Seal(payload, h.sharedSecret)
	if err != nil {
		h.log.Error("Pull sealing failed", "error", err)
		h.fail(w, http.StatusInternalServerError, msgInternalError)
		return
	}

	h.log.Debug("Pull served", "since", record.FormatTime(since), "records", len(records))
	h.write(w, http.StatusOK, Response{Success: true, Content: &sealed})
}

func (h *Handler) fail(w http.ResponseWriter, status int, message string) {
	h.write(w, status, Response{Success: false, Message: &message})
}

func (h *Handler) write(w http.ResponseWriter, status int, resp Response) {
	metrics.PullRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Warn("Failed to write pull response", "error", err)
	}
}
