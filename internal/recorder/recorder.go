// Package recorder turns observed requests into stored records and
// announces the ones that originated on this node.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mindgoner/propagator/internal/envelope"
	"github.com/mindgoner/propagator/internal/logger"
	"github.com/mindgoner/propagator/internal/metrics"
	"github.com/mindgoner/propagator/internal/push"
	"github.com/mindgoner/propagator/internal/storage"
	"github.com/mindgoner/propagator/pkg/record"
)

// Origin tells whether a record was first observed here or replicated in.
type Origin int

const (
	Local Origin = iota
	Remote
)

func (o Origin) String() string {
	if o == Remote {
		return "remote"
	}
	return "local"
}

// Options configures announcements.
type Options struct {
	Channel      string
	Event        string
	SharedSecret string
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Recorder writes records to the store and announces local ones.
type Recorder struct {
	store       storage.Store
	broadcaster push.Broadcaster
	opts        Options
	log         logger.Logger
}

// New creates a Recorder. A nil broadcaster disables announcements.
func New(store storage.Store, broadcaster push.Broadcaster, opts Options, log logger.Logger) *Recorder {
	if broadcaster == nil {
		broadcaster = push.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Channel == "" {
		opts.Channel = "propagator.requests"
	}
	if opts.Event == "" {
		opts.Event = "request.recorded"
	}
	return &Recorder{store: store, broadcaster: broadcaster, opts: opts, log: log}
}

// Record stores rec, assigning an id and receive time when they are missing.
// Local records are announced on the push channel; remote ones never are.
func (r *Recorder) Record(ctx context.Context, rec *record.Record, origin Origin) (*record.Record, error) {
	if rec == nil {
		return nil, fmt.Errorf("record is nil")
	}
	if strings.TrimSpace(rec.ID) == "" {
		rec.ID = record.NewID()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = record.Stamp(r.opts.Now())
	} else {
		rec.ReceivedAt = rec.ReceivedAt.UTC()
	}

	result, err := r.store.Upsert(ctx, rec)
	if err != nil {
		metrics.RecordsRecorded.WithLabelValues(origin.String(), "error").Inc()
		return nil, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	metrics.RecordsRecorded.WithLabelValues(origin.String(), result.String()).Inc()
	r.log.Debug("Request recorded",
		"id", rec.ID,
		"origin", origin.String(),
		"result", result.String(),
		"method", rec.Method,
		"path", rec.Path)

	if origin == Local {
		r.announce(ctx, rec)
	}
	return rec, nil
}

// Observe records an incoming HTTP request. Requests carrying the remote
// origin marker are replays from a listener: they reuse the forwarded id and
// receive time, are never announced, and are skipped when the id is already
// stored.
func (r *Recorder) Observe(ctx context.Context, req *http.Request, body []byte) (*record.Record, error) {
	rec := record.FromRequest(req, body)
	if !record.IsRemote(req) {
		return r.Record(ctx, rec, Local)
	}

	if id := strings.TrimSpace(req.Header.Get(record.HeaderID)); id != "" {
		existing, err := r.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", id, err)
		}
		if existing != nil {
			return existing, nil
		}
		rec.ID = id
	}
	if raw := req.Header.Get(record.HeaderReceivedAt); raw != "" {
		if ts, err := record.ParseTime(raw); err == nil {
			rec.ReceivedAt = ts
		} else {
			r.log.Warn("Ignoring invalid replay receive time", "value", raw, "error", err)
		}
	}
	return r.Record(ctx, rec, Remote)
}

func (r *Recorder) announce(ctx context.Context, rec *record.Record) {
	if _, ok := r.broadcaster.(push.Nop); ok {
		return
	}
	if r.opts.SharedSecret == "" {
		metrics.Announcements.WithLabelValues("skipped").Inc()
		r.log.Warn("Push announcement skipped, shared secret is not configured", "id", rec.ID)
		return
	}

	data, err := json.Marshal(rec)
	if err != nil {
		metrics.Announcements.WithLabelValues("error").Inc()
		r.log.Error("Failed to encode announcement", "id", rec.ID, "error", err)
		return
	}
	sealed, err := envelope.Seal(data, r.opts.SharedSecret)
	if err != nil {
		metrics.Announcements.WithLabelValues("error").Inc()
		r.log.Error("Failed to seal announcement", "id", rec.ID, "error", err)
		return
	}
	if err := r.broadcaster.Publish(ctx, r.opts.Channel, r.opts.Event, sealed); err != nil {
		metrics.Announcements.WithLabelValues("error").Inc()
		r.log.Warn("Push announcement failed", "id", rec.ID, "error", err)
		return
	}
	metrics.Announcements.WithLabelValues("sent").Inc()
}
