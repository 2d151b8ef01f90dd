// Package listener replicates records from one peer. It pulls batches (and
// in push mode also receives announcements), records them as remote and
// replays them against the local application. Only pulls advance the
// receive-time cursor.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mindgoner/propagator/internal/envelope"
	"github.com/mindgoner/propagator/internal/forwarder"
	"github.com/mindgoner/propagator/internal/logger"
	"github.com/mindgoner/propagator/internal/metrics"
	"github.com/mindgoner/propagator/internal/pull"
	"github.com/mindgoner/propagator/internal/push"
	"github.com/mindgoner/propagator/internal/recorder"
	"github.com/mindgoner/propagator/internal/storage"
	"github.com/mindgoner/propagator/pkg/record"
)

const (
	ModePoll = "poll"
	ModePush = "push"

	minPollInterval          = time.Second
	defaultReconcileInterval = 30 * time.Second
	defaultSkewMargin        = time.Second
)

// Puller fetches a peer's records received strictly after since.
type Puller interface {
	Pull(ctx context.Context, since time.Time) ([]*record.Record, error)
}

// Replayer re-issues a record against a base url.
type Replayer interface {
	Replay(ctx context.Context, rec *record.Record, baseURL string) (forwarder.Result, error)
}

// Options configures one listener.
type Options struct {
	// Peer labels logs and metrics.
	Peer         string
	Mode         string
	PollInterval time.Duration
	// ReconcileInterval is the pull period while a push subscription is up.
	ReconcileInterval time.Duration
	// SkewMargin is subtracted from the newest stored receive time to form
	// the first cursor. Zero means the default of one second.
	SkewMargin time.Duration
	// LocalBaseURL is the replay target. Empty disables replay.
	LocalBaseURL string
	Channel      string
	Event        string
	SharedSecret string
}

// Listener follows a single peer.
type Listener struct {
	opts       Options
	store      storage.Store
	recorder   *recorder.Recorder
	puller     Puller
	subscriber push.Subscriber
	replayer   Replayer
	log        logger.Logger
	onClose    func()

	mu     sync.Mutex
	cursor time.Time

	// ingestMu serializes batches from pulls and pushes. pushed holds
	// records already replayed from announcements that no pull has
	// returned yet.
	ingestMu sync.Mutex
	pushed   map[string]*record.Record
}

// New creates a listener. subscriber may be nil, in which case push mode
// behaves like poll mode.
func New(opts Options, store storage.Store, rec *recorder.Recorder, puller Puller, subscriber push.Subscriber, replayer Replayer, log logger.Logger) *Listener {
	if opts.PollInterval < minPollInterval {
		opts.PollInterval = minPollInterval
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = defaultReconcileInterval
	}
	if opts.ReconcileInterval < opts.PollInterval {
		opts.ReconcileInterval = opts.PollInterval
	}
	if opts.SkewMargin <= 0 {
		opts.SkewMargin = defaultSkewMargin
	}
	if opts.Mode == "" {
		opts.Mode = ModePoll
	}
	return &Listener{
		opts:       opts,
		store:      store,
		recorder:   rec,
		puller:     puller,
		subscriber: subscriber,
		replayer:   replayer,
		log:        log.With("component", "listener", "peer", opts.Peer),
		cursor:     record.Epoch,
		pushed:     make(map[string]*record.Record),
	}
}

// Cursor returns the receive time of the newest record processed so far.
func (l *Listener) Cursor() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cursor
}

// Run replicates until ctx is done. It only returns an error when the
// initial cursor cannot be read from the store.
func (l *Listener) Run(ctx context.Context) error {
	if l.onClose != nil {
		defer l.onClose()
	}
	if err := l.initCursor(ctx); err != nil {
		return err
	}
	l.log.Info("Listener started",
		"mode", l.opts.Mode,
		"cursor", record.FormatTime(l.Cursor()),
		"poll_interval", l.opts.PollInterval.String())

	if l.opts.Mode == ModePush && l.subscriber != nil {
		return l.runPush(ctx)
	}
	return l.runPoll(ctx)
}

func (l *Listener) initCursor(ctx context.Context) error {
	latest, ok, err := l.store.MaxReceivedAt(ctx)
	if err != nil {
		return err
	}
	cursor := record.Epoch
	if ok {
		cursor = latest.Add(-l.opts.SkewMargin)
		if cursor.Before(record.Epoch) {
			cursor = record.Epoch
		}
	}
	l.mu.Lock()
	l.cursor = cursor
	l.mu.Unlock()
	metrics.Cursor.WithLabelValues(l.opts.Peer).Set(float64(cursor.UnixMicro()) / 1e6)
	return nil
}

func (l *Listener) runPoll(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		l.cycle(ctx)
		timer.Reset(l.opts.PollInterval)
	}
}

func (l *Listener) runPush(ctx context.Context) error {
	for {
		l.cycle(ctx)
		if ctx.Err() != nil {
			return nil
		}

		err := l.subscribe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, push.ErrUnavailable) {
			metrics.PushEvents.WithLabelValues(l.opts.Peer, "unavailable").Inc()
			l.log.Warn("Push channel unavailable, falling back to polling", "error", err)
			return l.runPoll(ctx)
		}
		l.log.Warn("Push connection dropped, resubscribing", "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.opts.PollInterval):
		}
	}
}

// subscribe holds the push subscription and pulls every ReconcileInterval
// while it is up. Announcements lost before the subscription was
// acknowledged, or never published, are picked up by those pulls.
func (l *Listener) subscribe(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(l.opts.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-ticker.C:
				l.cycle(subCtx)
			}
		}
	}()

	err := l.subscriber.Subscribe(subCtx, l.opts.Channel, l.handleEvent)
	cancel()
	wg.Wait()
	return err
}

// cycle performs one pull and processes the batch. Failures leave the
// cursor where it was.
func (l *Listener) cycle(ctx context.Context) {
	since := l.Cursor()
	start := time.Now()
	records, err := l.puller.Pull(ctx, since)
	metrics.PullDuration.WithLabelValues(l.opts.Peer).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.PullCycles.WithLabelValues(l.opts.Peer, failureKind(err)).Inc()
		l.log.Warn("Pull failed", "since", record.FormatTime(since), "error", err)
		return
	}

	processed, err := l.ingest(ctx, records, false)
	if err != nil {
		metrics.PullCycles.WithLabelValues(l.opts.Peer, "partial").Inc()
		l.log.Warn("Batch stopped early",
			"processed", processed,
			"batch", len(records),
			"error", err)
		return
	}
	metrics.PullCycles.WithLabelValues(l.opts.Peer, "ok").Inc()
	if processed > 0 {
		l.log.Info("Batch replicated",
			"records", processed,
			"cursor", record.FormatTime(l.Cursor()))
	}
}

// ingest records and replays each record in receive order. It stops at the
// first record that cannot be stored. For pulled batches the cursor then
// covers every receive time strictly before that record; pushed records
// never move the cursor.
func (l *Listener) ingest(ctx context.Context, records []*record.Record, fromPush bool) (int, error) {
	l.ingestMu.Lock()
	defer l.ingestMu.Unlock()

	sortBatch(records)

	var (
		latest    time.Time
		previous  time.Time
		processed int
		stopErr   error
	)
	for _, rec := range records {
		stored, err := l.recorder.Record(ctx, rec, recorder.Remote)
		if err != nil {
			stopErr = err
			if !latest.Before(rec.ReceivedAt) {
				latest = previous
			}
			break
		}
		processed++
		metrics.RecordsIngested.WithLabelValues(l.opts.Peer).Inc()

		if fromPush {
			l.pushed[stored.ID] = stored.Clone()
			l.replay(ctx, stored)
		} else if seen, ok := l.pushed[stored.ID]; ok && record.SameContent(seen, stored) {
			delete(l.pushed, stored.ID)
		} else {
			delete(l.pushed, stored.ID)
			l.replay(ctx, stored)
		}

		if stored.ReceivedAt.After(latest) {
			previous = latest
			latest = stored.ReceivedAt
		}
	}
	if !fromPush {
		l.advance(latest)
		l.forgetPushed()
	}
	return processed, stopErr
}

// sortBatch orders records by receive time, ties broken by id.
func sortBatch(records []*record.Record) {
	slices.SortStableFunc(records, func(a, b *record.Record) int {
		if c := a.ReceivedAt.Compare(b.ReceivedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// forgetPushed drops pushed ids at or before the cursor; no later pull can
// return them.
func (l *Listener) forgetPushed() {
	cursor := l.Cursor()
	for id, rec := range l.pushed {
		if !rec.ReceivedAt.After(cursor) {
			delete(l.pushed, id)
		}
	}
}

func (l *Listener) replay(ctx context.Context, rec *record.Record) {
	if l.replayer == nil || l.opts.LocalBaseURL == "" {
		return
	}
	res, err := l.replayer.Replay(ctx, rec, l.opts.LocalBaseURL)
	if err != nil {
		metrics.Replays.WithLabelValues("error").Inc()
		l.log.Warn("Replay failed",
			"id", rec.ID,
			"attempts", res.Attempts,
			"error", err)
		return
	}
	metrics.Replays.WithLabelValues("ok").Inc()
}

func (l *Listener) advance(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !t.After(l.cursor) {
		return
	}
	l.cursor = t
	metrics.Cursor.WithLabelValues(l.opts.Peer).Set(float64(t.UnixMicro()) / 1e6)
}

// handleEvent processes one pushed announcement as a single-record batch.
func (l *Listener) handleEvent(ctx context.Context, ev push.Event) {
	if l.opts.Event != "" && ev.Name != l.opts.Event {
		metrics.PushEvents.WithLabelValues(l.opts.Peer, "ignored").Inc()
		return
	}
	plaintext, err := envelope.Open(ev.Data, l.opts.SharedSecret)
	if err != nil {
		metrics.PushEvents.WithLabelValues(l.opts.Peer, "authentication").Inc()
		l.log.Warn("Rejected push event", "event", ev.Name, "error", err)
		return
	}
	var rec record.Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		metrics.PushEvents.WithLabelValues(l.opts.Peer, "serialization").Inc()
		l.log.Warn("Malformed push event", "event", ev.Name, "error", err)
		return
	}
	if _, err := l.ingest(ctx, []*record.Record{&rec}, true); err != nil {
		metrics.PushEvents.WithLabelValues(l.opts.Peer, "error").Inc()
		l.log.Warn("Pushed record not stored", "id", rec.ID, "error", err)
		return
	}
	metrics.PushEvents.WithLabelValues(l.opts.Peer, "ok").Inc()
	l.log.Debug("Pushed record replicated", "id", rec.ID)
}

func failureKind(err error) string {
	var transportErr *pull.TransportError
	switch {
	case errors.Is(err, envelope.ErrAuthentication):
		return "authentication"
	case errors.Is(err, pull.ErrSerialization):
		return "serialization"
	case errors.Is(err, pull.ErrResponseTooLarge):
		return "too_large"
	case errors.As(err, &transportErr):
		return "transport"
	default:
		return "error"
	}
}
