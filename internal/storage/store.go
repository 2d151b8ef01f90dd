package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mindgoner/propagator/internal/config"
	"github.com/mindgoner/propagator/internal/logger"
	"github.com/mindgoner/propagator/pkg/record"
)

// ErrUnsupportedDriver indicates the configured driver is not available.
var ErrUnsupportedDriver = errors.New("unsupported storage driver")

// UpsertResult reports what an Upsert did.
type UpsertResult int

const (
	Unchanged UpsertResult = iota
	Inserted
	Updated
)

func (r UpsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// Store defines the persistence contract for request records.
type Store interface {
	// Upsert inserts the record or, if its id exists with different content,
	// replaces it. Identical content leaves the row untouched. On write the
	// record's CreatedAt and UpdatedAt are set from the stored row.
	Upsert(ctx context.Context, rec *record.Record) (UpsertResult, error)
	// Get returns nil, nil when the id is unknown.
	Get(ctx context.Context, id string) (*record.Record, error)
	// QueryAfter returns records with ReceivedAt strictly after since,
	// ordered by ReceivedAt ascending.
	QueryAfter(ctx context.Context, since time.Time) ([]*record.Record, error)
	// MaxReceivedAt reports the newest ReceivedAt, or false for an empty store.
	MaxReceivedAt(ctx context.Context) (time.Time, bool, error)
	Close() error
}

// New instantiates a Store based on configuration.
func New(ctx context.Context, cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	if cfg == nil {
		return nil, errors.New("storage config is nil")
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return newSQLiteStore(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return newPostgresStore(ctx, cfg, log)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
}

func validate(rec *record.Record) error {
	if rec == nil {
		return errors.New("record is nil")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("record id is empty")
	}
	if rec.ReceivedAt.IsZero() {
		return fmt.Errorf("record %s has no receivedAt", rec.ID)
	}
	return nil
}

// encodeMulti renders headers or query params as stable JSON; map keys are
// sorted by encoding/json so equal content yields equal text.
func encodeMulti[M ~map[string][]string](m M) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeMulti(raw string) map[string][]string {
	out := map[string][]string{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string][]string{}
	}
	return out
}

func nonNilBody(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
