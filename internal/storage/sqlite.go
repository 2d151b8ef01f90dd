package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mindgoner/propagator/internal/config"
	"github.com/mindgoner/propagator/internal/logger"
	"github.com/mindgoner/propagator/pkg/record"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriverName = "sqlite"
)

// contentColumns are compared on conflict; bookkeeping columns are not.
var contentColumns = []string{"method", "path", "headers_json", "query_json", "body", "ip", "user_agent", "received_at_us"}

type sqliteStore struct {
	db    *sql.DB
	cfg   *config.StorageConfig
	log   logger.Logger
	table string
	now   func() time.Time

	upsertSQL string
	selectSQL string
}

func newSQLiteStore(ctx context.Context, cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("prepare sqlite directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", filepath.ToSlash(absPath))
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, stmt := range pragmas {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %s: %w", stmt, err)
		}
	}

	table := cfg.Table
	if table == "" {
		table = "propagator_requests"
	}
	store := &sqliteStore{db: db, cfg: cfg, log: log, table: table, now: time.Now}
	store.buildStatements()
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *sqliteStore) buildStatements() {
	var changed []string
	for _, col := range contentColumns {
		changed = append(changed, fmt.Sprintf("%s.%s IS NOT excluded.%s", s.table, col, col))
	}
	var assign []string
	for _, col := range contentColumns {
		assign = append(assign, fmt.Sprintf("%s = excluded.%s", col, col))
	}
	assign = append(assign,
		"updated_at_us = excluded.updated_at_us",
		fmt.Sprintf("revision = %s.revision + 1", s.table))

	s.upsertSQL = fmt.Sprintf(`INSERT INTO %s (
    id, method, path, headers_json, query_json, body, ip, user_agent,
    received_at_us, created_at_us, updated_at_us, revision
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
ON CONFLICT(id) DO UPDATE SET %s
WHERE %s
RETURNING created_at_us, updated_at_us, revision`,
		s.table, strings.Join(assign, ", "), strings.Join(changed, " OR "))

	s.selectSQL = fmt.Sprintf("SELECT id, method, path, headers_json, query_json, body, ip, user_agent, received_at_us, created_at_us, updated_at_us FROM %s", s.table)
}

func (s *sqliteStore) initSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id TEXT PRIMARY KEY,
    method TEXT NOT NULL,
    path TEXT NOT NULL,
    headers_json TEXT NOT NULL,
    query_json TEXT NOT NULL,
    body BLOB,
    ip TEXT,
    user_agent TEXT,
    received_at_us INTEGER NOT NULL,
    created_at_us INTEGER NOT NULL,
    updated_at_us INTEGER NOT NULL,
    revision INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_received ON %[1]s(received_at_us);
`, s.table)
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *sqliteStore) Upsert(ctx context.Context, rec *record.Record) (UpsertResult, error) {
	if err := validate(rec); err != nil {
		return Unchanged, err
	}
	headersJSON, err := encodeMulti(rec.Headers)
	if err != nil {
		return Unchanged, fmt.Errorf("marshal headers: %w", err)
	}
	queryJSON, err := encodeMulti(rec.QueryParams)
	if err != nil {
		return Unchanged, fmt.Errorf("marshal query: %w", err)
	}
	now := record.Stamp(s.now())

	var createdUS, updatedUS, revision int64
	err = s.db.QueryRowContext(ctx, s.upsertSQL,
		rec.ID,
		rec.Method,
		rec.Path,
		headersJSON,
		queryJSON,
		nonNilBody(rec.Body),
		rec.IP,
		rec.UserAgent,
		rec.ReceivedAt.UnixMicro(),
		now.UnixMicro(),
		now.UnixMicro(),
	).Scan(&createdUS, &updatedUS, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return Unchanged, nil
	}
	if err != nil {
		return Unchanged, fmt.Errorf("upsert record %s: %w", rec.ID, err)
	}

	rec.CreatedAt = time.UnixMicro(createdUS).UTC()
	rec.UpdatedAt = time.UnixMicro(updatedUS).UTC()
	if revision > 1 {
		return Updated, nil
	}
	if err := s.prune(ctx); err != nil {
		s.log.Warn("Failed to prune records", "error", err)
	}
	return Inserted, nil
}

// prune enforces the optional retention limits; both are off by default.
func (s *sqliteStore) prune(ctx context.Context) error {
	if s.cfg.Retention > 0 {
		cutoff := s.now().Add(-s.cfg.Retention).UnixMicro()
		query := fmt.Sprintf("DELETE FROM %s WHERE received_at_us < ?", s.table)
		if _, err := s.db.ExecContext(ctx, query, cutoff); err != nil {
			return fmt.Errorf("prune by retention: %w", err)
		}
	}
	if s.cfg.MaxRecords > 0 {
		var count int
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(1) FROM %s", s.table)).Scan(&count); err != nil {
			return fmt.Errorf("count records: %w", err)
		}
		if excess := count - s.cfg.MaxRecords; excess > 0 {
			query := fmt.Sprintf("DELETE FROM %[1]s WHERE id IN (SELECT id FROM %[1]s ORDER BY received_at_us ASC LIMIT ?)", s.table)
			if _, err := s.db.ExecContext(ctx, query, excess); err != nil {
				return fmt.Errorf("prune max records: %w", err)
			}
		}
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx, s.selectSQL+" WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *sqliteStore) QueryAfter(ctx context.Context, since time.Time) ([]*record.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		s.selectSQL+" WHERE received_at_us > ? ORDER BY received_at_us ASC, id ASC",
		since.UnixMicro())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []*record.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *sqliteStore) MaxReceivedAt(ctx context.Context) (time.Time, bool, error) {
	var maxUS sql.NullInt64
	query := fmt.Sprintf("SELECT MAX(received_at_us) FROM %s", s.table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&maxUS); err != nil {
		return time.Time{}, false, err
	}
	if !maxUS.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMicro(maxUS.Int64).UTC(), true, nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanRecord(scanner interface {
	Scan(dest ...interface{}) error
}) (*record.Record, error) {
	var (
		id          string
		method      string
		path        string
		headersJSON string
		queryJSON   string
		body        []byte
		ip          sql.NullString
		userAgent   sql.NullString
		receivedUS  int64
		createdUS   int64
		updatedUS   int64
	)

	if err := scanner.Scan(
		&id,
		&method,
		&path,
		&headersJSON,
		&queryJSON,
		&body,
		&ip,
		&userAgent,
		&receivedUS,
		&createdUS,
		&updatedUS,
	); err != nil {
		return nil, err
	}

	return &record.Record{
		ID:          id,
		Method:      method,
		Path:        path,
		Headers:     decodeMulti(headersJSON),
		QueryParams: decodeMulti(queryJSON),
		Body:        append([]byte(nil), body...),
		IP:          ip.String,
		UserAgent:   userAgent.String,
		ReceivedAt:  time.UnixMicro(receivedUS).UTC(),
		CreatedAt:   time.UnixMicro(createdUS).UTC(),
		UpdatedAt:   time.UnixMicro(updatedUS).UTC(),
	}, nil
}
