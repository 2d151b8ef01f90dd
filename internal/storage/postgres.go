package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mindgoner/propagator/internal/config"
	"github.com/mindgoner/propagator/internal/logger"
	"github.com/mindgoner/propagator/pkg/record"
)

var pgContentColumns = []string{"method", "path", "headers_json", "query_json", "body", "ip", "user_agent", "received_at"}

type postgresStore struct {
	pool  *pgxpool.Pool
	cfg   *config.StorageConfig
	log   logger.Logger
	table string
	now   func() time.Time

	upsertSQL string
	selectSQL string
}

func newPostgresStore(ctx context.Context, cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	poolCfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	table := cfg.Table
	if table == "" {
		table = "propagator_requests"
	}
	store := &postgresStore{pool: pool, cfg: cfg, log: log, table: table, now: time.Now}
	store.buildStatements()
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *postgresStore) buildStatements() {
	var changed, assign []string
	for _, col := range pgContentColumns {
		changed = append(changed, fmt.Sprintf("%s.%s IS DISTINCT FROM excluded.%s", s.table, col, col))
		assign = append(assign, fmt.Sprintf("%s = excluded.%s", col, col))
	}
	assign = append(assign,
		"updated_at = excluded.updated_at",
		fmt.Sprintf("revision = %s.revision + 1", s.table))

	s.upsertSQL = fmt.Sprintf(`INSERT INTO %s (
    id, method, path, headers_json, query_json, body, ip, user_agent,
    received_at, created_at, updated_at, revision
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10, 1)
ON CONFLICT (id) DO UPDATE SET %s
WHERE %s
RETURNING created_at, updated_at, revision`,
		s.table, strings.Join(assign, ", "), strings.Join(changed, " OR "))

	s.selectSQL = fmt.Sprintf("SELECT id, method, path, headers_json, query_json, body, ip, user_agent, received_at, created_at, updated_at FROM %s", s.table)
}

func (s *postgresStore) initSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id text PRIMARY KEY,
    method text NOT NULL,
    path text NOT NULL,
    headers_json text NOT NULL,
    query_json text NOT NULL,
    body bytea NOT NULL,
    ip text NOT NULL DEFAULT '',
    user_agent text NOT NULL DEFAULT '',
    received_at timestamptz NOT NULL,
    created_at timestamptz NOT NULL,
    updated_at timestamptz NOT NULL,
    revision bigint NOT NULL DEFAULT 1
)`, s.table)); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_received ON %[1]s (received_at)`, s.table)); err != nil {
		return fmt.Errorf("create index on %s: %w", s.table, err)
	}
	return nil
}

func (s *postgresStore) Upsert(ctx context.Context, rec *record.Record) (UpsertResult, error) {
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

	var created, updated time.Time
	var revision int64
	err = s.pool.QueryRow(ctx, s.upsertSQL,
		rec.ID,
		rec.Method,
		rec.Path,
		headersJSON,
		queryJSON,
		nonNilBody(rec.Body),
		rec.IP,
		rec.UserAgent,
		rec.ReceivedAt.UTC(),
		record.Stamp(s.now()),
	).Scan(&created, &updated, &revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return Unchanged, nil
	}
	if err != nil {
		return Unchanged, fmt.Errorf("upsert record %s: %w", rec.ID, err)
	}

	rec.CreatedAt = created.UTC()
	rec.UpdatedAt = updated.UTC()
	if revision > 1 {
		return Updated, nil
	}
	if err := s.prune(ctx); err != nil {
		s.log.Warn("Failed to prune records", "error", err)
	}
	return Inserted, nil
}

func (s *postgresStore) prune(ctx context.Context) error {
	if s.cfg.Retention > 0 {
		cutoff := s.now().Add(-s.cfg.Retention).UTC()
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE received_at < $1", s.table), cutoff); err != nil {
			return fmt.Errorf("prune by retention: %w", err)
		}
	}
	if s.cfg.MaxRecords > 0 {
		query := fmt.Sprintf(`DELETE FROM %[1]s WHERE id IN (
    SELECT id FROM %[1]s ORDER BY received_at DESC OFFSET $1
)`, s.table)
		if _, err := s.pool.Exec(ctx, query, s.cfg.MaxRecords); err != nil {
			return fmt.Errorf("prune max records: %w", err)
		}
	}
	return nil
}

func (s *postgresStore) Get(ctx context.Context, id string) (*record.Record, error) {
	rows, err := s.pool.Query(ctx, s.selectSQL+" WHERE id = $1", id)
	if err != nil {
		return nil, err
	}
	recs, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

func (s *postgresStore) QueryAfter(ctx context.Context, since time.Time) ([]*record.Record, error) {
	rows, err := s.pool.Query(ctx,
		s.selectSQL+" WHERE received_at > $1 ORDER BY received_at ASC, id ASC",
		since.UTC())
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (s *postgresStore) MaxReceivedAt(ctx context.Context) (time.Time, bool, error) {
	var latest *time.Time
	if err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT MAX(received_at) FROM %s", s.table)).Scan(&latest); err != nil {
		return time.Time{}, false, err
	}
	if latest == nil {
		return time.Time{}, false, nil
	}
	return latest.UTC(), true, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func collectRecords(rows pgx.Rows) ([]*record.Record, error) {
	defer rows.Close()
	result := []*record.Record{}
	for rows.Next() {
		var (
			rec                    record.Record
			headersJSON, queryJSON string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Method,
			&rec.Path,
			&headersJSON,
			&queryJSON,
			&rec.Body,
			&rec.IP,
			&rec.UserAgent,
			&rec.ReceivedAt,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		rec.Headers = decodeMulti(headersJSON)
		rec.QueryParams = decodeMulti(queryJSON)
		rec.ReceivedAt = rec.ReceivedAt.UTC()
		rec.CreatedAt = rec.CreatedAt.UTC()
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		result = append(result, &rec)
	}
	return result, rows.Err()
}
