package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/folia/internal/records"
)

const pgSchema = `
CREATE SEQUENCE IF NOT EXISTS hub_change_seq;
CREATE TABLE IF NOT EXISTS hub_records (
	id         TEXT PRIMARY KEY,
	revision   BIGINT NOT NULL,
	record     JSONB NOT NULL,
	seq        BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_hub_records_seq ON hub_records (seq);
`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresConfig configures the hub's connection pool.
type PostgresConfig struct {
	DSN         string
	MaxConns    int32
	DialTimeout time.Duration
}

// PostgresHub stores hub records in PostgreSQL.
type PostgresHub struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgresHub connects, creates the schema if needed and returns the store.
func OpenPostgresHub(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresHub, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing hub dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "folia-hub"

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, fmt.Errorf("connecting to hub database: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging hub database: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating hub schema: %w", err)
	}
	logger.Info("connected to hub database")
	return &PostgresHub{pool: pool, logger: logger}, nil
}

// Close closes the pool.
func (h *PostgresHub) Close() { h.pool.Close() }

func (h *PostgresHub) Put(ctx context.Context, rec *records.ArticleRecord, base records.Revision) (records.Revision, error) {
	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning hub transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var stored int64
	var raw []byte
	err = tx.QueryRow(ctx, `SELECT revision, record FROM hub_records WHERE id = $1 FOR UPDATE`, string(rec.ID)).Scan(&stored, &raw)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("reading hub record %s: %w", rec.ID, err)
	}
	current := records.Revision(stored)

	if current != base {
		var remote *records.ArticleRecord
		if raw != nil {
			remote = new(records.ArticleRecord)
			if err := json.Unmarshal(raw, remote); err != nil {
				return 0, fmt.Errorf("decoding hub record %s: %w", rec.ID, err)
			}
		}
		return 0, &records.ConflictError{ID: rec.ID, RemoteRevision: current, Remote: remote}
	}

	rev := nextRevision(rec.Revision, current)
	next := rec.Clone()
	next.Revision, next.BaseRevision = rev, rev
	data, err := json.Marshal(next)
	if err != nil {
		return 0, fmt.Errorf("encoding record: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO hub_records (id, revision, record, seq, updated_at)
		VALUES ($1, $2, $3, nextval('hub_change_seq'), now())
		ON CONFLICT (id) DO UPDATE SET
			revision = excluded.revision,
			record = excluded.record,
			seq = excluded.seq,
			updated_at = excluded.updated_at`,
		string(rec.ID), int64(rev), data)
	if err != nil {
		return 0, fmt.Errorf("writing hub record %s: %w", rec.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing hub record %s: %w", rec.ID, err)
	}
	return rev, nil
}

func (h *PostgresHub) Changes(ctx context.Context, since int64, limit int) ([]records.RemoteChange, int64, error) {
	q := psql.Select("id", "revision", "record", "seq").
		From("hub_records").
		Where(sq.Gt{"seq": since}).
		OrderBy("seq ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, since, fmt.Errorf("building changes query: %w", err)
	}

	rows, err := h.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, since, fmt.Errorf("querying hub changes: %w", err)
	}
	defer rows.Close()

	next := since
	var out []records.RemoteChange
	for rows.Next() {
		var (
			id  string
			rev int64
			raw []byte
			seq int64
		)
		if err := rows.Scan(&id, &rev, &raw, &seq); err != nil {
			return nil, since, fmt.Errorf("scanning hub change: %w", err)
		}
		rec := new(records.ArticleRecord)
		if err := json.Unmarshal(raw, rec); err != nil {
			return nil, since, fmt.Errorf("decoding hub record %s: %w", id, err)
		}
		out = append(out, records.RemoteChange{ID: records.RecordID(id), Revision: records.Revision(rev), Record: rec})
		next = seq
	}
	return out, next, rows.Err()
}

func (h *PostgresHub) Get(ctx context.Context, id records.RecordID) (*records.ArticleRecord, records.Revision, error) {
	var rev int64
	var raw []byte
	err := h.pool.QueryRow(ctx, `SELECT revision, record FROM hub_records WHERE id = $1`, string(id)).Scan(&rev, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, records.ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	rec := new(records.ArticleRecord)
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, 0, fmt.Errorf("decoding hub record %s: %w", id, err)
	}
	return rec, records.Revision(rev), nil
}
