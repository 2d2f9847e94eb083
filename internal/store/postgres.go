package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/artifact-guard/internal/model"
)

// Pool is the subset of pgxpool.Pool used by PostgresStore. pgxmock's pool
// satisfies it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"insert_event": insertEventSQL,
}

const insertEventSQL = `INSERT INTO guard_events (id, run_id, ts, event, artifact_type, position, artifact_id, status, reason, breaker_opened, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO NOTHING`

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// A single CLI run needs very few connections.
	maxConns := int32(4)
	minConns := int32(0)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS guard_events (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	ts             TIMESTAMPTZ NOT NULL,
	event          TEXT NOT NULL,
	artifact_type  TEXT NOT NULL DEFAULT '',
	position       INTEGER NOT NULL DEFAULT 0,
	artifact_id    TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT '',
	reason         TEXT NOT NULL DEFAULT '',
	breaker_opened BOOLEAN NOT NULL DEFAULT false,
	payload        JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_guard_events_ts ON guard_events(ts DESC);
CREATE INDEX IF NOT EXISTS idx_guard_events_run_id ON guard_events(run_id);
CREATE INDEX IF NOT EXISTS idx_guard_events_type_ts ON guard_events(artifact_type, ts DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, rec model.EventRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal event")
	}
	_, err = s.pool.Exec(ctx, insertEventSQL,
		rec.ID, rec.RunID, rec.Timestamp.UTC(), string(rec.Kind),
		string(rec.ArtifactType), rec.Position, rec.ArtifactID, rec.Status, rec.Reason,
		rec.BreakerOpen, payload,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert event %s", rec.ID)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, filter model.EventFilter) ([]model.EventRecord, error) {
	query := `SELECT payload FROM guard_events WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ArtifactType != "" {
		query += fmt.Sprintf(` AND artifact_type = $%d`, argIdx)
		args = append(args, string(filter.ArtifactType))
		argIdx++
	}
	if filter.Kind != "" {
		query += fmt.Sprintf(` AND event = $%d`, argIdx)
		args = append(args, string(filter.Kind))
		argIdx++
	}
	if filter.RunID != "" {
		query += fmt.Sprintf(` AND run_id = $%d`, argIdx)
		args = append(args, filter.RunID)
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND ts >= $%d`, argIdx)
		args = append(args, filter.Since.UTC())
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY ts DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list events")
	}
	defer rows.Close()

	var out []model.EventRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		rec, err := decodePayload(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate events")
}

func (s *PostgresStore) CountByKind(ctx context.Context, runID string) (map[model.EventKind]int, error) {
	query := `SELECT event, COUNT(*) FROM guard_events`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = $1`
		args = append(args, runID)
	}
	query += ` GROUP BY event`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count events")
	}
	defer rows.Close()

	out := make(map[model.EventKind]int)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan count")
		}
		out[model.EventKind(kind)] = int(n)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate counts")
}

func (s *PostgresStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM guard_events WHERE ts < $1`, cutoff.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: purge events")
	}
	return int(tag.RowsAffected()), nil
}
