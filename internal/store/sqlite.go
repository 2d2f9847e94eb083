package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/artifact-guard/internal/model"
)

// sqliteTimeLayout is fixed-width so text comparison matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS guard_events (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	ts             TEXT NOT NULL,
	event          TEXT NOT NULL,
	artifact_type  TEXT NOT NULL DEFAULT '',
	position       INTEGER NOT NULL DEFAULT 0,
	artifact_id    TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT '',
	reason         TEXT NOT NULL DEFAULT '',
	breaker_opened INTEGER NOT NULL DEFAULT 0,
	payload        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_guard_events_ts ON guard_events(ts);
CREATE INDEX IF NOT EXISTS idx_guard_events_run_id ON guard_events(run_id);
CREATE INDEX IF NOT EXISTS idx_guard_events_type_ts ON guard_events(artifact_type, ts);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertEvent(ctx context.Context, rec model.EventRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal event")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO guard_events (id, run_id, ts, event, artifact_type, position, artifact_id, status, reason, breaker_opened, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.RunID, rec.Timestamp.UTC().Format(sqliteTimeLayout), string(rec.Kind),
		string(rec.ArtifactType), rec.Position, rec.ArtifactID, rec.Status, rec.Reason,
		rec.BreakerOpen, string(payload),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert event %s", rec.ID)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, filter model.EventFilter) ([]model.EventRecord, error) {
	query := `SELECT payload FROM guard_events WHERE 1=1`
	var args []any

	if filter.ArtifactType != "" {
		query += ` AND artifact_type = ?`
		args = append(args, string(filter.ArtifactType))
	}
	if filter.Kind != "" {
		query += ` AND event = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if !filter.Since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, filter.Since.UTC().Format(sqliteTimeLayout))
	}
	query += ` ORDER BY ts DESC, rowid DESC LIMIT ?`
	args = append(args, listLimit(filter))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list events")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.EventRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		rec, err := decodePayload([]byte(payload))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate events")
}

func (s *SQLiteStore) CountByKind(ctx context.Context, runID string) (map[model.EventKind]int, error) {
	query := `SELECT event, COUNT(*) FROM guard_events`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` GROUP BY event`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count events")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[model.EventKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan count")
		}
		out[model.EventKind(kind)] = n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate counts")
}

// PurgeBefore deletes events older than cutoff and returns how many were removed.
func (s *SQLiteStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM guard_events WHERE ts < ?`, cutoff.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: purge events")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: purge rows affected")
	}
	return int(n), nil
}
