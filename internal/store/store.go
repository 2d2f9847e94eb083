// Package store keeps a queryable index of generation events. The JSONL
// event log stays authoritative; the index only serves operator queries.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/artifact-guard/internal/model"
)

// Store defines the event index.
type Store interface {
	// InsertEvent indexes one event. Re-inserting an existing id is a no-op.
	InsertEvent(ctx context.Context, rec model.EventRecord) error
	// ListEvents returns matching events, newest first.
	ListEvents(ctx context.Context, filter model.EventFilter) ([]model.EventRecord, error)
	// CountByKind tallies events per kind, optionally limited to one run.
	CountByKind(ctx context.Context, runID string) (map[model.EventKind]int, error)
	// PurgeBefore drops indexed events older than cutoff. The JSONL log is
	// never touched.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Open returns the index for driver ("sqlite" or "postgres") and applies
// migrations.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	var (
		s   Store
		err error
	)
	switch driver {
	case "sqlite":
		if dsn == "" {
			dsn = "artifact-guard.db"
		}
		s, err = NewSQLite(dsn)
	case "postgres":
		if dsn == "" {
			return nil, eris.New("store: postgres requires a database url")
		}
		s, err = NewPostgres(ctx, dsn, nil)
	default:
		return nil, eris.Errorf("store: unsupported driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

const defaultListLimit = 100

func listLimit(f model.EventFilter) int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

func decodePayload(raw []byte) (model.EventRecord, error) {
	var rec model.EventRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, eris.Wrap(err, "store: decode event payload")
	}
	return rec, nil
}
