package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/artifact-guard/internal/config"
	"github.com/sells-group/artifact-guard/internal/monitoring"
	"github.com/sells-group/artifact-guard/internal/state"
	"github.com/sells-group/artifact-guard/internal/store"
)

// guardEnv holds the persistence handles shared by every subcommand.
type guardEnv struct {
	State  *state.FileStore
	Events *state.EventLog
	// Index is nil when store.driver is empty or the index is unreachable.
	Index store.Store
}

// initEnv resolves the configured paths and opens the optional event index.
// An unreachable index is logged and skipped; the JSONL log is authoritative.
func initEnv(ctx context.Context, c *config.Config) (*guardEnv, error) {
	statePath, err := state.ExpandPath(c.State.StateFile)
	if err != nil {
		return nil, err
	}
	eventsPath, err := state.ExpandPath(c.State.EventsFile)
	if err != nil {
		return nil, err
	}

	env := &guardEnv{
		State: state.NewFileStore(statePath, state.WithLockTimeout(time.Duration(c.State.LockTimeoutSecs)*time.Second)),
	}

	var mirrors []state.Mirror
	if c.Store.Driver != "" {
		idx, err := initStore(ctx, c)
		if err != nil {
			zap.L().Warn("event index unavailable, continuing without it",
				zap.String("driver", c.Store.Driver),
				zap.Error(err),
			)
		} else {
			env.Index = idx
			mirrors = append(mirrors, idx)
		}
	}
	env.Events = state.NewEventLog(eventsPath, mirrors...)
	return env, nil
}

func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	return store.Open(ctx, c.Store.Driver, c.Store.DatabaseURL)
}

// eventSource prefers the index for queries and falls back to the JSONL log.
func (e *guardEnv) eventSource() monitoring.EventLister {
	if e.Index != nil {
		return e.Index
	}
	return e.Events
}

// Close releases the index connection, if any.
func (e *guardEnv) Close() {
	if e.Index != nil {
		if err := e.Index.Close(); err != nil {
			zap.L().Warn("close event index", zap.Error(err))
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
