package state

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/artifact-guard/internal/model"
)

// Mirror receives a copy of every appended event, e.g. a queryable index.
type Mirror interface {
	InsertEvent(ctx context.Context, rec model.EventRecord) error
}

// EventLog appends one JSON record per line. Appends are independent of
// snapshot commits: a record is durable once Append returns.
type EventLog struct {
	path    string
	mirrors []Mirror
}

// NewEventLog creates an event log at path.
func NewEventLog(path string, mirrors ...Mirror) *EventLog {
	return &EventLog{path: path, mirrors: mirrors}
}

// Path returns the log file path.
func (l *EventLog) Path() string {
	return l.path
}

// Append writes rec as a single line and fsyncs it. Mirror failures are
// logged and do not fail the append; the file is authoritative.
func (l *EventLog) Append(ctx context.Context, rec model.EventRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "events: marshal record")
	}
	line = append(line, '\n')

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return eris.Wrap(err, "events: create dir")
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return eris.Wrapf(err, "events: open %s", l.path)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return eris.Wrapf(err, "events: append %s", l.path)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return eris.Wrapf(err, "events: sync %s", l.path)
	}
	if err := f.Close(); err != nil {
		return eris.Wrapf(err, "events: close %s", l.path)
	}

	for _, m := range l.mirrors {
		if err := m.InsertEvent(ctx, rec); err != nil {
			zap.L().Warn("events: mirror insert failed",
				zap.String("event", string(rec.Kind)),
				zap.String("run_id", rec.RunID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Read returns events matching filter, newest first. Lines that do not
// parse are skipped with a warning. A missing file yields no events.
func (l *EventLog) Read(filter model.EventFilter) ([]model.EventRecord, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "events: open %s", l.path)
	}
	defer f.Close() //nolint:errcheck

	var out []model.EventRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec model.EventRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			zap.L().Warn("events: skipping malformed line", zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		if filter.Match(rec) {
			out = append(out, rec)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrapf(err, "events: scan %s", l.path)
	}

	// File order is append order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListEvents is Read with the index's signature, so callers can query either.
func (l *EventLog) ListEvents(_ context.Context, filter model.EventFilter) ([]model.EventRecord, error) {
	return l.Read(filter)
}
