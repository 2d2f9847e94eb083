package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FileStore keeps the snapshot in a single JSON file. Commits write a temp
// file in the same directory and rename it over the target, so readers only
// ever see a complete snapshot.
type FileStore struct {
	path        string
	lockPath    string
	lockTimeout time.Duration

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithLockTimeout bounds how long Lock waits for another process.
func WithLockTimeout(d time.Duration) Option {
	return func(s *FileStore) { s.lockTimeout = d }
}

// WithNow sets the clock used for defaults.
func WithNow(fn func() time.Time) Option {
	return func(s *FileStore) { s.nowFunc = fn }
}

// NewFileStore creates a store for the snapshot at path.
func NewFileStore(path string, opts ...Option) *FileStore {
	s := &FileStore{
		path:        path,
		lockPath:    path + ".lock",
		lockTimeout: 10 * time.Second,
		nowFunc:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Path returns the snapshot file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the snapshot. A missing or empty file yields defaults; a file
// that cannot be parsed or violates invariants yields ErrCorruptState.
func (s *FileStore) Load() (*Snapshot, error) {
	now := s.nowFunc()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(now), nil
		}
		return nil, eris.Wrapf(err, "state: read %s", s.path)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Default(now), nil
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, eris.Wrapf(ErrCorruptState, "parse %s: %v", s.path, err)
	}
	if err := snap.validate(now); err != nil {
		return nil, eris.Wrapf(err, "state: validate %s", s.path)
	}
	return &snap, nil
}

// Commit atomically replaces the snapshot on disk.
func (s *FileStore) Commit(snap *Snapshot) error {
	if snap == nil {
		return eris.New("state: commit nil snapshot")
	}
	if snap.SchemaVersion == 0 {
		snap.SchemaVersion = SchemaVersion
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return eris.Wrap(err, "state: marshal snapshot")
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "state: create dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-state-*.json")
	if err != nil {
		return eris.Wrap(err, "state: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "state: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "state: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "state: close temp file")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return eris.Wrapf(err, "state: replace %s", s.path)
	}
	syncDir(dir)
	return nil
}

// Lock takes the inter-process advisory lock guarding read-modify-write of
// the snapshot. The returned func releases it.
func (s *FileStore) Lock(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o755); err != nil {
		return nil, eris.Wrap(err, "state: create lock dir")
	}
	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, eris.Wrapf(err, "state: open lock %s", s.lockPath)
	}

	deadline := time.Now().Add(s.lockTimeout)
	for {
		err := tryLock(f)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrLocked) {
			_ = f.Close()
			return nil, eris.Wrapf(err, "state: lock %s", s.lockPath)
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, eris.Wrapf(ErrLocked, "waited %s for %s", s.lockTimeout, s.lockPath)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, eris.Wrap(ctx.Err(), "state: wait for lock")
		case <-time.After(100 * time.Millisecond):
		}
	}

	return func() {
		if err := unlock(f); err != nil {
			zap.L().Warn("state: unlock failed", zap.String("path", s.lockPath), zap.Error(err))
		}
		_ = f.Close()
	}, nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// ExpandPath resolves a leading "~/" against the user's home directory and
// returns an absolute path.
func ExpandPath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", eris.Wrap(err, "state: resolve home dir")
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", eris.Wrapf(err, "state: resolve %s", p)
	}
	return abs, nil
}
