// Package nlm wraps the NotebookLM command-line tool. Every call is a
// subprocess; read-only calls are retried on transient network output,
// artifact creation never is.
package nlm

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/artifact-guard/internal/resilience"
)

// ErrNotInstalled is returned when the CLI binary cannot be found.
var ErrNotInstalled = eris.New("nlm: executable not found")

// Client defines the notebook CLI operations used by the generator.
type Client interface {
	// Version runs `nlm --version`.
	Version(ctx context.Context) (string, error)
	// CheckAuth runs `nlm login --check` for the configured profile.
	CheckAuth(ctx context.Context) error
	// RefreshAuth re-imports credentials from the browser provider.
	RefreshAuth(ctx context.Context) error
	// ListSources returns the sources attached to a notebook.
	ListSources(ctx context.Context, notebookID string) ([]Source, error)
	// CreateArtifact starts generation of one artifact. It is never retried.
	CreateArtifact(ctx context.Context, artifactType, notebookID string, sourceIDs []string) (*CreateResult, error)
	// StudioStatus lists the notebook's studio artifacts and their states.
	StudioStatus(ctx context.Context, notebookID string) ([]StudioArtifact, error)
}

// Source is one notebook source.
type Source struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// CreateResult is the response of a creation call that exited cleanly.
// ArtifactID is empty when the CLI reported success without an identifier.
type CreateResult struct {
	ArtifactID string
	Output     Result
}

// StudioArtifact is one row of `nlm studio status`.
type StudioArtifact struct {
	ID     string         `json:"id"`
	Type   string         `json:"type,omitempty"`
	Status string         `json:"status"`
	Raw    map[string]any `json:"-"`
}

// CommandError reports a CLI call that exited non-zero.
type CommandError struct {
	Args     []string
	ExitCode int
	Output   Result
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("nlm: %s exited %d: %s", strings.Join(e.Args, " "), e.ExitCode, Tail(e.Output.Detail(), ErrorDetailLimit))
}

// Config holds CLI settings.
type Config struct {
	Bin             string
	Profile         string
	CreateTimeout   time.Duration
	QueryTimeout    time.Duration
	VersionTimeout  time.Duration
	AuthTimeout     time.Duration
	RefreshProvider string
	CDPURL          string
	// AutoRefreshAuth lets read-only calls that fail on an expired session
	// refresh auth once and run again. Creation is never repeated.
	AutoRefreshAuth bool
	Retry           resilience.RetryConfig
}

// Option configures the client.
type Option func(*cliClient)

// WithRunner replaces the subprocess runner (for testing).
func WithRunner(r Runner) Option {
	return func(c *cliClient) {
		c.runner = r
	}
}

type cliClient struct {
	cfg    Config
	runner Runner
}

// NewClient creates a Client. Zero timeouts fall back to the CLI defaults.
func NewClient(cfg Config, opts ...Option) Client {
	if cfg.Bin == "" {
		cfg.Bin = "nlm"
	}
	if cfg.Profile == "" {
		cfg.Profile = "default"
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 300 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 120 * time.Second
	}
	if cfg.VersionTimeout <= 0 {
		cfg.VersionTimeout = 30 * time.Second
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 90 * time.Second
	}
	if cfg.RefreshProvider == "" {
		cfg.RefreshProvider = "openclaw"
	}
	if cfg.CDPURL == "" {
		cfg.CDPURL = "http://127.0.0.1:18800"
	}
	c := &cliClient{cfg: cfg, runner: ExecRunner{}}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *cliClient) Version(ctx context.Context) (string, error) {
	res, err := c.exec(ctx, c.cfg.VersionTimeout, "--version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (c *cliClient) CheckAuth(ctx context.Context) error {
	_, err := c.query(ctx, "login_check", c.cfg.AuthTimeout, "login", "--check", "--profile", c.cfg.Profile)
	return err
}

func (c *cliClient) RefreshAuth(ctx context.Context) error {
	zap.L().Info("nlm: refreshing auth from browser session",
		zap.String("profile", c.cfg.Profile),
		zap.String("provider", c.cfg.RefreshProvider),
	)
	// The provider handshake can take a while; give it double the auth window.
	_, err := c.exec(ctx, 2*c.cfg.AuthTimeout,
		"login", "--profile", c.cfg.Profile, "--provider", c.cfg.RefreshProvider, "--cdp-url", c.cfg.CDPURL)
	if err != nil {
		return eris.Wrap(err, "nlm: refresh auth")
	}
	return nil
}

func (c *cliClient) ListSources(ctx context.Context, notebookID string) ([]Source, error) {
	res, err := c.query(ctx, "source_list", c.cfg.QueryTimeout,
		"source", "list", notebookID, "--json", "--profile", c.cfg.Profile)
	if err != nil {
		return nil, err
	}
	v, _ := ParseJSON(res.Stdout)
	rows := Rows(v, "sources", "items", "results", "data")
	out := make([]Source, 0, len(rows))
	for _, r := range rows {
		id := sourceID(r)
		if id == "" {
			continue
		}
		title, _ := r["title"].(string)
		out = append(out, Source{ID: id, Title: title})
	}
	return out, nil
}

func (c *cliClient) CreateArtifact(ctx context.Context, artifactType, notebookID string, sourceIDs []string) (*CreateResult, error) {
	args := []string{artifactType, "create", notebookID, "--confirm", "--profile", c.cfg.Profile}
	if len(sourceIDs) > 0 {
		args = append(args, "--source-ids", strings.Join(sourceIDs, ","))
	}
	res, err := c.exec(ctx, c.cfg.CreateTimeout, args...)
	if err != nil {
		return nil, err
	}
	known := append([]string{notebookID}, sourceIDs...)
	return &CreateResult{ArtifactID: ExtractArtifactID(res.Combined(), known...), Output: res}, nil
}

func (c *cliClient) StudioStatus(ctx context.Context, notebookID string) ([]StudioArtifact, error) {
	res, err := c.query(ctx, "studio_status", c.cfg.QueryTimeout,
		"studio", "status", notebookID, "--full", "--json", "--profile", c.cfg.Profile)
	if err != nil {
		return nil, err
	}
	v, _ := ParseJSON(res.Stdout)
	rows := Rows(v, "artifacts", "items", "results", "data")
	out := make([]StudioArtifact, 0, len(rows))
	for _, r := range rows {
		typ, _ := r["type"].(string)
		out = append(out, StudioArtifact{ID: RowID(r), Type: typ, Status: RowStatus(r), Raw: r})
	}
	return out, nil
}

// query runs a read-only call with retries on transient output. An auth
// failure outside the login check triggers one refresh and one more run
// when AutoRefreshAuth is set.
func (c *cliClient) query(ctx context.Context, op string, timeout time.Duration, args ...string) (Result, error) {
	res, err := c.queryWithRetry(ctx, op, timeout, args...)
	if err == nil || !c.cfg.AutoRefreshAuth || op == "login_check" || ctx.Err() != nil {
		return res, err
	}
	var ce *CommandError
	if !errors.As(err, &ce) || !IsAuthError(ce.Output.Combined()) {
		return res, err
	}

	zap.L().Warn("nlm: session expired during read, refreshing auth", zap.String("op", op))
	if rerr := c.RefreshAuth(ctx); rerr != nil {
		zap.L().Warn("nlm: auth refresh failed", zap.String("op", op), zap.Error(rerr))
		return res, err
	}
	return c.queryWithRetry(ctx, op, timeout, args...)
}

func (c *cliClient) queryWithRetry(ctx context.Context, op string, timeout time.Duration, args ...string) (Result, error) {
	rc := c.cfg.Retry
	if rc.OnRetry == nil {
		rc.OnRetry = resilience.RetryLogger(op)
	}
	return resilience.Retry(ctx, rc, func(ctx context.Context) (Result, error) {
		res, err := c.exec(ctx, timeout, args...)
		if err != nil {
			var ce *CommandError
			if errors.As(err, &ce) && resilience.IsTransientOutput(res.Combined()) {
				return res, resilience.NewTransientError(err, res.Combined())
			}
		}
		return res, err
	})
}

// exec runs one CLI call under its own timeout and turns a non-zero exit
// into a CommandError.
func (c *cliClient) exec(ctx context.Context, timeout time.Duration, args ...string) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := c.runner.Run(callCtx, c.cfg.Bin, args...)
	zap.L().Debug("nlm: call finished",
		zap.Strings("args", args),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("elapsed", time.Since(start)),
	)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return res, eris.Wrapf(ErrNotInstalled, "%s", c.cfg.Bin)
		}
		if callCtx.Err() != nil && ctx.Err() == nil {
			return res, eris.Wrapf(err, "nlm: %s timed out after %s", args[0], timeout)
		}
		return res, eris.Wrapf(err, "nlm: run %s", args[0])
	}
	if res.ExitCode != 0 {
		return res, &CommandError{Args: args, ExitCode: res.ExitCode, Output: res}
	}
	return res, nil
}

func sourceID(row map[string]any) string {
	switch v := row["id"].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}
