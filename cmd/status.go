package main

import (
	"context"
	"io"
	"os"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/artifact-guard/internal/budget"
	"github.com/sells-group/artifact-guard/internal/config"
	"github.com/sells-group/artifact-guard/internal/guard"
	"github.com/sells-group/artifact-guard/internal/model"
	"github.com/sells-group/artifact-guard/internal/resilience"
	"github.com/sells-group/artifact-guard/internal/state"
)

// breakerView is one breaker with its derived state.
type breakerView struct {
	State               resilience.CircuitState `json:"state"`
	ConsecutiveFailures int                     `json:"consecutive_failures"`
	OpenUntil           *time.Time              `json:"open_until,omitempty"`
	OpenForSeconds      int                     `json:"open_for_seconds,omitempty"`
	LastFailureAt       *time.Time              `json:"last_failure_at,omitempty"`
	LastSuccessAt       *time.Time              `json:"last_success_at,omitempty"`
}

// statusView is the read-only rendering of the persisted state.
type statusView struct {
	StateFile   string                             `json:"state_file"`
	CheckedAt   time.Time                          `json:"checked_at"`
	DailyBudget model.DailyBudget                  `json:"daily_budget"`
	Limits      budget.Limits                      `json:"limits"`
	Remaining   int                                `json:"remaining"`
	Breakers    map[model.ArtifactType]breakerView `json:"breakers"`
	LastRun     *model.LastRun                     `json:"last_run,omitempty"`
}

// buildStatus derives the view at now without touching the snapshot. The
// budget shown is what a run starting now would see.
func buildStatus(path string, snap *state.Snapshot, c *config.Config, now time.Time) statusView {
	limits := c.Limits()
	ledger := budget.NewLedger(limits, snap.Daily).WithNow(func() time.Time { return now })
	breakers := resilience.NewBreakers(c.BreakerSettings(), snap.Breakers)

	view := statusView{
		StateFile:   path,
		CheckedAt:   now,
		DailyBudget: ledger.Snapshot(),
		Limits:      limits,
		Remaining:   ledger.Remaining(),
		Breakers:    make(map[model.ArtifactType]breakerView, len(snap.Breakers)),
		LastRun:     snap.LastRun,
	}
	for t, cs := range breakers.States(now) {
		st := breakers.Get(t)
		view.Breakers[t] = breakerView{
			State:               cs,
			ConsecutiveFailures: st.ConsecutiveFailures,
			OpenUntil:           st.OpenUntil,
			OpenForSeconds:      int(breakers.OpenFor(t, now).Seconds()),
			LastFailureAt:       st.LastFailureAt,
			LastSuccessAt:       st.LastSuccessAt,
		}
	}
	return view
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show today's budget, breaker states, and the last run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStatus(cmd.Context(), cfg, time.Now(), os.Stdout)
	},
}

func runStatus(ctx context.Context, c *config.Config, now time.Time, out io.Writer) error {
	env, err := initEnv(ctx, c)
	if err != nil {
		return err
	}
	defer env.Close()

	snap, err := env.State.Load()
	if err != nil {
		return eris.Wrap(err, "status")
	}
	return writeJSON(out, buildStatus(env.State.Path(), snap, c, now))
}

// resetOpts selects what reset clears.
type resetOpts struct {
	breakers    []string
	allBreakers bool
	budget      bool
}

var resetFlags resetOpts

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear breakers and/or today's budget",
	Long:  "Clears the selected breakers and/or today's budget counters under the state lock and commits atomically. The event log is not modified.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runReset(cmd.Context(), cfg, resetFlags, time.Now(), os.Stdout)
	},
}

func init() {
	resetCmd.Flags().StringSliceVar(&resetFlags.breakers, "breaker", nil, "artifact type whose breaker to clear (repeatable)")
	resetCmd.Flags().BoolVar(&resetFlags.allBreakers, "all-breakers", false, "clear every breaker")
	resetCmd.Flags().BoolVar(&resetFlags.budget, "budget", false, "zero today's budget counters")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
}

func runReset(ctx context.Context, c *config.Config, opts resetOpts, now time.Time, out io.Writer) error {
	if !opts.allBreakers && !opts.budget && len(opts.breakers) == 0 {
		return eris.New("reset: nothing selected (use --breaker, --all-breakers or --budget)")
	}

	env, err := initEnv(ctx, c)
	if err != nil {
		return err
	}
	defer env.Close()

	release, err := env.State.Lock(ctx)
	if err != nil {
		return eris.Wrap(err, "reset")
	}
	defer release()

	snap, err := env.State.Load()
	if err != nil {
		return eris.Wrap(err, "reset")
	}

	breakers := resilience.NewBreakers(c.BreakerSettings(), snap.Breakers)
	var cleared []string
	if opts.allBreakers {
		breakers.ResetAll()
		for t := range snap.Breakers {
			cleared = append(cleared, string(t))
		}
	} else {
		for _, raw := range opts.breakers {
			t := guard.NormalizeType(raw)
			if t == "" {
				continue
			}
			breakers.Reset(t)
			cleared = append(cleared, string(t))
		}
	}
	sort.Strings(cleared)
	snap.Breakers = breakers.Snapshot()

	ledger := budget.NewLedger(c.Limits(), snap.Daily).WithNow(func() time.Time { return now })
	if opts.budget {
		ledger.Reset()
	}
	snap.Daily = ledger.Snapshot()

	if err := env.State.Commit(snap); err != nil {
		return eris.Wrap(err, "reset")
	}
	zap.L().Info("state reset",
		zap.Strings("breakers", cleared),
		zap.Bool("budget", opts.budget),
	)
	return writeJSON(out, buildStatus(env.State.Path(), snap, c, now))
}
