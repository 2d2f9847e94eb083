package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/artifact-guard/internal/config"
	"github.com/sells-group/artifact-guard/internal/guard"
	"github.com/sells-group/artifact-guard/internal/model"
	"github.com/sells-group/artifact-guard/internal/monitoring"
	"github.com/sells-group/artifact-guard/pkg/nlm"
)

// generateOpts are the per-invocation flags. Negative numbers and empty
// strings mean "use the configured value".
type generateOpts struct {
	notebookID    string
	sourceIDs     string
	plan          string
	planProfile   string
	profile       string
	target        int
	maxPolls      int
	pollSeconds   int
	dryRun        bool
	noAutoRefresh bool
}

func defaultGenerateOpts() generateOpts {
	return generateOpts{target: -1, maxPolls: -1, pollSeconds: -1}
}

var (
	genOpts       = defaultGenerateOpts()
	preflightOpts = defaultGenerateOpts()
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run the fallback plan for a notebook",
	Long:  "Walks the artifact plan in order until the success target is met, skipping types whose breaker is open or whose budget is spent. Prints a JSON run summary to stdout.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runGenerate(ctx, cfg, genOpts, nil, os.Stdout)
	},
}

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Check CLI availability, auth, and sources without generating",
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts := preflightOpts
		opts.dryRun = true
		return runGenerate(cmd.Context(), cfg, opts, nil, os.Stdout)
	},
}

func init() {
	for _, c := range []struct {
		cmd  *cobra.Command
		opts *generateOpts
	}{{generateCmd, &genOpts}, {preflightCmd, &preflightOpts}} {
		f := c.cmd.Flags()
		f.StringVar(&c.opts.notebookID, "notebook-id", "", "NotebookLM notebook id (required)")
		f.StringVar(&c.opts.sourceIDs, "source-ids", "", "comma-separated source ids (default: all notebook sources)")
		f.StringVar(&c.opts.profile, "profile", "", "nlm auth profile (default from config)")
		f.BoolVar(&c.opts.noAutoRefresh, "no-auto-refresh-auth", false, "do not attempt an auth refresh when the login check fails")
		_ = c.cmd.MarkFlagRequired("notebook-id")
	}

	f := generateCmd.Flags()
	f.StringVar(&genOpts.plan, "plan", "", "comma-separated artifact plan (default from config)")
	f.StringVar(&genOpts.planProfile, "plan-profile", "", "named plan from plan.profiles_file")
	f.IntVar(&genOpts.target, "target", -1, "successes required; 0 attempts the whole plan (default from config)")
	f.IntVar(&genOpts.maxPolls, "max-polls", -1, "completion polls per artifact; 0 disables polling (default from config)")
	f.IntVar(&genOpts.pollSeconds, "poll-seconds", -1, "seconds between completion polls (default from config)")
	f.BoolVar(&genOpts.dryRun, "dry-run", false, "run preflight only and mutate nothing")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(preflightCmd)
}

// dryRunReport is the reduced output of a preflight-only invocation.
type dryRunReport struct {
	Status            model.RunStatus        `json:"status"`
	CheckedAt         time.Time              `json:"checked_at"`
	NotebookID        string                 `json:"notebook_id"`
	Plan              []model.ArtifactType   `json:"plan"`
	Preflight         *model.PreflightReport `json:"preflight"`
	ResolvedSourceIDs []string               `json:"resolved_source_ids"`
	DailyBudget       *model.DailyBudget     `json:"daily_budget,omitempty"`
	Breakers          model.BreakerMap       `json:"breakers,omitempty"`
	Error             string                 `json:"error,omitempty"`
}

// runGenerate executes one invocation and writes its summary to out. The
// summary is written even when an error is returned. client may be nil, in
// which case the subprocess client is built from config.
func runGenerate(ctx context.Context, c *config.Config, opts generateOpts, client nlm.Client, out io.Writer) error {
	req, gcfg, ncfg, err := buildRequest(c, opts)
	if err != nil {
		return err
	}
	if client == nil {
		client = nlm.NewClient(ncfg)
	}

	env, err := initEnv(ctx, c)
	if err != nil {
		return err
	}
	defer env.Close()

	orch := guard.NewOrchestrator(gcfg, client, env.State, env.Events)
	sum, runErr := orch.Run(ctx, req)
	if sum == nil {
		return runErr
	}

	if req.DryRun {
		if err := writeJSON(out, dryRunReport{
			Status:            sum.Status,
			CheckedAt:         sum.CheckedAt,
			NotebookID:        sum.NotebookID,
			Plan:              sum.Plan,
			Preflight:         sum.Preflight,
			ResolvedSourceIDs: sum.ResolvedSourceIDs,
			DailyBudget:       sum.DailyBudget,
			Breakers:          sum.Breakers,
			Error:             sum.Error,
		}); err != nil {
			return eris.Wrap(err, "generate: write report")
		}
		return runErr
	}

	if err := writeJSON(out, sum); err != nil {
		return eris.Wrap(err, "generate: write summary")
	}

	sendRunAlerts(ctx, c.Monitoring, sum)
	return runErr
}

// sendRunAlerts delivers alerts for a finished run. Delivery failures are
// logged by the alerter and never change the exit status.
func sendRunAlerts(ctx context.Context, mc config.MonitoringConfig, sum *model.RunSummary) {
	alerter := monitoring.NewAlerter(mc)
	alerts := alerter.Evaluate(sum)
	if len(alerts) == 0 || mc.WebhookURL == "" {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	sent := alerter.SendAlerts(actx, alerts)
	zap.L().Debug("run alerts delivered", zap.String("run_id", sum.RunID), zap.Int("sent", sent))
}

// buildRequest merges flags over config and resolves the plan.
func buildRequest(c *config.Config, opts generateOpts) (guard.RunRequest, guard.Config, nlm.Config, error) {
	gcfg := c.GuardConfig()
	ncfg := c.NLMClientConfig()

	if opts.profile != "" {
		ncfg.Profile = opts.profile
	}
	if opts.noAutoRefresh {
		ncfg.AutoRefreshAuth = false
	}
	if opts.maxPolls >= 0 {
		gcfg.Poll.MaxPolls = opts.maxPolls
	}
	if opts.pollSeconds >= 0 {
		gcfg.Poll.Interval = time.Duration(opts.pollSeconds) * time.Second
	}

	plan, target, err := resolvePlan(c, opts)
	if err != nil {
		return guard.RunRequest{}, gcfg, ncfg, err
	}

	req := guard.RunRequest{
		NotebookID:      strings.TrimSpace(opts.notebookID),
		Profile:         ncfg.Profile,
		SourceIDs:       splitList(opts.sourceIDs),
		Plan:            plan,
		Target:          target,
		DryRun:          opts.dryRun,
		AutoRefreshAuth: ncfg.AutoRefreshAuth,
	}
	return req, gcfg, ncfg, nil
}

// resolvePlan picks the plan from --plan, then a named profile, then config.
// The target follows --target, then the profile's target, then config.
func resolvePlan(c *config.Config, opts generateOpts) ([]model.ArtifactType, int, error) {
	target := c.Plan.Target
	profileName := opts.planProfile
	if profileName == "" {
		profileName = c.Plan.Profile
	}

	var (
		plan []model.ArtifactType
		err  error
	)
	switch {
	case opts.plan != "":
		plan, err = guard.ParsePlan(opts.plan)
	case profileName != "":
		if c.Plan.ProfilesFile == "" {
			return nil, 0, eris.Errorf("generate: plan profile %q requested but plan.profiles_file is not set", profileName)
		}
		var profiles guard.Profiles
		profiles, err = guard.LoadProfiles(c.Plan.ProfilesFile)
		if err != nil {
			return nil, 0, err
		}
		var profTarget int
		plan, profTarget, err = profiles.Resolve(profileName)
		if profTarget >= 0 {
			target = profTarget
		}
	default:
		plan, err = guard.ParsePlan(c.Plan.Artifacts)
	}
	if err != nil {
		return nil, 0, err
	}

	if opts.target >= 0 {
		target = opts.target
	}
	return plan, target, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
