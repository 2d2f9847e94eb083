package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/artifact-guard/internal/guard"
	"github.com/sells-group/artifact-guard/internal/model"
	"github.com/sells-group/artifact-guard/internal/monitoring"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect the generation event history",
	Long:  "Lists and summarizes events. Reads the event index when store.driver is configured, otherwise the JSONL event log.",
}

// -- events list --

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		filter, err := eventFilterFromFlags(cmd, time.Now())
		if err != nil {
			return err
		}
		recs, err := env.eventSource().ListEvents(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "events list")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			if recs == nil {
				recs = []model.EventRecord{}
			}
			return writeJSON(os.Stdout, recs)
		}
		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No events found.")
			return nil
		}
		formatEventsList(os.Stdout, recs)
		return nil
	},
}

// -- events stats --

var eventsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count events by kind",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		runID, _ := cmd.Flags().GetString("run-id")
		var counts map[model.EventKind]int
		if env.Index != nil {
			counts, err = env.Index.CountByKind(ctx, runID)
		} else {
			counts, err = countEvents(ctx, env.Events, runID)
		}
		if err != nil {
			return eris.Wrap(err, "events stats")
		}
		formatEventCounts(os.Stdout, counts)
		return nil
	},
}

// -- events prune --

var eventsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop old events from the index (the JSONL log is kept)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()
		if env.Index == nil {
			return eris.New("events prune: no event index configured (set store.driver)")
		}

		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			return eris.New("events prune: --older-than must be positive")
		}
		n, err := env.Index.PurgeBefore(ctx, time.Now().Add(-olderThan))
		if err != nil {
			return eris.Wrap(err, "events prune")
		}
		fmt.Fprintf(os.Stdout, "Pruned %d indexed event(s).\n", n)
		return nil
	},
}

func init() {
	f := eventsListCmd.Flags()
	f.String("type", "", "filter by artifact type")
	f.String("kind", "", "filter by event kind (preflight, completed, skipped_budget, ...)")
	f.String("run-id", "", "filter by run id")
	f.Duration("since", 0, "only events newer than this (e.g. 24h)")
	f.Int("limit", 50, "max number of events to display")
	f.Bool("json", false, "print raw JSON records")

	eventsStatsCmd.Flags().String("run-id", "", "limit counts to one run")
	eventsPruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "drop indexed events older than this")

	eventsCmd.AddCommand(eventsListCmd)
	eventsCmd.AddCommand(eventsStatsCmd)
	eventsCmd.AddCommand(eventsPruneCmd)
	rootCmd.AddCommand(eventsCmd)
}

func eventFilterFromFlags(cmd *cobra.Command, now time.Time) (model.EventFilter, error) {
	typ, _ := cmd.Flags().GetString("type")
	kind, _ := cmd.Flags().GetString("kind")
	runID, _ := cmd.Flags().GetString("run-id")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")

	filter := model.EventFilter{
		Kind:  model.EventKind(kind),
		RunID: runID,
		Limit: limit,
	}
	if typ != "" {
		filter.ArtifactType = guard.NormalizeType(typ)
	}
	if kind != "" && kind != string(model.EventPreflight) && !model.Outcome(kind).Valid() {
		return filter, eris.Errorf("events: unknown kind %q", kind)
	}
	if since > 0 {
		filter.Since = now.Add(-since)
	}
	return filter, nil
}

// countEvents tallies the JSONL log when no index is configured.
func countEvents(ctx context.Context, src monitoring.EventLister, runID string) (map[model.EventKind]int, error) {
	recs, err := src.ListEvents(ctx, model.EventFilter{RunID: runID})
	if err != nil {
		return nil, err
	}
	out := make(map[model.EventKind]int)
	for _, r := range recs {
		out[r.Kind]++
	}
	return out, nil
}

// formatEventsList writes a tabular list of events to out.
func formatEventsList(out io.Writer, recs []model.EventRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tRUN\tPOS\tTYPE\tEVENT\tARTIFACT\tREASON")
	for _, r := range recs {
		runID := r.RunID
		if len(runID) > 8 {
			runID = runID[:8]
		}
		reason := r.Reason
		if r.Kind == model.EventPreflight && r.Preflight != nil {
			reason = r.Preflight.Reason
			if r.Preflight.OK {
				reason = fmt.Sprintf("ok sources=%d", r.Preflight.ResolvedSourceCount)
			}
		}
		if len(reason) > 60 {
			reason = reason[:57] + "..."
		}
		pos := "-"
		if r.Position > 0 {
			pos = fmt.Sprintf("%d", r.Position)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Local().Format("2006-01-02 15:04:05"),
			runID, pos, orDash(string(r.ArtifactType)), r.Kind, orDash(r.ArtifactID), orDash(reason),
		)
	}
	_ = w.Flush()
}

// formatEventCounts writes counts sorted by kind.
func formatEventCounts(out io.Writer, counts map[model.EventKind]int) {
	kinds := make([]string, 0, len(counts))
	total := 0
	for k, n := range counts {
		kinds = append(kinds, string(k))
		total += n
	}
	sort.Strings(kinds)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "EVENT\tCOUNT")
	for _, k := range kinds {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", k, counts[model.EventKind(k)])
	}
	_, _ = fmt.Fprintf(w, "total\t%d\n", total)
	_ = w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
