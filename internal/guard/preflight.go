package guard

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/artifact-guard/internal/model"
	"github.com/sells-group/artifact-guard/pkg/nlm"
)

// PreflightRequest describes what a run needs before any attempt.
type PreflightRequest struct {
	NotebookID      string
	SourceIDs       []string
	AutoRefreshAuth bool
}

// RunPreflight checks CLI availability, authentication, and that at least
// one source is resolvable. It never touches budget or breaker state. The
// resolved source IDs are returned alongside the report.
func RunPreflight(ctx context.Context, client nlm.Client, req PreflightRequest, now time.Time) (*model.PreflightReport, []string) {
	report := &model.PreflightReport{CheckedAt: now}
	fail := func(reason, detail string) (*model.PreflightReport, []string) {
		if ctx.Err() != nil {
			reason, detail = model.PreflightCancelled, ctx.Err().Error()
		}
		report.Reason = reason
		report.Detail = detail
		zap.L().Warn("guard: preflight failed", zap.String("reason", reason), zap.String("detail", detail))
		return report, nil
	}

	if _, err := client.Version(ctx); err != nil {
		return fail(model.PreflightNotAvailable, errorDetail(err))
	}

	if err := client.CheckAuth(ctx); err != nil {
		if !req.AutoRefreshAuth || !isAuthFailure(err) {
			return fail(model.PreflightAuthRequired, errorDetail(err))
		}
		if rerr := client.RefreshAuth(ctx); rerr != nil {
			return fail(model.PreflightAuthRequired, errorDetail(err))
		}
		if err := client.CheckAuth(ctx); err != nil {
			return fail(model.PreflightAuthRequired, errorDetail(err))
		}
		report.AuthRefreshed = true
	}

	ids := req.SourceIDs
	if len(ids) == 0 {
		sources, err := client.ListSources(ctx, req.NotebookID)
		if err != nil {
			return fail(model.PreflightSourceListFailed, errorDetail(err))
		}
		for _, s := range sources {
			ids = append(ids, s.ID)
		}
	}
	if len(ids) == 0 {
		return fail(model.PreflightNoSources, "Notebook has no sources.")
	}

	report.OK = true
	report.ResolvedSourceCount = len(ids)
	return report, ids
}

func isAuthFailure(err error) bool {
	var ce *nlm.CommandError
	if errors.As(err, &ce) {
		return nlm.IsAuthError(ce.Output.Combined())
	}
	return nlm.IsAuthError(err.Error())
}
