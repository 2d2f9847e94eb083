package budget

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/artifact-guard/internal/model"
)

// ParsePerType parses "infographic:10,slides:10" into a limit map. Entries
// without a colon or with a non-integer count are skipped and logged.
// normalize maps raw keys onto canonical artifact types; nil keeps them
// lower-cased as written.
func ParsePerType(raw string, normalize func(string) model.ArtifactType) map[model.ArtifactType]int {
	out := make(map[model.ArtifactType]int)
	if normalize == nil {
		normalize = func(s string) model.ArtifactType {
			return model.ArtifactType(strings.ToLower(strings.TrimSpace(s)))
		}
	}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, ":")
		if !ok {
			zap.L().Warn("budget: ignoring per-type limit without count", zap.String("entry", part))
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			zap.L().Warn("budget: ignoring malformed per-type limit", zap.String("entry", part), zap.Error(err))
			continue
		}
		key := normalize(k)
		if key == "" {
			continue
		}
		out[key] = n
	}
	return out
}
