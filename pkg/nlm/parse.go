package nlm

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Normalized artifact states.
const (
	StatusUnknown    = "unknown"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrorDetailLimit bounds the CLI output kept as a failure reason.
const ErrorDetailLimit = 800

var (
	numericStatus = map[int]string{1: StatusInProgress, 3: StatusCompleted, 4: StatusFailed}

	statusAliases = map[string]string{
		"complete":    StatusCompleted,
		"success":     StatusCompleted,
		"succeeded":   StatusCompleted,
		"in progress": StatusInProgress,
		"running":     StatusInProgress,
	}

	successStates = map[string]bool{"completed": true, "done": true, "ready": true, "succeeded": true}
	failStates    = map[string]bool{"failed": true, "error": true}

	authMarkers = []string{
		"no authentication found",
		"please run: nlm login",
		"authentication expired",
		"profile not found",
		"login required",
	}

	artifactIDLine = regexp.MustCompile(`(?i)Artifact ID:\s*([0-9a-f-]{36})`)
	bareUUID       = regexp.MustCompile(`\b([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})\b`)
)

// ParseJSON decodes CLI output that may carry log lines around the JSON
// payload. The whole text is tried first, then each JSON-looking line from
// the bottom up. ok is false when nothing parses.
func ParseJSON(raw string) (v any, ok bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, false
	}
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v, true
	}

	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		ln := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(ln, "{") && !strings.HasPrefix(ln, "[") {
			continue
		}
		var lv any
		if err := json.Unmarshal([]byte(ln), &lv); err == nil {
			return lv, true
		}
	}
	return nil, false
}

// Rows extracts a list of objects from a decoded payload: the payload
// itself when it is a list, the first listed key holding a list, or every
// list nested one level down.
func Rows(v any, keys ...string) []map[string]any {
	switch t := v.(type) {
	case []any:
		return objects(t)
	case map[string]any:
		for _, k := range keys {
			if list, ok := t[k].([]any); ok {
				return objects(list)
			}
		}
		var rows []map[string]any
		for _, val := range t {
			if list, ok := val.([]any); ok {
				rows = append(rows, objects(list)...)
			}
		}
		return rows
	}
	return nil
}

func objects(list []any) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// ExtractArtifactID finds the identifier of a freshly created artifact in
// CLI output. It returns "" when none is present. Identifiers in known (the
// notebook and source ids echoed by the CLI) are never taken from bare UUID
// matches.
func ExtractArtifactID(raw string, known ...string) string {
	if v, ok := ParseJSON(raw); ok {
		switch t := v.(type) {
		case map[string]any:
			if id := firstString(t, "artifact_id", "id"); id != "" {
				return id
			}
			for _, k := range []string{"artifact", "result", "data"} {
				if nested, ok := t[k].(map[string]any); ok {
					if id := firstString(nested, "artifact_id", "id"); id != "" {
						return id
					}
				}
			}
		case []any:
			for _, row := range objects(t) {
				if id := firstString(row, "artifact_id", "id"); id != "" {
					return id
				}
			}
		}
	}

	if m := artifactIDLine.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	for _, m := range bareUUID.FindAllStringSubmatch(raw, -1) {
		if !containsFold(known, m[1]) {
			return m[1]
		}
	}
	return ""
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), s) {
			return true
		}
	}
	return false
}

// RowID returns the identifier of a studio or source row.
func RowID(row map[string]any) string {
	return firstString(row, "id", "artifact_id")
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

// NormalizeStatus maps the many spellings the backend uses onto a small
// vocabulary. Numeric codes arrive as float64 from encoding/json.
func NormalizeStatus(raw any) string {
	switch t := raw.(type) {
	case nil:
		return StatusUnknown
	case float64:
		if t == float64(int(t)) {
			return statusCode(int(t))
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return statusCode(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return statusCode(int(n))
		}
		return t.String()
	case string:
		text := strings.ToLower(strings.TrimSpace(t))
		if alias, ok := statusAliases[text]; ok {
			return alias
		}
		return text
	}
	return StatusUnknown
}

func statusCode(n int) string {
	if s, ok := numericStatus[n]; ok {
		return s
	}
	return strconv.Itoa(n)
}

// RowStatus returns the normalized status of a studio row, reading "status"
// and falling back to "state".
func RowStatus(row map[string]any) string {
	raw, ok := row["status"]
	if !ok || raw == nil {
		raw = row["state"]
	}
	return NormalizeStatus(raw)
}

// IsSuccessStatus reports whether a normalized status means the artifact is ready.
func IsSuccessStatus(s string) bool { return successStates[s] }

// IsFailStatus reports whether a normalized status means generation failed.
func IsFailStatus(s string) bool { return failStates[s] }

// IsAuthError reports whether CLI output asks for a (re)login.
func IsAuthError(output string) bool {
	msg := strings.ToLower(output)
	for _, k := range authMarkers {
		if strings.Contains(msg, k) {
			return true
		}
	}
	return false
}

// Tail returns the last n bytes of s, trimmed.
func Tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
