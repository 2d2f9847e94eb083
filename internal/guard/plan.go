package guard

import (
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/artifact-guard/internal/model"
)

// ErrInvalidPlan is returned for empty plans or plans that repeat a type.
var ErrInvalidPlan = eris.New("guard: invalid plan")

// DefaultPlan is the fallback chain used when none is configured.
const DefaultPlan = "infographic,slides,report,audio"

var typeAliases = map[string]model.ArtifactType{
	"data_table": model.ArtifactDataTable,
	"datatable":  model.ArtifactDataTable,
	"slide_deck": model.ArtifactSlides,
	"mind_map":   model.ArtifactMindmap,
}

// NormalizeType lower-cases and trims a type name and resolves aliases.
func NormalizeType(raw string) model.ArtifactType {
	s := strings.ToLower(strings.TrimSpace(raw))
	if t, ok := typeAliases[s]; ok {
		return t
	}
	return model.ArtifactType(s)
}

// ParsePlan parses a comma-separated fallback chain.
func ParsePlan(raw string) ([]model.ArtifactType, error) {
	var items []string
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) != "" {
			items = append(items, part)
		}
	}
	return BuildPlan(items)
}

// BuildPlan normalizes entries and rejects empty or repeating plans.
func BuildPlan(items []string) ([]model.ArtifactType, error) {
	plan := make([]model.ArtifactType, 0, len(items))
	seen := make(map[model.ArtifactType]bool, len(items))
	for _, item := range items {
		t := NormalizeType(item)
		if t == "" {
			continue
		}
		if seen[t] {
			return nil, eris.Wrapf(ErrInvalidPlan, "artifact type %q appears more than once", t)
		}
		seen[t] = true
		plan = append(plan, t)
	}
	if len(plan) == 0 {
		return nil, eris.Wrap(ErrInvalidPlan, "plan is empty")
	}
	return plan, nil
}

// PlanProfile is a named plan in the profiles file.
type PlanProfile struct {
	Artifacts []string `yaml:"artifacts"`
	Target    *int     `yaml:"target,omitempty"`
}

// Profiles maps profile names to plans.
type Profiles map[string]PlanProfile

// LoadProfiles reads named plans from a YAML file of the form
//
//	profiles:
//	  quick:
//	    artifacts: [infographic, slides]
//	    target: 1
func LoadProfiles(path string) (Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "guard: read plan profiles %s", path)
	}
	var wrapper struct {
		Profiles Profiles `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "guard: parse plan profiles")
	}
	if wrapper.Profiles == nil {
		return Profiles{}, nil
	}
	return wrapper.Profiles, nil
}

// Resolve returns the plan and target for name. target is -1 when the
// profile does not set one.
func (p Profiles) Resolve(name string) (plan []model.ArtifactType, target int, err error) {
	prof, ok := p[name]
	if !ok {
		return nil, 0, eris.Wrapf(ErrInvalidPlan, "unknown plan profile %q (have %s)", name, strings.Join(p.Names(), ", "))
	}
	plan, err = BuildPlan(prof.Artifacts)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "plan profile %q", name)
	}
	target = -1
	if prof.Target != nil {
		target = *prof.Target
	}
	return plan, target, nil
}

// Names returns the profile names in sorted order.
func (p Profiles) Names() []string {
	names := make([]string, 0, len(p))
	for n := range p {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
