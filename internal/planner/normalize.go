package planner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ShayCichocki/pmbot/pkg/models"
)

// Complexity bounds. An unset complexity gets DefaultComplexity.
const (
	MinComplexity     = 1
	MaxComplexity     = 10
	DefaultComplexity = 5
)

// identifierPattern matches dependency entries that name a module. Anything
// else (prose such as "Database setup") is free text and not an edge.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]*$`)

// Normalize converts a plan into modules. Free-text dependencies are dropped
// and out-of-range complexities clamped; each adjustment is logged and
// returned as a warning. Dangling identifier dependencies are kept so the
// graph rejects them.
func Normalize(p *Plan, log *logrus.Entry) ([]*models.Module, []string, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	var warnings []string
	warn := func(module, msg string) {
		warnings = append(warnings, fmt.Sprintf("%s: %s", module, msg))
		log.WithField("module", module).Warn(msg)
	}

	modules := make([]*models.Module, 0, len(p.Modules))
	for i, spec := range p.Modules {
		id := strings.TrimSpace(spec.Name)
		if id == "" {
			return nil, warnings, fmt.Errorf("module %d has no name", i)
		}
		if !identifierPattern.MatchString(id) {
			return nil, warnings, fmt.Errorf("module name %q is not an identifier", spec.Name)
		}
		if strings.TrimSpace(spec.Type) == "" {
			return nil, warnings, fmt.Errorf("module %s has no type", id)
		}

		var deps []string
		seen := make(map[string]bool)
		for _, d := range spec.Dependencies {
			d = strings.TrimSpace(d)
			switch {
			case d == "":
			case !identifierPattern.MatchString(d):
				warn(id, fmt.Sprintf("dropping free-text dependency %q", d))
			case seen[d]:
			default:
				seen[d] = true
				deps = append(deps, d)
			}
		}

		complexity := spec.Complexity
		switch {
		case complexity == 0:
			complexity = DefaultComplexity
		case complexity < MinComplexity:
			warn(id, fmt.Sprintf("complexity %d clamped to %d", complexity, MinComplexity))
			complexity = MinComplexity
		case complexity > MaxComplexity:
			warn(id, fmt.Sprintf("complexity %d clamped to %d", complexity, MaxComplexity))
			complexity = MaxComplexity
		}

		effort := spec.EstimatedHours
		if effort < 0 {
			warn(id, fmt.Sprintf("negative estimated_hours %v ignored", effort))
			effort = 0
		}

		var roles []string
		for _, r := range spec.AgentsNeeded {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, strings.ToLower(r))
			}
		}

		modules = append(modules, &models.Module{
			ID:           id,
			Type:         strings.ToLower(strings.TrimSpace(spec.Type)),
			Description:  describe(spec),
			DependsOn:    deps,
			AgentsNeeded: roles,
			Complexity:   complexity,
			EffortHint:   effort,
			Status:       models.ModuleStatusPending,
		})
	}
	return modules, warnings, nil
}

// describe folds the planner's context lists into the module description.
func describe(spec ModuleSpec) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(spec.Description))
	section := func(label string, items []string) {
		if len(items) == 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %s", label, strings.Join(items, ", "))
	}
	section("Tech stack", spec.TechStack)
	section("APIs", spec.APIsNeeded)
	section("Data entities", spec.DatabaseEntities)
	return b.String()
}
