package agent

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/pmbot/pkg/models"
)

// DeliverableGuidance is appended to every module prompt.
const DeliverableGuidance = `## Deliverable

Produce the complete implementation for this module only.
Assume the listed dependencies already exist and expose the interfaces
their descriptions promise. Do not re-implement them.
`

// BuildPrompt renders the task prompt for an agent working on module m.
// deps are the module's completed dependencies.
func BuildPrompt(a *models.Agent, m *models.Module, deps []*models.Module) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Module: %s\n\n", m.ID)
	fmt.Fprintf(&sb, "Type: %s\nRole: %s\nComplexity: %d/10\n", m.Type, a.Role, m.Complexity)
	if m.EffortHint > 0 {
		fmt.Fprintf(&sb, "Estimated effort: %.1fh\n", m.EffortHint)
	}
	sb.WriteString("\n")

	if m.Description != "" {
		sb.WriteString("## Description\n\n")
		sb.WriteString(m.Description)
		sb.WriteString("\n\n")
	}

	if len(a.Expertise) > 0 {
		sb.WriteString("## Expertise\n\n")
		for _, e := range a.Expertise {
			fmt.Fprintf(&sb, "- %s\n", e)
		}
		sb.WriteString("\n")
	}

	if len(deps) > 0 {
		sb.WriteString("## Dependencies\n\n")
		for _, d := range deps {
			if d.Description != "" {
				fmt.Fprintf(&sb, "- %s (%s): %s\n", d.ID, d.Type, d.Description)
			} else {
				fmt.Fprintf(&sb, "- %s (%s)\n", d.ID, d.Type)
			}
		}
		sb.WriteString("\n")
	}

	sb.WriteString(DeliverableGuidance)
	return sb.String()
}
