package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"

	"github.com/ShayCichocki/pmbot/internal/state"
	"github.com/ShayCichocki/pmbot/pkg/models"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// statusColor picks the color for a module or project status word.
func statusColor(status string) *color.Color {
	switch status {
	case string(models.ModuleStatusCompleted):
		return color.New(color.FgGreen)
	case string(models.ModuleStatusFailed):
		return color.New(color.FgRed)
	case string(models.ModuleStatusBlocked):
		return color.New(color.FgMagenta)
	case string(models.ModuleStatusCancelled):
		return color.New(color.FgYellow)
	case string(models.ModuleStatusInProgress), string(models.ProjectStatusRunning):
		return color.New(color.FgCyan)
	case string(models.ModuleStatusReady):
		return color.New(color.FgBlue)
	default:
		return color.New(color.Faint)
	}
}

func colorStatus(status string) string {
	return statusColor(status).Sprint(status)
}

// progressBar renders p in [0, 1] as a bar of width cells.
func progressBar(p float64, width int) string {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	filled := int(p*float64(width) + 0.5)
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// formatDuration formats a duration in human-readable form.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}

func cell(width int, s string) string {
	return lipgloss.NewStyle().Width(width).MaxWidth(width).Render(s)
}

// renderProject writes the project header box, module table, and failures.
func renderProject(w io.Writer, p *models.Project, now time.Time) {
	var header strings.Builder
	header.WriteString(titleStyle.Render(p.Name))
	fmt.Fprintf(&header, "  %s\n", labelStyle.Render(p.ID))
	fmt.Fprintf(&header, "%s %s\n", labelStyle.Render("status  "), colorStatus(string(p.Status)))
	fmt.Fprintf(&header, "%s %s %3.0f%%", labelStyle.Render("progress"), progressBar(p.Progress, 30), p.Progress*100)
	if p.StartedAt != nil {
		end := now
		if p.CompletedAt != nil {
			end = *p.CompletedAt
		}
		fmt.Fprintf(&header, "\n%s %s", labelStyle.Render("elapsed "), formatDuration(end.Sub(*p.StartedAt)))
	}
	if p.EstimatedCompletion != nil && !p.Status.Terminal() {
		fmt.Fprintf(&header, "\n%s %s", labelStyle.Render("eta     "), p.EstimatedCompletion.Local().Format("2006-01-02 15:04"))
	}
	fmt.Fprintln(w, boxStyle.Render(header.String()))

	fmt.Fprintln(w, headerStyle.Render(
		cell(24, "MODULE")+cell(12, "TYPE")+cell(13, "STATUS")+cell(9, "ATTEMPTS")+"AGENTS"))
	for _, m := range p.ModuleList() {
		var roles []string
		for _, a := range p.Agents[m.ID] {
			roles = append(roles, fmt.Sprintf("%s:%s", a.Role, a.Status))
		}
		fmt.Fprintln(w,
			cell(24, m.ID)+
				cell(12, m.Type)+
				cell(13, colorStatus(string(m.Status)))+
				cell(9, fmt.Sprintf("%d", m.Attempts))+
				strings.Join(roles, " "))
	}

	if len(p.Failures) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, color.RedString("Failures:"))
		for _, f := range p.Failures {
			line := fmt.Sprintf("  %s  %s", f.ModuleID, f.Kind)
			if f.BlockedBy != "" {
				line += fmt.Sprintf(" (blocked by %s)", f.BlockedBy)
			} else if f.Message != "" {
				line += ": " + f.Message
			}
			fmt.Fprintln(w, line)
		}
	}
}

// renderSummaries writes one line per stored project.
func renderSummaries(w io.Writer, list []state.ProjectSummary) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No projects.")
		return
	}
	fmt.Fprintln(w, headerStyle.Render(
		cell(38, "ID")+cell(20, "NAME")+cell(11, "STATUS")+cell(18, "PROGRESS")+cell(8, "MODULES")+"UPDATED"))
	for _, s := range list {
		fmt.Fprintln(w,
			cell(38, s.ID)+
				cell(20, s.Name)+
				cell(11, colorStatus(string(s.Status)))+
				cell(18, fmt.Sprintf("%s %3.0f%%", progressBar(s.Progress, 10), s.Progress*100))+
				cell(8, fmt.Sprintf("%d", s.ModuleCount))+
				s.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
