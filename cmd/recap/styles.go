package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/alekspetrov/recap/internal/durable"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7eb8da")) // steel blue
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e")) // mid gray
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#c9d1d9")) // light gray
	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7ec699")) // sage green
	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d4a054")) // amber
	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d48a8a")) // dusty rose
)

func statusStyle(s durable.Status) lipgloss.Style {
	switch s {
	case durable.StatusCompleted:
		return successStyle
	case durable.StatusSuspended, durable.StatusRunning:
		return warnStyle
	case durable.StatusFailed:
		return failStyle
	default:
		return dimStyle
	}
}

// renderInstances writes an aligned table of instances.
func renderInstances(w io.Writer, insts []*durable.Instance) {
	if len(insts) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No instances."))
		return
	}

	headers := []string{"ID", "ITEM", "STATUS", "ATTEMPTS", "UPDATED"}
	rows := make([][]string, 0, len(insts))
	for _, inst := range insts {
		rows = append(rows, []string{
			inst.ID,
			inst.ItemKey,
			string(inst.Status),
			fmt.Sprintf("%d", inst.Attempts),
			inst.UpdatedAt.Local().Format(time.DateTime),
		})
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if cw := lipgloss.Width(cell); cw > widths[i] {
				widths[i] = cw
			}
		}
	}

	cells := make([]string, len(headers))
	for i, h := range headers {
		cells[i] = headerStyle.Render(pad(h, widths[i]))
	}
	fmt.Fprintln(w, strings.Join(cells, "  "))

	for r, row := range rows {
		for i, cell := range row {
			style := labelStyle
			if i == 2 {
				style = statusStyle(insts[r].Status)
			}
			cells[i] = style.Render(pad(cell, widths[i]))
		}
		fmt.Fprintln(w, strings.Join(cells, "  "))
	}
}

// renderSnapshot writes an instance with its recorded steps.
func renderSnapshot(w io.Writer, snap *durable.Snapshot) {
	inst := snap.Instance
	field := func(label, value string) {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render(pad(label+":", 12)), value)
	}

	fmt.Fprintln(w, headerStyle.Render("Instance "+inst.ID))
	field("Workflow", inst.Workflow)
	field("Item", inst.ItemKey)
	field("Status", statusStyle(inst.Status).Render(string(inst.Status)))
	field("Attempts", fmt.Sprintf("%d", inst.Attempts))
	field("Created", inst.CreatedAt.Local().Format(time.DateTime))
	field("Updated", inst.UpdatedAt.Local().Format(time.DateTime))
	if inst.CompletedAt != nil {
		field("Finished", inst.CompletedAt.Local().Format(time.DateTime))
	}
	if inst.Error != "" {
		field("Error", failStyle.Render(inst.Error))
	}
	if len(inst.Output) > 0 {
		field("Output", string(inst.Output))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, headerStyle.Render("Steps"))
	if len(snap.Checkpoints) == 0 {
		fmt.Fprintln(w, dimStyle.Render("  none recorded"))
	}
	for _, cp := range snap.Checkpoints {
		fmt.Fprintf(w, "  %s %s %s\n",
			dimStyle.Render(fmt.Sprintf("%3d", cp.Seq)),
			successStyle.Render("✓"),
			cp.StepName)
	}

	if len(snap.Callbacks) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, headerStyle.Render("Callbacks"))
	for _, cb := range snap.Callbacks {
		fmt.Fprintf(w, "  %s %s %s\n", cb.ID, labelStyle.Render(cb.Name), callbackState(cb))
	}
}

// callbackState describes a callback's deadline or how it was resolved.
func callbackState(cb *durable.Callback) string {
	if !cb.Resolved() {
		return warnStyle.Render("pending until " + cb.Deadline.Local().Format(time.DateTime))
	}
	res := cb.Resolution
	style := successStyle
	if res.Kind != durable.ResolutionSucceeded {
		style = failStyle
	}
	return style.Render(string(res.Kind) + " at " + res.ResolvedAt.Local().Format(time.DateTime))
}

func pad(s string, width int) string {
	if gap := width - lipgloss.Width(s); gap > 0 {
		return s + strings.Repeat(" ", gap)
	}
	return s
}
