package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("240"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	wipStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// statusStyle colours a plan, task or session status.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "completed", "done":
		return doneStyle
	case "running", "in_progress", "active", "pending", "idle":
		return wipStyle
	case "error", "failed", "timeout", "stalled", "canceled", "stopped":
		return errStyle
	default:
		return mutedStyle
	}
}

func renderStatus(status string) string {
	return statusStyle(status).Render(status)
}

// progressBar renders pct (0-100) as a fixed-width bar.
func progressBar(pct float64, width int) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := int(pct / 100 * float64(width))
	bar := doneStyle.Render(strings.Repeat("█", filled)) + mutedStyle.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %5.1f%%", bar, pct)
}

// table writes rows under a styled header with padded columns.
func table(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}
	line := func(cells []string, style *lipgloss.Style) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			pad := widths[i] - lipgloss.Width(cell)
			if style != nil {
				cell = style.Render(cell)
			}
			parts[i] = cell + strings.Repeat(" ", pad)
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	line(header, &headerStyle)
	for _, row := range rows {
		line(row, nil)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
