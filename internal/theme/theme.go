// Package theme holds the terminal styles of the command-line output.
package theme

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Adaptive color pairs (dark terminal value, light terminal value).
var (
	ColorBlue   = lipgloss.AdaptiveColor{Dark: "#5B9BD5", Light: "#2B6CB0"}
	ColorGreen  = lipgloss.AdaptiveColor{Dark: "#6BCB77", Light: "#2F855A"}
	ColorYellow = lipgloss.AdaptiveColor{Dark: "#FFD93D", Light: "#B7791F"}
	ColorRed    = lipgloss.AdaptiveColor{Dark: "#FF6B6B", Light: "#C53030"}
	ColorOrange = lipgloss.AdaptiveColor{Dark: "#FFA94D", Light: "#C05621"}
	ColorGray   = lipgloss.AdaptiveColor{Dark: "#868E96", Light: "#718096"}
	ColorWhite  = lipgloss.AdaptiveColor{Dark: "#F8F9FA", Light: "#1A202C"}
	ColorBorder = lipgloss.AdaptiveColor{Dark: "#495057", Light: "#E2E8F0"}
)

// HeaderStyle is used for section titles and table headers.
var HeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorWhite).
	Background(ColorBlue).
	Padding(0, 1)

// CellStyle pads ordinary table cells.
var CellStyle = lipgloss.NewStyle().Padding(0, 1)

// HelpStyle is used for hints printed after command output.
var HelpStyle = lipgloss.NewStyle().
	Foreground(ColorGray).
	Italic(true)

// StatusStyle returns a color-coded style for a sync job status or an
// account outcome.
func StatusStyle(status string) lipgloss.Style {
	base := CellStyle.Bold(true)

	switch status {
	case "SYNCING", "SYNCING_INDEXING":
		return base.Foreground(ColorBlue)
	case "STOPPING":
		return base.Foreground(ColorYellow)
	case "SUCCEEDED", "synced":
		return base.Foreground(ColorGreen)
	case "FAILED", "failed", "auth_failed":
		return base.Foreground(ColorRed)
	case "ABORTED", "INCOMPLETE", "interrupted":
		return base.Foreground(ColorOrange)
	default:
		return base.Foreground(ColorGray)
	}
}

// Table renders rows under headers. When statusCol is a valid column its
// cells are colored with StatusStyle.
func Table(headers []string, rows [][]string, statusCol int) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorBorder)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return HeaderStyle
			}
			if col == statusCol && row >= 0 && row < len(rows) && col < len(rows[row]) {
				return StatusStyle(rows[row][col])
			}
			return CellStyle
		})
	return t.Render()
}
