package monitor

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	// Base colors
	primaryColor = lipgloss.Color("212")
	mutedColor   = lipgloss.Color("241")
	successColor = lipgloss.Color("42")
	warningColor = lipgloss.Color("214")
	errorColor   = lipgloss.Color("196")

	// Panel styles
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	activePanelStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(primaryColor).
				Padding(0, 1)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("237")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	// Text styles
	titleStyle     = lipgloss.NewStyle().Bold(true)
	subtleStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	timestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errorStyle     = lipgloss.NewStyle().Foreground(errorColor)
	warningStyle   = lipgloss.NewStyle().Foreground(warningColor)
	syncingStyle   = lipgloss.NewStyle().Foreground(primaryColor)

	onlineBadge = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("0")).
			Background(successColor).
			Padding(0, 1)

	offlineBadge = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("0")).
			Background(warningColor).
			Padding(0, 1)

	deadAlertStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("0")).
			Background(errorColor)

	// Activity type badges
	activityBadges = map[string]lipgloss.Style{
		"pass":    lipgloss.NewStyle().Foreground(successColor),
		"online":  lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		"offline": lipgloss.NewStyle().Foreground(warningColor),
		"requeue": lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
		"error":   lipgloss.NewStyle().Foreground(errorColor),
	}
)

// formatActivityBadge renders an activity type badge
func formatActivityBadge(actType string) string {
	labels := map[string]string{
		"pass":    "[SYNC]",
		"online":  "[NET]",
		"offline": "[NET]",
		"requeue": "[DLQ]",
		"error":   "[ERR]",
	}
	label, ok := labels[actType]
	if !ok {
		return subtleStyle.Render("[???]")
	}
	return activityBadges[actType].Render(label)
}
