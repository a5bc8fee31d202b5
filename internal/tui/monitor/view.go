package monitor

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/marcus/fieldsync/internal/output"
	"github.com/marcus/fieldsync/internal/queue"
)

// renderView renders the complete TUI view
func (m Model) renderView() string {
	if m.Width == 0 || m.Height == 0 {
		return "Loading..."
	}

	if m.Width < MinWidth || m.Height < MinHeight {
		return m.renderCompact()
	}

	if m.ShowHelp {
		return m.renderHelp()
	}

	// Header, three panels and footer
	availableHeight := m.Height - 2
	panelHeight := availableHeight / 3

	panels := lipgloss.JoinVertical(lipgloss.Left,
		m.renderEntryPanel("PENDING", m.Pending, "Queue is empty", panelHeight, PanelQueue),
		m.renderEntryPanel("DEAD LETTERS", m.Dead, "No dead letters", panelHeight, PanelDead),
		m.renderActivityPanel(availableHeight-2*panelHeight),
	)

	return lipgloss.JoinVertical(lipgloss.Left, m.renderHeader(), panels, m.renderFooter())
}

// renderCompact renders a minimal view for small terminals
func (m Model) renderCompact() string {
	var s strings.Builder

	s.WriteString("fieldsync monitor (resize for full view)\n\n")
	s.WriteString(fmt.Sprintf("Status: %s\n", connectivityLabel(m.Online)))
	s.WriteString(fmt.Sprintf("Pending: %d | Dead letters: %d\n", len(m.Pending), len(m.Dead)))
	if len(m.Activity) > 0 {
		s.WriteString(fmt.Sprintf("Last: %s\n", m.Activity[0].Message))
	}
	s.WriteString("\nq:quit s:sync o:toggle ?:help")

	return s.String()
}

func connectivityLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

// renderHeader renders the status line: connectivity, counts and sync state
func (m Model) renderHeader() string {
	badge := offlineBadge.Render("OFFLINE")
	if m.Online {
		badge = onlineBadge.Render("ONLINE")
	}

	parts := []string{
		badge,
		titleStyle.Render(fmt.Sprintf("%d pending", len(m.Pending))),
	}
	if len(m.Dead) > 0 {
		parts = append(parts, deadAlertStyle.Render(fmt.Sprintf(" %d DEAD ", len(m.Dead))))
	}
	if m.Syncing {
		parts = append(parts, m.spinner.View()+" syncing")
	}
	if m.Err != nil {
		parts = append(parts, errorStyle.Render(ansi.Truncate(fmt.Sprintf("storage: %v", m.Err), m.Width/2, "…")))
	}
	return " " + strings.Join(parts, "  ")
}

// renderEntryPanel renders a list of queue entries
func (m Model) renderEntryPanel(title string, entries []queue.Entry, empty string, height int, panel Panel) string {
	var content strings.Builder

	if len(entries) == 0 {
		content.WriteString(subtleStyle.Render(empty))
	} else {
		offset := m.ScrollOffset[panel]
		visible := m.visibleItems(len(entries), offset, height-3)
		for i := offset; i < offset+visible; i++ {
			content.WriteString(output.FormatQueueEntry(entries[i]))
			content.WriteString("\n")
		}
	}

	return m.wrapPanel(fmt.Sprintf("%s (%d)", title, len(entries)), content.String(), height, panel)
}

// renderActivityPanel renders the activity log panel
func (m Model) renderActivityPanel(height int) string {
	var content strings.Builder

	if len(m.Activity) == 0 {
		content.WriteString(subtleStyle.Render("No activity yet"))
	} else {
		offset := m.ScrollOffset[PanelActivity]
		visible := m.visibleItems(len(m.Activity), offset, height-3)
		for i := offset; i < offset+visible; i++ {
			content.WriteString(m.formatActivityItem(m.Activity[i]))
			content.WriteString("\n")
		}
	}

	return m.wrapPanel("ACTIVITY", content.String(), height, PanelActivity)
}

// renderFooter renders the footer with key bindings and refresh time
func (m Model) renderFooter() string {
	keys := m.help.View(m.keys)
	refresh := timestampStyle.Render(fmt.Sprintf("Last: %s", m.LastRefresh.Format("15:04:05")))
	if m.Version != "" {
		refresh = subtleStyle.Render(m.Version) + " " + refresh
	}
	if m.Server != nil {
		server := "server " + m.Server.ServerVersion
		if m.Server.Outdated {
			server = warningStyle.Render(server + " (update available)")
		} else {
			server = subtleStyle.Render(server)
		}
		refresh = server + " " + refresh
	}

	padding := m.Width - lipgloss.Width(keys) - lipgloss.Width(refresh) - 2
	if padding < 0 {
		padding = 0
	}

	return fmt.Sprintf(" %s%s%s", keys, strings.Repeat(" ", padding), refresh)
}

// renderHelp renders the help overlay
func (m Model) renderHelp() string {
	h := m.help
	h.ShowAll = true
	return lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("FIELDSYNC MONITOR - Key Bindings"),
		"",
		h.View(m.keys),
		"",
		subtleStyle.Render("Press ? to close help"),
	)
}

// wrapPanel wraps content in a panel with title and border
func (m Model) wrapPanel(title, content string, height int, panel Panel) string {
	style := panelStyle
	if m.ActivePanel == panel {
		style = activePanelStyle
	}

	titleStr := panelTitleStyle.Render(title)
	contentWidth := m.Width - 4 // Account for border and padding

	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	contentHeight := height - 3 // Title + border
	if contentHeight < 1 {
		contentHeight = 1
	}
	for len(lines) < contentHeight {
		lines = append(lines, "")
	}
	if len(lines) > contentHeight {
		lines = lines[:contentHeight]
	}
	for i, line := range lines {
		if lipgloss.Width(line) > contentWidth {
			lines[i] = ansi.Truncate(line, contentWidth, "…")
		}
	}

	inner := lipgloss.JoinVertical(lipgloss.Left, titleStr, strings.Join(lines, "\n"))
	return style.Width(m.Width - 2).Render(inner)
}

// formatActivityItem formats a single activity item
func (m Model) formatActivityItem(item ActivityItem) string {
	timestamp := timestampStyle.Render(item.Timestamp.Format("15:04:05"))
	return fmt.Sprintf("%s %s %s", timestamp, formatActivityBadge(item.Type), item.Message)
}

// visibleItems calculates how many items can be shown given scroll offset and height
func (m Model) visibleItems(total, offset, height int) int {
	remaining := total - offset
	if remaining > height {
		return max(height, 0)
	}
	return max(remaining, 0)
}
