// Package output provides styled terminal output helpers (success, error,
// warning, assignment and queue formatting) using lipgloss.
package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	json "github.com/goccy/go-json"

	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/queue"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dirtyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	statusStyles = map[models.AssignmentStatus]lipgloss.Style{
		models.StatusPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.StatusInProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.StatusCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
	}
)

// Success prints a success message
func Success(format string, args ...any) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...any) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...any) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...any) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// JSON outputs data as JSON
func JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound     = "not_found"
	ErrCodeInvalidInput = "invalid_input"
	ErrCodeOffline      = "offline"
	ErrCodeStorage      = "storage_error"
	ErrCodeServer       = "server_error"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
	fmt.Println(string(data))
}

// StatusName returns the display name of an assignment status.
func StatusName(s models.AssignmentStatus) string {
	switch s {
	case models.StatusPending:
		return "pending"
	case models.StatusInProgress:
		return "in_progress"
	case models.StatusCompleted:
		return "completed"
	default:
		return fmt.Sprintf("status_%d", int(s))
	}
}

// FormatStatus formats an assignment status with color
func FormatStatus(s models.AssignmentStatus) string {
	label := fmt.Sprintf("[%s]", StatusName(s))
	if style, ok := statusStyles[s]; ok {
		return style.Render(label)
	}
	return label
}

// FormatAssignmentShort returns a one-line summary truncated to width
// display cells. A width of zero disables truncation.
func FormatAssignmentShort(a *models.Assignment, width int) string {
	line := fmt.Sprintf("%-6d %s %s %s", a.ID, FormatStatus(a.Status), subtleStyle.Render(a.Type.String()), a.Name)
	if width > 0 {
		line = ansi.Truncate(line, width, "…")
	}
	return line
}

// FormatValue renders a response for display. Image data is summarized
// rather than printed.
func FormatValue(v models.Value) string {
	switch v.Kind() {
	case models.KindEmpty:
		return subtleStyle.Render("(empty)")
	case models.KindFlag:
		if v.Bool() {
			return "yes"
		}
		return "no"
	case models.KindImageRef:
		return fmt.Sprintf("<image, %d bytes>", len(v.Str()))
	default:
		return v.Str()
	}
}

// FormatField returns one line describing a field and its current value.
// dirty marks values changed locally but not yet submitted.
func FormatField(f models.Field, v models.Value, dirty bool) string {
	if !f.InputType.IsInput() {
		return fmt.Sprintf("        %s", subtleStyle.Render(strings.TrimSpace(f.Label+" "+f.Detail)))
	}
	label := f.Label
	if label == "" {
		label = f.Detail
	}
	mark := " "
	if dirty {
		mark = dirtyStyle.Render("*")
	}
	line := fmt.Sprintf("  %s %-6d %-10s %s: %s", mark, f.FieldID, f.InputType, label, FormatValue(v))
	if len(f.Options) > 0 {
		line += subtleStyle.Render(fmt.Sprintf("  (%s)", strings.Join(f.Options, " | ")))
	}
	return line
}

// FormatAssignmentLong renders an assignment with every task and field.
// responses supplies local values; fields without one show the server's
// recorded response.
func FormatAssignmentLong(a *models.Assignment, responses models.TaskResponseSet) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", titleStyle.Render(fmt.Sprintf("%d: %s", a.ID, a.Name)), FormatStatus(a.Status))
	fmt.Fprintf(&sb, "Type: %s\n", a.Type)
	for _, t := range a.SortedTasks() {
		sb.WriteString(SectionHeader(t.Name))
		for _, f := range t.Fields {
			r, ok := responses[f.FieldID]
			v := r.Value
			if !ok && f.Response != "" {
				v = models.Text(f.Response)
			}
			sb.WriteString(FormatField(f, v, ok && r.Dirty))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// FormatQueueEntry returns a one-line summary of a queued submission.
func FormatQueueEntry(e queue.Entry) string {
	line := fmt.Sprintf("%s  assignment %-6d %2d fields  queued %s",
		ShortID(e.ID), e.Payload.AssignmentID, e.Payload.FieldCount(), FormatTimeAgo(e.EnqueuedAt))
	if e.Attempts > 0 {
		line += fmt.Sprintf("  %d attempts", e.Attempts)
	}
	if e.LastError != "" {
		line += "  " + errorStyle.Render(ansi.Truncate(e.LastError, 60, "…"))
	}
	return line
}

// ShortID shortens a queue entry id to 8 characters or returns as-is if shorter
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// FormatOnline renders a connectivity flag.
func FormatOnline(online bool) string {
	if online {
		return successStyle.Render("online")
	}
	return warningStyle.Render("offline")
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nINSPECTION:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// IndentString indents each line in a string by the specified number of spaces
func IndentString(s string, spaces int) string {
	if s == "" {
		return ""
	}
	indent := strings.Repeat(" ", spaces)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = indent + line
	}
	return strings.Join(lines, "\n")
}
