package output

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"github.com/marcus/fieldsync/internal/models"
)

// Wrap widths for rendered markdown.
const (
	markdownFallbackWidth = 80
	markdownMinWidth      = 20
)

// TerminalWidth returns the width of stdout, then $COLUMNS, then fallback.
func TerminalWidth(fallback int) int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	if w, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && w > 0 {
		return w
	}
	if fallback > 0 {
		return fallback
	}
	return markdownFallbackWidth
}

// RenderMarkdown renders text with Glamour, wrapped to the terminal.
func RenderMarkdown(text string) (string, error) {
	return RenderMarkdownWithWidth(text, TerminalWidth(markdownFallbackWidth))
}

// RenderMarkdownWithWidth renders text with Glamour, wrapped to width.
// Blank input renders as "".
func RenderMarkdownWithWidth(text string, width int) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(max(width, markdownMinWidth)),
	)
	if err != nil {
		return "", fmt.Errorf("markdown renderer: %w", err)
	}
	out, err := r.Render(text)
	if err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return strings.TrimRight(out, "\n"), nil
}

// AssignmentMarkdown renders an assignment as a markdown document: the
// instructions followed by one section per task listing its fields.
func AssignmentMarkdown(a *models.Assignment, responses models.TaskResponseSet) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", a.Name)
	fmt.Fprintf(&sb, "*%s, %s, id %d*\n\n", a.Type, StatusName(a.Status), a.ID)
	fmt.Fprintf(&sb, "> %s\n", a.Instructions())
	for _, t := range a.SortedTasks() {
		fmt.Fprintf(&sb, "\n## %s\n\n", t.Name)
		for _, f := range t.Fields {
			label := f.Label
			if label == "" {
				label = f.Detail
			}
			if !f.InputType.IsInput() {
				if f.Label != "" && f.Detail != "" {
					fmt.Fprintf(&sb, "%s %s\n\n", f.Label, f.Detail)
				} else {
					fmt.Fprintf(&sb, "%s\n\n", label)
				}
				continue
			}
			value := "_(empty)_"
			if r, ok := responses[f.FieldID]; ok {
				if !r.Value.IsEmpty() {
					value = "`" + FormatValue(r.Value) + "`"
				}
			} else if f.Response != "" {
				value = "`" + f.Response + "`"
			}
			fmt.Fprintf(&sb, "- **%s** (%s, field %d): %s\n", label, f.InputType, f.FieldID, value)
		}
	}
	return sb.String()
}
