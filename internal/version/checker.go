package version

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
)

// ServerVersionMsg is sent once the server version is known.
type ServerVersionMsg struct {
	CheckResult
	UpdateCommand string
}

// CheckAsync returns a Bubble Tea command that checks the server version in
// the background. Failed lookups produce no message.
func CheckAsync(ctx context.Context, src Source, current string) tea.Cmd {
	return func() tea.Msg {
		result := Check(ctx, src, current)
		if result.Error != nil {
			return nil
		}
		msg := ServerVersionMsg{CheckResult: result}
		if result.Outdated {
			msg.UpdateCommand = UpdateCommand(result.ServerVersion)
		}
		return msg
	}
}
