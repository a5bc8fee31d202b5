package cmd

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	syncengine "github.com/marcus/fieldsync/internal/sync"
	"github.com/marcus/fieldsync/internal/tui/monitor"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live dashboard of the queue and connectivity",
	Long: `Launch a live-updating TUI dashboard showing:
- Connectivity and the number of queued submissions
- Pending and dead-lettered submissions
- Activity: sync passes and connectivity changes

While the dashboard runs the queue is synced on the configured interval.

Key bindings:
  Tab/Shift+Tab  Switch panels
  ↑/↓            Scroll the active panel
  s              Sync now
  o              Toggle online/offline
  d              Retry dead letters
  r              Force refresh
  ?              Toggle help
  q              Quit`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		interval, _ := cmd.Flags().GetDuration("interval")
		if interval < 500*time.Millisecond {
			interval = 2 * time.Second
		}

		events := make(chan monitor.ActivityItem, 64)
		send := func(item monitor.ActivityItem) {
			select {
			case events <- item:
			default:
			}
		}

		a := openApp(ctx, func(res syncengine.PassResult, err error) {
			send(monitor.PassActivity(res, err))
		})
		defer a.Close()
		unsubscribe := a.conn.OnChange(func(online bool) {
			send(monitor.ConnectivityActivity(online))
		})
		defer unsubscribe()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		if cfg.Connectivity.AutoDetect {
			go a.prober().Run(ctx)
		}
		go syncengine.NewRunner(a.engine, cfg.SyncInterval()).Run(ctx)

		src := monitor.Source{Queue: a.queue, Conn: a.conn, Engine: a.engine, Versions: a.client}
		model := monitor.NewModel(ctx, src, events, interval, versionStr)

		p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("error running monitor: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().Duration("interval", 2*time.Second, "Refresh interval (default 2s)")
}
