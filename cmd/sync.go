package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/fieldsync/internal/output"
	syncengine "github.com/marcus/fieldsync/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Send queued submissions to the server",
	Long: `Replays the submission queue in the order it was filled. Entries the server
accepts are removed; entries that fail stay queued for the next sync.

With --watch the command keeps running, syncing on an interval and whenever
the connection returns.`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		watch, _ := cmd.Flags().GetBool("watch")
		if watch {
			return runWatch(ctx)
		}

		a := openApp(ctx, nil)
		defer a.Close()

		var (
			res syncengine.PassResult
			err error
		)
		if probe, _ := cmd.Flags().GetBool("probe"); probe {
			res, err = a.engine.Reconnect(ctx, a.prober().Probe)
		} else {
			res, err = a.engine.SyncPass(ctx)
		}
		if errors.Is(err, syncengine.ErrOffline) {
			output.Warning("offline, %d submission(s) waiting", res.Remaining)
			return nil
		}
		printPass(res)
		if err != nil {
			return err
		}
		if res.Retained() > 0 {
			return fmt.Errorf("%d submission(s) still queued", res.Retained())
		}
		return nil
	},
}

// printPass reports a pass result.
func printPass(res syncengine.PassResult) {
	if res.Empty() {
		output.Info("Nothing to sync")
		return
	}
	if len(res.Failed) == 0 && len(res.Rejected) == 0 && len(res.Exhausted) == 0 && res.StorageErr == nil {
		output.Success("%s", res.Summary())
		return
	}
	output.Warning("%s", res.Summary())
	for _, o := range res.Failed {
		fmt.Printf("  retry    assignment %d: %v\n", o.Entry.Payload.AssignmentID, o.Err)
	}
	for _, o := range res.Rejected {
		fmt.Printf("  rejected assignment %d: %v\n", o.Entry.Payload.AssignmentID, o.Err)
	}
	for _, o := range res.Exhausted {
		fmt.Printf("  gave up  assignment %d: %v\n", o.Entry.Payload.AssignmentID, o.Err)
	}
	if res.StorageErr != nil {
		output.Warning("queue storage: %v", res.StorageErr)
	}
}

// runWatch keeps syncing until interrupted. The connection is probed when
// auto-detection is enabled.
func runWatch(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := openApp(ctx, func(res syncengine.PassResult, err error) {
		switch {
		case errors.Is(err, syncengine.ErrOffline):
		case err != nil:
			slog.Warn("sync pass", "result", res.Summary(), "err", err)
		case !res.Empty():
			printPass(res)
		}
	})
	defer a.Close()

	if cfg.Connectivity.AutoDetect {
		go a.prober().Run(ctx)
	}
	runner := syncengine.NewRunner(a.engine, cfg.SyncInterval())

	output.Info("Watching for queued submissions every %s (ctrl+c to stop)", cfg.SyncInterval())
	runner.Run(ctx)
	return nil
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().Bool("watch", false, "Keep running and sync periodically")
	syncCmd.Flags().Bool("probe", false, "Check the server before syncing and update the online state")
}
