package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/fieldsync/internal/output"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	Short:   "Inspect and manage queued submissions",
	GroupID: "sync",
}

var queueListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List submissions waiting to be sent",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a := openApp(ctx, nil)
		defer a.Close()

		entries, err := a.queue.Drain(ctx)
		if err != nil {
			output.Warning("queue storage: %v (showing in-memory copy)", err)
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("Queue is empty")
			return nil
		}
		for _, e := range entries {
			fmt.Println(output.FormatQueueEntry(e))
		}
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every queued submission",
	Long: `Discards the queued submissions without sending them. The responses are
lost unless they are still in the local response cache.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if force, _ := cmd.Flags().GetBool("force"); !force {
			err := fmt.Errorf("refusing to discard submissions without --force")
			output.Error("%v", err)
			return err
		}
		a := openApp(ctx, nil)
		defer a.Close()

		n, _ := a.queue.Len(ctx)
		if err := a.queue.Clear(ctx); err != nil {
			output.Error("clear queue: %v", err)
			return err
		}
		output.Success("Discarded %d queued submission(s)", n)
		return nil
	},
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List submissions the server refused or that ran out of attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a := openApp(ctx, nil)
		defer a.Close()

		if clearDead, _ := cmd.Flags().GetBool("clear"); clearDead {
			if err := a.queue.ClearDeadLetters(ctx); err != nil {
				output.Error("clear dead letters: %v", err)
				return err
			}
			output.Success("Dead letters cleared")
			return nil
		}

		entries, err := a.queue.DeadLetters(ctx)
		if err != nil {
			output.Warning("dead letter storage: %v (showing in-memory copy)", err)
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("No dead letters")
			return nil
		}
		for _, e := range entries {
			fmt.Println(output.FormatQueueEntry(e))
		}
		fmt.Println("\nRun `fieldsync queue retry` to send them again.")
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Move dead letters back to the queue and sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a := openApp(ctx, nil)
		defer a.Close()

		n, err := a.queue.Requeue(ctx)
		if err != nil {
			output.Error("requeue: %v", err)
			return err
		}
		if n == 0 {
			fmt.Println("No dead letters")
			return nil
		}
		output.Success("Requeued %d submission(s)", n)
		if !a.conn.IsOnline() {
			output.Info("Offline, they will be sent by the next sync")
			return nil
		}
		res, err := a.engine.SyncPass(ctx)
		printPass(res)
		return err
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueCmd.AddCommand(queueDeadCmd)
	queueCmd.AddCommand(queueRetryCmd)
	rootCmd.AddCommand(queueCmd)

	queueListCmd.Flags().Bool("json", false, "JSON output")
	queueClearCmd.Flags().BoolP("force", "f", false, "Confirm discarding")
	queueDeadCmd.Flags().Bool("json", false, "JSON output")
	queueDeadCmd.Flags().Bool("clear", false, "Discard every dead letter")
}
