package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/fieldsync/internal/auth"
	"github.com/marcus/fieldsync/internal/output"
	syncengine "github.com/marcus/fieldsync/internal/sync"
)

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Mark the device online and sync queued submissions",
	Long: `Marks the device online and sends the queued submissions in one pass.
With --probe the server is checked first and the state follows the result.`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a := openApp(ctx, nil)
		defer a.Close()

		probe, _ := cmd.Flags().GetBool("probe")
		res, err := a.engine.Reconnect(ctx, func(ctx context.Context) bool {
			if probe {
				return a.prober().Probe(ctx)
			}
			if err := a.conn.SetOnline(ctx, true); err != nil {
				output.Warning("could not save connectivity state: %v", err)
			}
			return true
		})
		if errors.Is(err, syncengine.ErrOffline) {
			output.Warning("server at %s is not reachable, staying offline", cfg.ServerURL)
			return nil
		}

		output.Success("Online")
		if !res.Empty() || res.StorageErr != nil {
			printPass(res)
		}
		return err
	},
}

var offlineCmd = &cobra.Command{
	Use:     "offline",
	Short:   "Mark the device offline; submissions will be queued",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a := openApp(ctx, nil)
		defer a.Close()

		if err := a.conn.SetOnline(ctx, false); err != nil {
			output.Warning("could not save connectivity state: %v", err)
		}
		output.Success("Offline, submissions will be queued")
		return nil
	},
}

// statusReport is the JSON form of the status command.
type statusReport struct {
	Online      bool      `json:"online"`
	ServerURL   string    `json:"serverUrl"`
	WorkerID    int64     `json:"workerId"`
	DeviceID    int64     `json:"deviceId"`
	DataDir     string    `json:"dataDir,omitempty"`
	Durable     bool      `json:"durable"`
	Queued      int       `json:"queued"`
	DeadLetters int       `json:"deadLetters"`
	LoggedIn    bool      `json:"loggedIn"`
	TokenExpiry time.Time `json:"tokenExpiry,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show connectivity, queue and login state",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a := openApp(ctx, nil)
		defer a.Close()

		rep := statusReport{
			Online:    a.conn.IsOnline(),
			ServerURL: cfg.ServerURL,
			WorkerID:  cfg.WorkerID,
			DeviceID:  cfg.DeviceID,
			Durable:   a.db != nil,
		}
		if a.db != nil {
			rep.DataDir = a.db.Dir()
		}
		var err error
		if rep.Queued, err = a.queue.Len(ctx); err != nil {
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("queue: %v", err))
		}
		dead, err := a.queue.DeadLetters(ctx)
		if err != nil {
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("dead letters: %v", err))
		}
		rep.DeadLetters = len(dead)

		info, err := a.auth.Status(ctx)
		if err != nil {
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("auth: %v", err))
		}
		rep.LoggedIn = info.LoggedIn
		rep.TokenExpiry = info.Expiry

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(rep)
		}

		fmt.Printf("Status:       %s\n", output.FormatOnline(rep.Online))
		fmt.Printf("Server:       %s\n", rep.ServerURL)
		fmt.Printf("Worker:       %d\n", rep.WorkerID)
		if rep.Durable {
			fmt.Printf("Data:         %s\n", rep.DataDir)
		} else {
			fmt.Printf("Data:         in memory only\n")
		}
		fmt.Printf("Queued:       %d\n", rep.Queued)
		fmt.Printf("Dead letters: %d\n", rep.DeadLetters)
		fmt.Printf("Login:        %s\n", loginLine(info))
		for _, w := range rep.Warnings {
			output.Warning("%s", w)
		}
		return nil
	},
}

func loginLine(info auth.Info) string {
	switch {
	case !info.LoggedIn:
		return "not logged in"
	case info.Expired(time.Now()):
		return "expired, run `fieldsync auth login`"
	case info.Expiry.IsZero():
		return fmt.Sprintf("logged in (%s)", info.Source)
	default:
		return fmt.Sprintf("logged in (%s), expires %s", info.Source, info.Expiry.Local().Format(time.DateTime))
	}
}

func init() {
	rootCmd.AddCommand(onlineCmd)
	rootCmd.AddCommand(offlineCmd)
	rootCmd.AddCommand(statusCmd)

	onlineCmd.Flags().Bool("probe", false, "Check the server before going online")
	statusCmd.Flags().Bool("json", false, "JSON output")
}
