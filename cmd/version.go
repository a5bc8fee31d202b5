package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/fieldsync/internal/syncclient"
	"github.com/marcus/fieldsync/internal/version"
)

var versionCmd = &cobra.Command{
	Use:     "version",
	Short:   "Show version and compare it with the server",
	GroupID: "system",
	Run: func(cmd *cobra.Command, args []string) {
		short, _ := cmd.Flags().GetBool("short")
		if short {
			fmt.Print(versionStr)
			return
		}

		fmt.Printf("fieldsync version %s\n", versionStr)

		checkServer, _ := cmd.Flags().GetBool("check")
		if !checkServer {
			return
		}

		client := syncclient.New(cfg.ServerURL, nil)
		client.UserAgent = "fieldsync/" + versionStr
		result := version.Check(cmd.Context(), client, versionStr)
		if result.Error != nil {
			fmt.Printf("server %s: unreachable\n", cfg.ServerURL)
			return
		}
		if result.ServerVersion == "" {
			result.ServerVersion = "unknown"
		}
		fmt.Printf("server %s: %s\n", cfg.ServerURL, result.ServerVersion)
		if result.Outdated {
			fmt.Printf("\nUpdate available: %s → %s\n", versionStr, result.ServerVersion)
			if cmd := version.UpdateCommand(result.ServerVersion); cmd != "" {
				fmt.Printf("Run: %s\n", cmd)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("check", true, "Ask the server for its version")
	versionCmd.Flags().Bool("short", false, "Output only version string")
}
