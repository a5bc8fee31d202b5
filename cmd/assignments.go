package cmd

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/marcus/fieldsync/internal/assignments"
	"github.com/marcus/fieldsync/internal/output"
)

var assignmentsCmd = &cobra.Command{
	Use:     "assignments",
	Aliases: []string{"ls", "list"},
	Short:   "List assigned work",
	Long: `Lists the worker's assignments. While offline, or when the server cannot be
reached, the last fetched list is shown instead.`,
	GroupID: "work",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a := openApp(ctx, nil)
		defer a.Close()

		refresh, _ := cmd.Flags().GetBool("refresh")
		jsonOut, _ := cmd.Flags().GetBool("json")
		showAll, _ := cmd.Flags().GetBool("all")

		var listing assignments.Listing
		var err error
		if refresh {
			listing, err = a.catalog.Refresh(ctx)
		} else {
			listing, err = a.catalog.List(ctx)
		}
		if errors.Is(err, assignments.ErrNoCache) {
			if jsonOut {
				output.JSONError(output.ErrCodeOffline, assignments.NoCacheMessage)
			} else {
				output.Warning("%s", assignments.NoCacheMessage)
			}
			return err
		}
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if jsonOut {
			return output.JSON(listing)
		}
		if listing.Warning != "" {
			output.Warning("%s (updated %s)", listing.Warning, output.FormatTimeAgo(listing.UpdatedAt))
		}

		width := output.TerminalWidth(100)
		shown := 0
		for i := range listing.Assignments {
			asg := &listing.Assignments[i]
			if asg.Completed() && !showAll {
				continue
			}
			fmt.Println(output.FormatAssignmentShort(asg, width))
			shown++
		}
		if shown == 0 {
			fmt.Println("No open assignments")
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:     "show <assignment-id>",
	Aliases: []string{"view"},
	Short:   "Show an assignment with its current responses",
	Args:    cobra.ExactArgs(1),
	GroupID: "work",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := parseID(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		a := openApp(ctx, nil)
		defer a.Close()

		asg, err := a.loadAssignment(ctx, id)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		responses := a.cache.Snapshot()

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(map[string]any{
				"assignment": asg,
				"responses":  responses,
			})
		}

		if plain, _ := cmd.Flags().GetBool("plain"); plain {
			fmt.Print(output.FormatAssignmentLong(asg, responses))
		} else {
			rendered, err := output.RenderMarkdown(output.AssignmentMarkdown(asg, responses))
			if err != nil {
				fmt.Print(output.FormatAssignmentLong(asg, responses))
			} else {
				fmt.Println(rendered)
			}
		}

		if n := a.cache.DirtyCount(); n > 0 {
			fmt.Printf("\n%d unsent change(s). Run `fieldsync submit %d` when done.\n", n, id)
		}
		if at, ok, _ := a.cache.UpdatedAt(ctx, id); ok {
			fmt.Printf("Last saved %s\n", output.FormatTimeAgo(at))
		}
		return nil
	},
}

// parseID parses a positive assignment or field id.
func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func init() {
	rootCmd.AddCommand(assignmentsCmd)
	rootCmd.AddCommand(showCmd)

	assignmentsCmd.Flags().Bool("refresh", false, "Fetch from the server even if a cache exists")
	assignmentsCmd.Flags().BoolP("all", "a", false, "Include completed assignments")
	assignmentsCmd.Flags().Bool("json", false, "JSON output")

	showCmd.Flags().Bool("json", false, "JSON output")
	showCmd.Flags().Bool("plain", false, "Plain text instead of rendered markdown")
}
