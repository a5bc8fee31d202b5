package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/output"
	syncengine "github.com/marcus/fieldsync/internal/sync"
)

var submitCmd = &cobra.Command{
	Use:   "submit <assignment-id>",
	Short: "Submit the responses of an assignment",
	Long: `Sends every response of the assignment to the server. When offline, or when
the server cannot be reached, the submission is queued and sent by the next
sync.`,
	Args:    cobra.ExactArgs(1),
	GroupID: "work",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := parseID(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		jsonOut, _ := cmd.Flags().GetBool("json")

		a := openApp(ctx, nil)
		defer a.Close()

		asg, err := a.loadAssignment(ctx, id)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if asg.Completed() && !jsonOut {
			output.Warning("assignment %d is already completed, submitting again", id)
		}
		return runSubmit(ctx, a, asg, jsonOut)
	},
}

// submitReport is the JSON form of a submit result.
type submitReport struct {
	State   string `json:"state"`
	Message string `json:"message"`
	EntryID string `json:"entryId,omitempty"`
	Durable bool   `json:"durable"`
	Error   string `json:"error,omitempty"`
}

// runSubmit builds the payload from the cached responses and hands it to
// the engine.
func runSubmit(ctx context.Context, a *app, asg *models.Assignment, jsonOut bool) error {
	payload := models.BuildPayload(asg, cfg.DeviceID, a.cache.Snapshot())
	res, err := a.engine.Submit(ctx, payload)

	if jsonOut {
		rep := submitReport{State: res.State.String(), Message: res.Message, Durable: res.Durable}
		if res.Entry != nil {
			rep.EntryID = res.Entry.ID
		}
		if err != nil {
			rep.Error = err.Error()
		}
		if jerr := output.JSON(rep); jerr != nil {
			return jerr
		}
		return err
	}

	switch res.State {
	case syncengine.Acked:
		output.Success("%s", res.Message)
	case syncengine.Queued:
		if res.Durable {
			output.Success("%s", res.Message)
		} else {
			output.Warning("%s: %v", res.Message, res.StorageErr)
		}
		if res.SendErr != nil {
			output.Info("server unreachable: %v", res.SendErr)
		}
	default:
		if errors.Is(err, models.ErrMalformedPayload) {
			output.Error("%v", err)
			return err
		}
		output.Error("%v, your data has not been lost", err)
	}
	return err
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().Bool("json", false, "JSON output")
}
