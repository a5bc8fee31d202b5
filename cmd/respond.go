package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/marcus/fieldsync/internal/input"
	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/output"
	"github.com/marcus/fieldsync/internal/suggest"
)

var setCmd = &cobra.Command{
	Use:   "set <assignment-id> <field-id> [value]",
	Short: "Record a response for one field",
	Long: `Records a response and saves it locally right away.

Checkbox and pass/fail fields accept yes/no, true/false, pass/fail.
Dropdown values must be one of the field's options.
Image fields take a file with --image.
A value of - reads stdin and @path reads a file.`,
	Example: `  fieldsync set 42 1002 "Valve replaced"
  fieldsync set 42 1003 pass
  fieldsync set 42 1002 @notes.txt
  fieldsync set 42 1004 --image panel.jpg
  fieldsync set 42 1002 --clear`,
	Args:    cobra.RangeArgs(2, 3),
	GroupID: "work",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		assignmentID, err := parseID(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		fieldID, err := parseID(args[1])
		if err != nil {
			output.Error("%v", err)
			return err
		}

		a := openApp(ctx, nil)
		defer a.Close()

		asg, err := a.loadAssignment(ctx, assignmentID)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		field, ok := asg.Field(models.FieldID(fieldID))
		if !ok {
			err := fmt.Errorf("assignment %d has no field %d", assignmentID, fieldID)
			output.Error("%v", err)
			return err
		}

		imagePath, _ := cmd.Flags().GetString("image")
		clearValue, _ := cmd.Flags().GetBool("clear")

		var v models.Value
		switch {
		case clearValue:
			v = models.Empty()
		case imagePath != "":
			v, err = readImage(imagePath)
		case len(args) == 3:
			var raw string
			if raw, err = input.ExpandValue(args[2], os.Stdin); err == nil {
				v, err = models.ParseValue(field, raw)
				if errors.Is(err, models.ErrInvalidOption) {
					if hint := suggest.Hint(raw, field.Options); hint != "" {
						err = fmt.Errorf("%w, %s", err, hint)
					}
				}
			}
		default:
			err = errors.New("a value, --image or --clear is required")
		}
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if err := a.cache.SetFieldValue(ctx, field.FieldID, v); err != nil {
			if a.cache.PersistErr() != nil {
				output.Warning("response kept in memory only: %v", err)
				return nil
			}
			output.Error("%v", err)
			return err
		}
		output.Success("%s = %s", fieldName(field), output.FormatValue(v))
		return nil
	},
}

var fillCmd = &cobra.Command{
	Use:   "fill <assignment-id>",
	Short: "Fill in an assignment interactively",
	Long: `Walks through every task of an assignment in an interactive form. Each
answered field is saved locally when the form completes.`,
	Args:    cobra.ExactArgs(1),
	GroupID: "work",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		assignmentID, err := parseID(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}

		a := openApp(ctx, nil)
		defer a.Close()

		asg, err := a.loadAssignment(ctx, assignmentID)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		ff := newFillForm(asg, a.cache.Snapshot())
		if len(ff.inputs) == 0 {
			output.Info("Assignment %d has no fields to fill in", assignmentID)
			return nil
		}
		if err := ff.form.RunWithContext(ctx); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				output.Info("Cancelled, nothing changed")
				return nil
			}
			output.Error("%v", err)
			return err
		}

		changed, err := ff.apply(ctx, a.cache.SetFieldValue)
		if err != nil {
			if a.cache.PersistErr() != nil {
				output.Warning("responses kept in memory only: %v", err)
			} else {
				output.Error("%v", err)
				return err
			}
		}
		output.Success("Saved %d response(s)", changed)

		if submitAfter, _ := cmd.Flags().GetBool("submit"); submitAfter {
			return runSubmit(ctx, a, asg, false)
		}
		return nil
	},
}

// fillInput binds one form field to the value it edits.
type fillInput struct {
	field   models.Field
	initial models.Value
	text    string
	flag    bool
}

// fillForm is the interactive form for one assignment.
type fillForm struct {
	form   *huh.Form
	inputs []*fillInput
}

func newFillForm(asg *models.Assignment, responses models.TaskResponseSet) *fillForm {
	ff := &fillForm{}
	var groups []*huh.Group

	for _, task := range asg.SortedTasks() {
		var fields []huh.Field
		for _, f := range task.Fields {
			if !f.InputType.IsInput() {
				if f.Detail != "" || f.Label != "" {
					fields = append(fields, huh.NewNote().Title(f.Label).Description(f.Detail))
				}
				continue
			}
			in := &fillInput{field: f, initial: responses[f.FieldID].Value}
			in.text = in.initial.Str()
			in.flag = in.initial.Bool()
			ff.inputs = append(ff.inputs, in)
			fields = append(fields, in.huhField())
		}
		if len(fields) > 0 {
			groups = append(groups, huh.NewGroup(fields...).Title(task.Name))
		}
	}

	ff.form = huh.NewForm(groups...)
	return ff
}

func (in *fillInput) huhField() huh.Field {
	title := fieldName(in.field)
	switch in.field.InputType {
	case models.InputDropDown:
		return huh.NewSelect[string]().
			Title(title).
			Options(huh.NewOptions(in.field.Options...)...).
			Value(&in.text)
	case models.InputCheckBox:
		return huh.NewConfirm().
			Title(title).
			Affirmative("Yes").
			Negative("No").
			Value(&in.flag)
	case models.InputPassFail:
		return huh.NewConfirm().
			Title(title).
			Affirmative("Pass").
			Negative("Fail").
			Value(&in.flag)
	case models.InputCaptureImage:
		in.text = ""
		return huh.NewInput().
			Title(title).
			Description("Path to an image file, blank to keep the current one").
			Value(&in.text).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return nil
				}
				_, err := os.Stat(s)
				return err
			})
	default:
		return huh.NewInput().
			Title(title).
			Description(in.field.Detail).
			Value(&in.text)
	}
}

// value converts the form state back into a response. keep is true when
// the field was left as it was.
func (in *fillInput) value() (v models.Value, keep bool, err error) {
	switch in.field.InputType {
	case models.InputCheckBox, models.InputPassFail:
		v = models.Flag(in.flag)
	case models.InputCaptureImage:
		if strings.TrimSpace(in.text) == "" {
			return in.initial, true, nil
		}
		v, err = readImage(in.text)
		if err != nil {
			return v, false, err
		}
	default:
		v, err = models.ParseValue(in.field, in.text)
		if err != nil {
			return v, false, err
		}
	}
	return v, v.Equal(in.initial), nil
}

// apply records every changed field through set and returns how many
// fields changed. It stops at the first rejected value but reports a
// persist failure only after recording every field.
func (ff *fillForm) apply(ctx context.Context, set func(context.Context, models.FieldID, models.Value) error) (int, error) {
	changed := 0
	var persistErr error
	for _, in := range ff.inputs {
		v, keep, err := in.value()
		if err != nil {
			return changed, fmt.Errorf("%s: %w", fieldName(in.field), err)
		}
		if keep {
			continue
		}
		if err := set(ctx, in.field.FieldID, v); err != nil {
			persistErr = err
		}
		changed++
	}
	return changed, persistErr
}

func readImage(path string) (models.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Value{}, fmt.Errorf("read image: %w", err)
	}
	return models.ImageRef(models.ImageDataURI(data)), nil
}

func fieldName(f models.Field) string {
	if f.Label != "" {
		return strings.TrimSuffix(f.Label, ":")
	}
	if f.Detail != "" {
		return f.Detail
	}
	return fmt.Sprintf("field %d", f.FieldID)
}

func init() {
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(fillCmd)

	setCmd.Flags().String("image", "", "Image file for a capture field")
	setCmd.Flags().Bool("clear", false, "Clear the response")

	fillCmd.Flags().Bool("submit", false, "Submit after filling in")
}
