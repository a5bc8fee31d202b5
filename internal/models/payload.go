package models

import (
	"errors"
	"fmt"
)

// UnknownDevice is the device id sent when the device is unregistered.
const UnknownDevice int64 = -1

// ErrMalformedPayload is returned by Validate for payloads the server can
// never accept.
var ErrMalformedPayload = errors.New("malformed submission payload")

// SubmissionPayload is the unit handed to the network: every response for
// one assignment.
type SubmissionPayload struct {
	AssignmentID int64           `json:"assignmentId"`
	DeviceID     int64           `json:"deviceId"`
	Tasks        []SubmittedTask `json:"tasks"`
}

// SubmittedTask is one task of a submission.
type SubmittedTask struct {
	TaskSequence     int              `json:"taskSequence"`
	AssignmentTaskID int64            `json:"assignmentTaskId"`
	Name             string           `json:"name"`
	Fields           []SubmittedField `json:"fields"`
}

// SubmittedField carries a response already serialized to its wire string.
type SubmittedField struct {
	FieldID       FieldID   `json:"fieldId"`
	FieldSequence int       `json:"fieldSequence"`
	InputType     InputType `json:"inputType"`
	Detail        string    `json:"detail"`
	Response      string    `json:"response"`
}

// BuildPayload assembles the submission for an assignment from the current
// responses. Tasks and fields are ordered by sequence and every field is
// included; fields without a response are sent with an empty string.
func BuildPayload(a *Assignment, deviceID int64, responses TaskResponseSet) SubmissionPayload {
	p := SubmissionPayload{
		AssignmentID: a.ID,
		DeviceID:     deviceID,
	}
	for _, t := range a.SortedTasks() {
		st := SubmittedTask{
			TaskSequence:     t.TaskSequence,
			AssignmentTaskID: t.AssignmentTaskID,
			Name:             t.Name,
			Fields:           make([]SubmittedField, 0, len(t.Fields)),
		}
		for _, f := range t.Fields {
			st.Fields = append(st.Fields, SubmittedField{
				FieldID:       f.FieldID,
				FieldSequence: f.FieldSequence,
				InputType:     f.InputType,
				Detail:        f.Detail,
				Response:      responses[f.FieldID].Value.Wire(),
			})
		}
		p.Tasks = append(p.Tasks, st)
	}
	return p
}

// Validate rejects payloads that are structurally unusable.
func (p SubmissionPayload) Validate() error {
	if p.AssignmentID <= 0 {
		return fmt.Errorf("%w: assignment id %d", ErrMalformedPayload, p.AssignmentID)
	}
	if len(p.Tasks) == 0 {
		return fmt.Errorf("%w: no tasks", ErrMalformedPayload)
	}
	seen := make(map[FieldID]bool)
	for _, t := range p.Tasks {
		if len(t.Fields) == 0 {
			return fmt.Errorf("%w: task %d has no fields", ErrMalformedPayload, t.AssignmentTaskID)
		}
		for _, f := range t.Fields {
			if seen[f.FieldID] {
				return fmt.Errorf("%w: duplicate field %d", ErrMalformedPayload, f.FieldID)
			}
			seen[f.FieldID] = true
		}
	}
	return nil
}

// FieldCount returns the number of fields across all tasks.
func (p SubmissionPayload) FieldCount() int {
	n := 0
	for _, t := range p.Tasks {
		n += len(t.Fields)
	}
	return n
}
