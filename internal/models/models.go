// Package models defines the assignment, response and submission types shared
// by the client and the reference server.
package models

import (
	"sort"
)

// FieldID identifies a field within an assignment (the assignment-task-field id).
type FieldID int64

// AssignmentType categorizes an assignment
type AssignmentType int

const (
	AssignmentChecklist    AssignmentType = 0
	AssignmentInstructions AssignmentType = 1
	AssignmentAlert        AssignmentType = 2
	AssignmentTicket       AssignmentType = 3
)

func (t AssignmentType) String() string {
	switch t {
	case AssignmentChecklist:
		return "checklist"
	case AssignmentInstructions:
		return "instructions"
	case AssignmentAlert:
		return "alert"
	case AssignmentTicket:
		return "ticket"
	default:
		return "unknown"
	}
}

// AssignmentStatus is the server-side progress of an assignment
type AssignmentStatus int

const (
	StatusPending    AssignmentStatus = 0
	StatusInProgress AssignmentStatus = 1
	StatusCompleted  AssignmentStatus = 3
)

// InputType is the kind of input a field collects
type InputType int

const (
	InputLabel        InputType = 0
	InputTextBox      InputType = 1
	InputDropDown     InputType = 2
	InputCheckBox     InputType = 3
	InputButton       InputType = 4
	InputPassFail     InputType = 5
	InputCaptureImage InputType = 6
)

// IsInput reports whether the field collects a response. Labels and buttons
// are display-only.
func (t InputType) IsInput() bool {
	switch t {
	case InputTextBox, InputDropDown, InputCheckBox, InputPassFail, InputCaptureImage:
		return true
	default:
		return false
	}
}

func (t InputType) String() string {
	switch t {
	case InputLabel:
		return "label"
	case InputTextBox:
		return "text"
	case InputDropDown:
		return "dropdown"
	case InputCheckBox:
		return "checkbox"
	case InputButton:
		return "button"
	case InputPassFail:
		return "pass/fail"
	case InputCaptureImage:
		return "image"
	default:
		return "unknown"
	}
}

// Assignment is a unit of field work as delivered by the assignments API.
type Assignment struct {
	ID     int64            `json:"assignmentId"`
	Name   string           `json:"name"`
	Type   AssignmentType   `json:"assignmentType"`
	Status AssignmentStatus `json:"status"`
	Tasks  []Task           `json:"tasks"`
}

// Task is a named step within an assignment.
type Task struct {
	AssignmentTaskID int64   `json:"assignmentTaskId"`
	TaskSequence     int     `json:"taskSequence"`
	Name             string  `json:"name"`
	Fields           []Field `json:"fields"`
}

// Field is a single input element within a task. Response carries a
// previously recorded answer, if any.
type Field struct {
	FieldID       FieldID   `json:"fieldId"`
	FieldSequence int       `json:"fieldSequence"`
	InputType     InputType `json:"inputType"`
	Label         string    `json:"fieldLabel,omitempty"`
	Detail        string    `json:"detail"`
	Options       []string  `json:"options,omitempty"`
	Response      string    `json:"response,omitempty"`
}

// Completed reports whether the assignment has been submitted.
func (a *Assignment) Completed() bool {
	return a.Status == StatusCompleted
}

// Instructions returns the instruction or description text of the first task.
func (a *Assignment) Instructions() string {
	if len(a.Tasks) == 0 {
		return "No instructions available"
	}
	for _, label := range []string{"Instruction:", "Description:"} {
		for _, f := range a.Tasks[0].Fields {
			if f.Label == label && f.Detail != "" {
				return f.Detail
			}
		}
	}
	return "No instructions available"
}

// Field looks up a field by id across all tasks.
func (a *Assignment) Field(id FieldID) (Field, bool) {
	for _, t := range a.Tasks {
		for _, f := range t.Fields {
			if f.FieldID == id {
				return f, true
			}
		}
	}
	return Field{}, false
}

// SortedTasks returns the tasks ordered by sequence, each with its fields
// ordered by sequence. The receiver is not modified.
func (a *Assignment) SortedTasks() []Task {
	tasks := make([]Task, len(a.Tasks))
	for i, t := range a.Tasks {
		fields := make([]Field, len(t.Fields))
		copy(fields, t.Fields)
		sort.SliceStable(fields, func(i, j int) bool { return fields[i].FieldSequence < fields[j].FieldSequence })
		t.Fields = fields
		tasks[i] = t
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].TaskSequence < tasks[j].TaskSequence })
	return tasks
}

// FieldResponse is the local state of one answered field. Dirty is set once
// the worker has touched the field, which distinguishes "never touched" from
// "explicitly cleared".
type FieldResponse struct {
	FieldID FieldID `json:"fieldId"`
	Value   Value   `json:"value"`
	Dirty   bool    `json:"dirty"`
}

// TaskResponseSet maps field ids to their responses for one assignment.
type TaskResponseSet map[FieldID]FieldResponse

// Clone returns a copy of the set.
func (s TaskResponseSet) Clone() TaskResponseSet {
	out := make(TaskResponseSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
