package sync

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/marcus/fieldsync/internal/queue"
)

// State is the lifecycle of one submission attempt. Collecting belongs to
// the caller while responses are edited; Submit reports the rest through
// Options.OnState.
type State int

const (
	Collecting State = iota
	Ready
	Sending
	Acked
	Queued
	FailedPermanent
)

func (s State) String() string {
	switch s {
	case Collecting:
		return "collecting"
	case Ready:
		return "ready"
	case Sending:
		return "sending"
	case Acked:
		return "acked"
	case Queued:
		return "queued"
	case FailedPermanent:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition follows.
func (s State) Terminal() bool {
	return s == Acked || s == Queued || s == FailedPermanent
}

// User-facing outcome messages.
const (
	MsgSubmitted    = "submitted successfully"
	MsgSavedOffline = "saved offline, will sync later"
)

// Result is the outcome of Submit.
type Result struct {
	State State
	// Entry is set when the payload was queued.
	Entry *queue.Entry
	// Durable is false when the queue or the response cache could not be
	// persisted; the data then lives in memory only.
	Durable bool
	// SendErr is the network error that caused an online submit to be queued.
	SendErr error
	// StorageErr is the persistence failure behind Durable=false.
	StorageErr error
	Message    string
}

// Outcome is one failed entry of a sync pass.
type Outcome struct {
	Entry queue.Entry
	Err   error
}

// PassResult summarizes a sync pass.
type PassResult struct {
	Attempted int
	Succeeded []queue.Entry
	// Failed entries stay queued for the next pass.
	Failed []Outcome
	// Rejected entries were refused by the server and moved to dead letters.
	Rejected []Outcome
	// Exhausted entries reached the attempt limit and moved to dead letters.
	Exhausted []Outcome
	// Remaining is the number of entries not attempted because the pass was
	// cancelled or the device was offline.
	Remaining int
	// StorageErr is set when the queue could not be read or committed.
	StorageErr error
}

// Empty reports whether the pass had nothing to send.
func (r PassResult) Empty() bool {
	return r.Attempted == 0 && r.Remaining == 0
}

// Retained returns how many entries are still queued after the pass.
func (r PassResult) Retained() int {
	return len(r.Failed) + r.Remaining
}

// Err aggregates every failure of the pass, or returns nil.
func (r PassResult) Err() error {
	var result *multierror.Error
	for _, set := range [][]Outcome{r.Failed, r.Rejected, r.Exhausted} {
		for _, o := range set {
			result = multierror.Append(result, fmt.Errorf("assignment %d: %w", o.Entry.Payload.AssignmentID, o.Err))
		}
	}
	if r.StorageErr != nil {
		result = multierror.Append(result, r.StorageErr)
	}
	return result.ErrorOrNil()
}

// Summary is a one-line description for logs and the CLI.
func (r PassResult) Summary() string {
	if r.Empty() {
		return "nothing to sync"
	}
	s := fmt.Sprintf("%d sent, %d failed", len(r.Succeeded), len(r.Failed))
	if n := len(r.Rejected) + len(r.Exhausted); n > 0 {
		s += fmt.Sprintf(", %d moved to dead letters", n)
	}
	if r.Remaining > 0 {
		s += fmt.Sprintf(", %d not attempted", r.Remaining)
	}
	return s
}
