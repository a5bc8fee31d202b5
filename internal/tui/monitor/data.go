package monitor

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/hashicorp/go-multierror"

	"github.com/marcus/fieldsync/internal/connectivity"
	"github.com/marcus/fieldsync/internal/queue"
	syncengine "github.com/marcus/fieldsync/internal/sync"
	"github.com/marcus/fieldsync/internal/version"
)

// Source is everything the dashboard reads and acts on.
type Source struct {
	Queue  *queue.Queue
	Conn   *connectivity.State
	Engine *syncengine.Engine
	// Versions, when set, is asked for the server version once at start.
	Versions version.Source
}

// ActivityItem is one line of the activity log.
type ActivityItem struct {
	Timestamp time.Time
	Type      string // "pass", "online", "offline", "requeue", "error"
	Message   string
}

// PassActivity converts a sync pass outcome into an activity item.
func PassActivity(r syncengine.PassResult, err error) ActivityItem {
	item := ActivityItem{Timestamp: time.Now(), Type: "pass", Message: r.Summary()}
	if err != nil {
		item.Type = "error"
		item.Message = fmt.Sprintf("%s: %v", item.Message, err)
	}
	return item
}

// ConnectivityActivity converts a connectivity change into an activity item.
func ConnectivityActivity(online bool) ActivityItem {
	if online {
		return ActivityItem{Timestamp: time.Now(), Type: "online", Message: "connection restored"}
	}
	return ActivityItem{Timestamp: time.Now(), Type: "offline", Message: "working offline"}
}

// RefreshDataMsg carries refreshed data
type RefreshDataMsg struct {
	Online    bool
	Pending   []queue.Entry
	Dead      []queue.Entry
	Err       error
	Timestamp time.Time
}

// FetchData reads the queue, dead letters and connectivity state. Storage
// errors are reported alongside the in-memory view.
func FetchData(ctx context.Context, src Source) RefreshDataMsg {
	msg := RefreshDataMsg{Timestamp: time.Now(), Online: src.Conn.IsOnline()}
	var errs *multierror.Error

	pending, err := src.Queue.Drain(ctx)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	msg.Pending = pending

	dead, err := src.Queue.DeadLetters(ctx)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	msg.Dead = dead

	msg.Err = errs.ErrorOrNil()
	return msg
}

// eventMsg delivers an item from the event channel.
type eventMsg ActivityItem

// activityMsg is an item produced by a dashboard action.
type activityMsg ActivityItem

// refreshMsg requests a data refresh.
type refreshMsg struct{}

// syncDoneMsg reports the end of a manual sync pass.
type syncDoneMsg struct{}

// waitForActivity blocks on the event channel. A closed channel stops the
// listener.
func waitForActivity(events <-chan ActivityItem) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		item, ok := <-events
		if !ok {
			return nil
		}
		return eventMsg(item)
	}
}

// runSync performs one pass. The outcome arrives through the event
// channel, so only completion is reported here.
func runSync(ctx context.Context, e *syncengine.Engine) tea.Cmd {
	return func() tea.Msg {
		_, _ = e.SyncPass(ctx)
		return syncDoneMsg{}
	}
}

// toggleOnline flips the connectivity flag.
func toggleOnline(ctx context.Context, c *connectivity.State) tea.Cmd {
	return func() tea.Msg {
		online := !c.IsOnline()
		if err := c.SetOnline(ctx, online); err != nil {
			return activityMsg{Timestamp: time.Now(), Type: "error", Message: fmt.Sprintf("saving connectivity: %v", err)}
		}
		return refreshMsg{}
	}
}

// requeueDead moves dead letters back to the queue and starts a sync.
func requeueDead(ctx context.Context, src Source) tea.Cmd {
	return func() tea.Msg {
		n, err := src.Queue.Requeue(ctx)
		if err != nil {
			return activityMsg{Timestamp: time.Now(), Type: "error", Message: fmt.Sprintf("requeue: %v", err)}
		}
		if n > 0 && src.Engine != nil {
			src.Engine.TriggerSync()
		}
		return activityMsg{Timestamp: time.Now(), Type: "requeue", Message: fmt.Sprintf("requeued %d dead letters", n)}
	}
}
