package monitor

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/fieldsync/internal/queue"
	"github.com/marcus/fieldsync/internal/version"
)

// Panel represents which panel is active
type Panel int

const (
	PanelQueue Panel = iota
	PanelDead
	PanelActivity
	panelCount
)

// Minimum terminal size for the full layout
const (
	MinWidth  = 60
	MinHeight = 15
)

// maxActivity bounds the activity log.
const maxActivity = 200

// Model is the main Bubble Tea model for the sync dashboard
type Model struct {
	ctx    context.Context
	src    Source
	events <-chan ActivityItem

	// Window dimensions
	Width  int
	Height int

	// Panel data
	Online   bool
	Pending  []queue.Entry
	Dead     []queue.Entry
	Activity []ActivityItem

	// UI state
	ActivePanel     Panel
	ScrollOffset    map[Panel]int
	ShowHelp        bool
	Syncing         bool
	LastRefresh     time.Time
	Err             error
	RefreshInterval time.Duration
	Version         string
	Server          *version.ServerVersionMsg

	keys    keyMap
	help    help.Model
	spinner spinner.Model
}

// TickMsg triggers a data refresh
type TickMsg time.Time

// NewModel creates a new dashboard model. events may be nil.
func NewModel(ctx context.Context, src Source, events <-chan ActivityItem, interval time.Duration, version string) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = syncingStyle
	return Model{
		ctx:             ctx,
		src:             src,
		events:          events,
		RefreshInterval: interval,
		Version:         version,
		ScrollOffset:    make(map[Panel]int),
		ActivePanel:     PanelQueue,
		keys:            defaultKeyMap(),
		help:            help.New(),
		spinner:         sp,
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		m.fetchData(),
		m.scheduleTick(),
		waitForActivity(m.events),
	}
	if m.src.Versions != nil {
		cmds = append(cmds, version.CheckAsync(m.ctx, m.src.Versions, m.Version))
	}
	return tea.Batch(cmds...)
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case TickMsg:
		return m, tea.Batch(m.fetchData(), m.scheduleTick())

	case refreshMsg:
		return m, m.fetchData()

	case RefreshDataMsg:
		m.Online = msg.Online
		m.Pending = msg.Pending
		m.Dead = msg.Dead
		m.Err = msg.Err
		m.LastRefresh = msg.Timestamp
		m.clampScroll()
		return m, nil

	case eventMsg:
		m.addActivity(ActivityItem(msg))
		return m, tea.Batch(m.fetchData(), waitForActivity(m.events))

	case activityMsg:
		m.addActivity(ActivityItem(msg))
		return m, m.fetchData()

	case version.ServerVersionMsg:
		m.Server = &msg
		return m, nil

	case syncDoneMsg:
		m.Syncing = false
		return m, m.fetchData()

	case spinner.TickMsg:
		if !m.Syncing {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// handleKey processes key input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.ShowHelp = !m.ShowHelp
		m.help.ShowAll = m.ShowHelp
		return m, nil

	case key.Matches(msg, m.keys.Tab):
		m.ActivePanel = (m.ActivePanel + 1) % panelCount
		return m, nil

	case key.Matches(msg, m.keys.ShiftTab):
		m.ActivePanel = (m.ActivePanel + panelCount - 1) % panelCount
		return m, nil

	case key.Matches(msg, m.keys.Down):
		m.ScrollOffset[m.ActivePanel]++
		m.clampScroll()
		return m, nil

	case key.Matches(msg, m.keys.Up):
		if m.ScrollOffset[m.ActivePanel] > 0 {
			m.ScrollOffset[m.ActivePanel]--
		}
		return m, nil

	case key.Matches(msg, m.keys.Refresh):
		return m, m.fetchData()

	case key.Matches(msg, m.keys.Sync):
		if m.Syncing || m.src.Engine == nil {
			return m, nil
		}
		m.Syncing = true
		return m, tea.Batch(m.spinner.Tick, runSync(m.ctx, m.src.Engine))

	case key.Matches(msg, m.keys.Toggle):
		return m, toggleOnline(m.ctx, m.src.Conn)

	case key.Matches(msg, m.keys.Requeue):
		return m, requeueDead(m.ctx, m.src)
	}

	return m, nil
}

// addActivity prepends an item, newest first.
func (m *Model) addActivity(item ActivityItem) {
	m.Activity = append([]ActivityItem{item}, m.Activity...)
	if len(m.Activity) > maxActivity {
		m.Activity = m.Activity[:maxActivity]
	}
}

// clampScroll keeps every scroll offset inside its list.
func (m *Model) clampScroll() {
	lengths := map[Panel]int{
		PanelQueue:    len(m.Pending),
		PanelDead:     len(m.Dead),
		PanelActivity: len(m.Activity),
	}
	for p, n := range lengths {
		if m.ScrollOffset[p] >= n {
			m.ScrollOffset[p] = max(n-1, 0)
		}
	}
}

// View implements tea.Model
func (m Model) View() string {
	return m.renderView()
}

// scheduleTick returns a command that sends a TickMsg after the refresh interval
func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.RefreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// fetchData returns a command that fetches all data and sends a RefreshDataMsg
func (m Model) fetchData() tea.Cmd {
	return func() tea.Msg {
		return FetchData(m.ctx, m.src)
	}
}
