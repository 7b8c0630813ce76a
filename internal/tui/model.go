// Package tui provides the terminal device monitor.
package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/bluerobotics/device-gateway/internal/device"
	"github.com/bluerobotics/device-gateway/internal/event"
	"github.com/bluerobotics/device-gateway/internal/gateway"
)

// MaxFeedLines is the maximum number of event lines to keep
const MaxFeedLines = 200

// Model represents the monitor state
type Model struct {
	// Service reference
	service *gateway.Service
	sub     *event.Subscriber

	// UI state
	width    int
	height   int
	ready    bool
	quitting bool

	// Components
	spinner  spinner.Model
	viewport viewport.Model

	// Data
	devices   map[string]*device.State
	stats     gateway.Stats
	feed      []FeedLine
	startTime time.Time
}

// FeedLine holds one event for display
type FeedLine struct {
	Time    time.Time
	Device  string
	Kind    string
	Content string
}

// New creates a new monitor model
func New(service *gateway.Service) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle

	return Model{
		service:   service,
		sub:       service.Subscribe(),
		devices:   service.Devices(),
		feed:      make([]FeedLine, 0),
		spinner:   s,
		startTime: time.Now(),
	}
}

// Init initializes the model
//
//nolint:gocritic // hugeParam: Model must be value receiver to implement tea.Model interface
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		tickCmd(),
		waitForEvent(m.sub),
	)
}

// tickMsg is sent periodically to update the UI
type tickMsg time.Time

// eventMsg is sent when a bus event arrives
type eventMsg event.Event

// tickCmd returns a command that sends a tick every second
func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// waitForEvent blocks on the bus subscription
func waitForEvent(sub *event.Subscriber) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-sub.Events()
		if !ok {
			return nil
		}
		return eventMsg(e)
	}
}
