package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/bluerobotics/device-gateway/internal/event"
	"github.com/bluerobotics/device-gateway/internal/gateway"
)

// Update handles messages and updates the model
//
//nolint:gocritic // hugeParam: Model must be value receiver to implement tea.Model interface
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			m.sub.Close()
			return m, tea.Quit
		case "c":
			// Clear the event feed
			m.feed = make([]FeedLine, 0)
			m.viewport.SetContent(m.renderFeed())
		case "d":
			// Trigger an extra discovery round
			_ = m.service.TriggerDiscovery()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 6 + len(m.devices) // title + stats + device table
		footerHeight := 3                  // help text
		verticalMargins := headerHeight + footerHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width-4, msg.Height-verticalMargins)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = msg.Width - 4
			m.viewport.Height = msg.Height - verticalMargins
		}
		m.viewport.SetContent(m.renderFeed())

	case tickMsg:
		m.devices = m.service.Devices()
		m.stats = m.service.Stats()
		cmds = append(cmds, tickCmd())

	case eventMsg:
		m.addEvent(event.Event(msg))
		m.viewport.SetContent(m.renderFeed())
		m.viewport.GotoBottom()
		// Continue waiting for events
		cmds = append(cmds, waitForEvent(m.sub))

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	// Handle viewport updates
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m *Model) addEvent(e event.Event) {
	line := FeedLine{
		Time:   e.Timestamp,
		Device: e.Device,
		Kind:   string(e.Type),
	}

	switch e.Type {
	case event.TypeTelemetry:
		// Telemetry is high volume; the device table already shows the
		// latest values.
		return
	case event.TypeLog:
		if entry, ok := e.Data.(gateway.LogEntry); ok {
			line.Kind = entry.Type
			line.Content = entry.Message
		}
	case event.TypeDeviceUpdate:
		line.Content = "state changed"
	default:
		line.Content = fmt.Sprintf("%v", e.Data)
	}

	if line.Time.IsZero() {
		line.Time = time.Now()
	}
	m.feed = append(m.feed, line)

	// Trim to max lines
	if len(m.feed) > MaxFeedLines {
		m.feed = m.feed[len(m.feed)-MaxFeedLines:]
	}
}
