package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/bluerobotics/device-gateway/internal/device"
)

// View renders the UI
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if !m.ready {
		return fmt.Sprintf("%s Initializing...\n", m.spinner.View())
	}

	var b strings.Builder

	// Title
	title := titleStyle.Render("Device Gateway Monitor")
	b.WriteString(title)
	b.WriteString("\n")

	// Stats bar
	b.WriteString(m.renderStats())
	b.WriteString("\n")

	// Device table
	b.WriteString(m.renderDevices())
	b.WriteString("\n")

	// Event feed
	feedBox := boxStyle.Width(m.width - 4).Render(m.viewport.View())
	b.WriteString(feedBox)
	b.WriteString("\n")

	// Help
	help := helpStyle.Render("q: quit • c: clear feed • d: discover now • ↑/↓: scroll")
	b.WriteString(help)

	return b.String()
}

func (m Model) renderStats() string {
	uptime := time.Since(m.startTime).Round(time.Second)

	parts := []string{
		statLabelStyle.Render("Uptime: ") + statValueStyle.Render(uptime.String()),
		statLabelStyle.Render(" | Frames: ") + statValueStyle.Render(
			fmt.Sprintf("udp %d / serial %d", m.stats.UDPFrames, m.stats.SerialFrames)),
		statLabelStyle.Render(" | Telemetry: ") + statValueStyle.Render(
			fmt.Sprintf("%d", m.stats.TelemetryFrames)),
		statLabelStyle.Render(" | Commands: ") + statValueStyle.Render(
			fmt.Sprintf("%d", m.stats.CommandsSent)),
	}
	if m.stats.CommandErrors > 0 {
		parts = append(parts, statLabelStyle.Render(" | Errors: ")+
			errorStyle.Render(fmt.Sprintf("%d", m.stats.CommandErrors)))
	}

	return strings.Join(parts, "")
}

func (m Model) renderDevices() string {
	if len(m.devices) == 0 {
		return statLabelStyle.Render("No devices defined.")
	}

	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		b.WriteString(m.renderDeviceRow(m.devices[id]))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderDeviceRow(d *device.State) string {
	name := deviceNameStyle.Render(fmt.Sprintf("%-12s", d.ID))

	link := StatusIndicator(d.Connected)

	var addr string
	if d.Transport == device.TransportUSB {
		addr = d.SerialPort
		if addr == "" {
			addr = "no port"
		}
	} else if d.IP != nil {
		addr = fmt.Sprintf("%s:%d", d.IP, d.Port)
	} else {
		addr = "undiscovered"
	}

	age := "never"
	if !d.LastRx.IsZero() {
		age = time.Since(d.LastRx).Round(time.Second).String() + " ago"
	}

	fields := []string{
		statLabelStyle.Render(" " + string(d.Transport)),
		statValueStyle.Render(addr),
		statLabelStyle.Render("rx " + age),
	}
	if d.Firmware != "" {
		fields = append(fields, statLabelStyle.Render("fw "+d.Firmware))
	}

	return lipgloss.JoinHorizontal(lipgloss.Top, name, " ", link, " ", strings.Join(fields, "  "))
}

func (m Model) renderFeed() string {
	if len(m.feed) == 0 {
		return statLabelStyle.Render("No events yet. Waiting for device traffic...")
	}

	var b strings.Builder
	for _, line := range m.feed {
		b.WriteString(m.renderFeedLine(line))
		b.WriteString("\n")
	}

	return b.String()
}

func (m Model) renderFeedLine(line FeedLine) string {
	timeStr := feedTimeStyle.Render(line.Time.Format("15:04:05"))
	kind := feedKindStyle.Render(fmt.Sprintf("[%s]", line.Kind))

	name := ""
	if line.Device != "" {
		name = deviceNameStyle.Render(line.Device) + " "
	}

	return lipgloss.JoinHorizontal(lipgloss.Top,
		timeStr, " ", kind, " ", name, feedContentStyle.Render(line.Content))
}
