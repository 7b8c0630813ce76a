package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/bluerobotics/device-gateway/internal/gateway"
)

// Run starts the device monitor against the given gateway service
func Run(service *gateway.Service) error {
	model := New(service)
	program := tea.NewProgram(
		model,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("failed to run monitor: %w", err)
	}

	return nil
}
