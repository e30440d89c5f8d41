package main

import "github.com/charmbracelet/lipgloss"

var (
	styleTitle     = lipgloss.NewStyle().Bold(true)
	styleDim       = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	styleAssistant = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	styleUser      = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	styleTool      = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
	styleError     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleOK        = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleBlocked   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)

	statusStyles = map[string]lipgloss.Style{
		"idle":      styleDim,
		"waiting":   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		"working":   styleAssistant,
		"blocked":   styleBlocked,
		"delivered": styleOK,
		"archived":  styleDim,
	}
)

func statusStyle(status string) lipgloss.Style {
	if s, ok := statusStyles[status]; ok {
		return s
	}
	return styleDim
}
