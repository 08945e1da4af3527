package tui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Start runs the dashboard until the user quits.
func Start(deps Deps, version string) error {
	Version = version
	m := initialModel(deps)
	defer deps.Merger.Unsubscribe(m.events)
	defer deps.Activity.Unsubscribe(m.noticeSub)

	p := tea.NewProgram(m, tea.WithAltScreen())

	// Send blocks until the program loop runs, so it goes on its own goroutine.
	deps.Chart.SetRedraw(func() {
		go p.Send(redrawMsg{})
	})
	defer deps.Chart.SetRedraw(nil)

	_, err := p.Run()
	return err
}
