package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

func (m model) View() string {
	if m.showHelp {
		return m.viewHelp()
	}
	if m.transferring {
		return m.viewTransfer()
	}
	if m.showLog {
		return m.viewLog()
	}

	header := titleStyle.Render(fmt.Sprintf("%s %s", m.deps.AppName, Version))
	if m.loading {
		header = lipgloss.JoinHorizontal(lipgloss.Center, header, " ", m.spinner.View())
	}

	left := boxStyle.Width(46).Render(lipgloss.JoinVertical(lipgloss.Left,
		labelStyle.Render("Session"),
		strings.Join(m.sessionLines(), "\n"),
	))
	right := boxStyle.Width(46).Render(lipgloss.JoinVertical(lipgloss.Left,
		lipgloss.JoinHorizontal(lipgloss.Left, labelStyle.Render("Chain"), "  ", m.pushLine()),
		strings.Join(m.chainLines(), "\n"),
		subtleStyle.Render("Updated "+sinceLabel(m.lastUpdate, time.Now())),
	))
	top := lipgloss.JoinHorizontal(lipgloss.Top, left, right)

	graphWidth := max(lipgloss.Width(top)-16, 20)
	graph := m.deps.Chart.RenderSize(graphWidth, 10)
	graphBox := boxStyle.Width(lipgloss.Width(top) - 2).Render(graph)

	notices := noticeLines(m.notices, 5)
	noticeBox := ""
	if len(notices) > 0 {
		noticeBox = strings.Join(notices, "\n")
	}

	status := ""
	if m.statusMessage != "" {
		status = infoStyle.Render(m.statusMessage)
	}

	footer := subtleStyle.Render("a: sign in • x: sign out • t: transfer • r: refresh • c: copy • L: log • ?: help • q: quit")

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		top,
		graphBox,
		noticeBox,
		status,
		footer,
	)
}

func (m model) viewTransfer() string {
	labels := []string{"To", "Amount"}
	var inputs []string
	for i, label := range labels {
		inputs = append(inputs, fmt.Sprintf("%-8s %s", label, m.transferInputs[i].View()))
	}
	status := ""
	if m.statusMessage != "" {
		status = errStyle.Render(m.statusMessage)
	}
	return lipgloss.Place(
		m.width, m.height, lipgloss.Center, lipgloss.Center,
		boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("New Transfer"),
			"\n",
			fmt.Sprintf("From: %s", m.maskAddress(m.session.AccountID)),
			"\n",
			strings.Join(inputs, "\n"),
			status,
			"\n",
			subtleStyle.Render("Enter to next/submit • Esc to cancel"),
		)),
	)
}

func (m model) viewLog() string {
	header := titleStyle.Render("Activity Log")
	content := boxStyle.Render(m.viewport.View())
	footer := subtleStyle.Render("↑/↓: scroll • L/q/esc: back")
	return lipgloss.JoinVertical(lipgloss.Left, header, content, footer)
}

func (m model) viewHelp() string {
	shortcuts := []string{
		"a: Sign In With Wallet",
		"x: Sign Out",
		"t: New Transfer",
		"r: Refresh Now",
		"c: Copy Address",
		"o: Open Account In Explorer",
		"L: Activity Log",
		"P: Toggle Privacy",
		"q: Quit",
		"?: Toggle Help",
	}

	header := titleStyle.Render("Help: Dashboard")
	content := boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, header, "\n", strings.Join(shortcuts, "\n")))
	footer := subtleStyle.Render("Press '?' or 'esc' to close")

	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, lipgloss.JoinVertical(lipgloss.Center, content, "\n", footer))
}
