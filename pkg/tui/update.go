package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"veilix/pkg/activity"
	"veilix/pkg/models"
	"veilix/pkg/telemetry"
	"veilix/pkg/utils"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"
)

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = max(msg.Width-6, 20)
		m.viewport.Height = max(msg.Height-8, 5)
		if m.showLog {
			m.updateLogViewport()
		}

	case telemetry.Event:
		cmds = append(cmds, listenForMerger(m.events))

		switch msg.Type {
		case telemetry.EventSnapshot:
			if snap, ok := msg.Data.(models.ChainSnapshot); ok {
				m.snapshot = &snap
				m.loading = false
				m.lastUpdate = time.Now()
			}
		case telemetry.EventSampleAccepted:
			if sample, ok := msg.Data.(models.TelemetrySample); ok {
				m.lastSample = &sample
				m.lastUpdate = time.Now()
			}
		case telemetry.EventPushStatus:
			if st, ok := msg.Data.(telemetry.PushStatus); ok {
				m.push = st
			}
		}

	case activity.Notice:
		cmds = append(cmds, listenForActivity(m.noticeSub))
		m.notices = m.deps.Activity.Notices()
		if m.showLog {
			m.updateLogViewport()
		}

	case authResultMsg:
		m.loading = false
		if msg.err != nil {
			m.session = nil
			m.statusMessage = fmt.Sprintf("Sign-in failed: %v", msg.err)
		} else {
			m.session = &msg.session
			m.statusMessage = fmt.Sprintf("Signed in as %s", msg.session.DisplayName)
			// Pick up the balance for the new account.
			cmds = append(cmds, m.pollCmd())
		}
		cmds = append(cmds, clearStatusAfter(2*time.Second))

	case pollResultMsg:
		m.loading = false
		if msg.err != nil {
			m.statusMessage = fmt.Sprintf("Refresh failed: %v", msg.err)
			cmds = append(cmds, clearStatusAfter(2*time.Second))
		}

	case transferResultMsg:
		m.loading = false
		if msg.err != nil {
			m.statusMessage = fmt.Sprintf("Transfer failed: %v", msg.err)
		} else {
			m.statusMessage = fmt.Sprintf("Transfer submitted: %s", utils.TruncateString(msg.hash.Hex(), 18))
		}
		cmds = append(cmds, clearStatusAfter(2*time.Second))

	case redrawMsg:
		// The chart is read on every View.

	case tea.KeyMsg:
		if m.transferring {
			return m.updateTransferForm(msg)
		}

		if msg.String() == "?" {
			m.showHelp = !m.showHelp
			return m, nil
		}
		if m.showHelp {
			if msg.String() == "q" || msg.String() == "esc" {
				m.showHelp = false
			}
			return m, nil
		}

		if m.showLog {
			switch msg.String() {
			case "L", "q", "esc":
				m.showLog = false
				return m, nil
			}
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit

		case "a":
			m.loading = true
			m.statusMessage = "Requesting wallet authorization..."
			cmds = append(cmds, m.authenticateCmd(), m.spinner.Tick)

		case "x":
			if m.session == nil {
				m.statusMessage = "Not signed in"
			} else {
				m.deps.Sessions.Invalidate()
				m.session = nil
				m.statusMessage = "Signed out"
			}
			cmds = append(cmds, clearStatusAfter(2*time.Second))

		case "r":
			m.loading = true
			m.statusMessage = "Refreshing data..."
			cmds = append(cmds, m.pollCmd(), m.spinner.Tick, clearStatusAfter(2*time.Second))

		case "c":
			if m.session == nil {
				m.statusMessage = "Sign in first (a)"
			} else if err := clipboard.WriteAll(m.session.AccountID); err != nil {
				m.statusMessage = "Failed to copy to clipboard"
			} else if m.privacyMode {
				m.statusMessage = "Full address copied (Privacy Mode active)!"
			} else {
				m.statusMessage = "Full address copied to clipboard!"
			}
			cmds = append(cmds, clearStatusAfter(2*time.Second))

		case "o":
			switch {
			case m.session == nil:
				m.statusMessage = "Sign in first (a)"
			case m.deps.ExplorerURL == "":
				m.statusMessage = "Explorer URL not configured"
			default:
				url := fmt.Sprintf("%s/address/%s", strings.TrimRight(m.deps.ExplorerURL, "/"), m.session.AccountID)
				if err := openBrowser(url); err != nil {
					m.statusMessage = fmt.Sprintf("Failed to open browser: %v", err)
				} else {
					m.statusMessage = "Opened in browser"
				}
			}
			cmds = append(cmds, clearStatusAfter(2*time.Second))

		case "t":
			if m.session == nil {
				m.statusMessage = "Sign in first (a)"
				cmds = append(cmds, clearStatusAfter(2*time.Second))
				break
			}
			m.transferring = true
			m.focusIdx = 0
			for i := range m.transferInputs {
				m.transferInputs[i].SetValue("")
				m.transferInputs[i].Blur()
			}
			cmds = append(cmds, m.transferInputs[0].Focus())

		case "L":
			m.showLog = true
			m.updateLogViewport()
			m.viewport.GotoBottom()

		case "P":
			m.privacyMode = !m.privacyMode
		}

	case uiTickMsg:
		m.notices = m.deps.Activity.Notices()
		cmds = append(cmds, tea.Tick(time.Second, func(t time.Time) tea.Msg { return uiTickMsg(t) }))

	case clearStatusMsg:
		m.statusMessage = ""
	}

	if m.loading {
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m model) updateTransferForm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.transferring = false
		return m, nil
	case "tab", "down":
		return m, m.focusInput((m.focusIdx + 1) % len(m.transferInputs))
	case "shift+tab", "up":
		return m, m.focusInput((m.focusIdx + len(m.transferInputs) - 1) % len(m.transferInputs))
	case "enter":
		if m.focusIdx < len(m.transferInputs)-1 {
			return m, m.focusInput(m.focusIdx + 1)
		}
		to := strings.TrimSpace(m.transferInputs[0].Value())
		value, err := utils.ParseUnits(m.transferInputs[1].Value(), 18)
		if err != nil {
			m.statusMessage = fmt.Sprintf("Invalid amount: %v", err)
			return m, clearStatusAfter(2 * time.Second)
		}
		m.transferring = false
		m.loading = true
		m.statusMessage = "Submitting transfer..."
		return m, tea.Batch(m.transferCmd(to, value), m.spinner.Tick)
	}

	var cmd tea.Cmd
	m.transferInputs[m.focusIdx], cmd = m.transferInputs[m.focusIdx].Update(msg)
	return m, cmd
}

func (m *model) focusInput(idx int) tea.Cmd {
	m.transferInputs[m.focusIdx].Blur()
	m.focusIdx = idx
	return m.transferInputs[idx].Focus()
}

func (m model) authenticateCmd() tea.Cmd {
	sessions, app := m.deps.Sessions, m.deps.AppName
	return func() tea.Msg {
		sess, err := sessions.Authenticate(context.Background(), app)
		return authResultMsg{session: sess, err: err}
	}
}

func (m model) pollCmd() tea.Cmd {
	poller := m.deps.Poller
	return func() tea.Msg {
		if poller == nil {
			return pollResultMsg{}
		}
		return pollResultMsg{err: poller.PollNow(context.Background())}
	}
}
