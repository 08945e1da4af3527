package tui

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"veilix/pkg/activity"
	"veilix/pkg/models"
	"veilix/pkg/utils"

	tea "github.com/charmbracelet/bubbletea"
)

func (m model) transferCmd(to string, value *big.Int) tea.Cmd {
	actions := m.deps.Actions
	return func() tea.Msg {
		if actions == nil {
			return transferResultMsg{err: fmt.Errorf("transfers are not available")}
		}
		hash, err := actions.Transfer(context.Background(), to, value)
		return transferResultMsg{hash: hash, err: err}
	}
}

func (m model) sessionLines() []string {
	if m.session == nil {
		return []string{
			subtleStyle.Render("Not signed in"),
			subtleStyle.Render("Press a to connect a wallet"),
		}
	}
	return []string{
		fmt.Sprintf("Account: %s", m.maskAddress(m.session.AccountID)),
		fmt.Sprintf("Name:    %s", m.maskString(m.session.DisplayName)),
		fmt.Sprintf("Wallet:  %s", m.session.Source),
	}
}

func (m model) chainLines() []string {
	if m.snapshot == nil {
		return []string{subtleStyle.Render("Waiting for first snapshot...")}
	}
	lines := []string{
		fmt.Sprintf("Block:      #%s", utils.AddCommas(fmt.Sprintf("%d", m.snapshot.BlockHeight))),
		fmt.Sprintf("Validators: %d", len(m.snapshot.Validators)),
	}
	if m.session != nil {
		if m.snapshot.Balance != nil {
			lines = append(lines, fmt.Sprintf("Balance:    %s", m.displayWei(m.snapshot.Balance)))
		} else {
			lines = append(lines, fmt.Sprintf("Balance:    %s", subtleStyle.Render("unavailable")))
		}
	}
	if m.lastSample != nil {
		lines = append(lines, fmt.Sprintf("Last point: #%d (%s)", m.lastSample.Sequence, m.lastSample.Source))
	}
	return lines
}

func (m model) pushLine() string {
	switch {
	case m.push.Connected:
		return infoStyle.Render("● live")
	case m.push.Error != "":
		return errStyle.Render("● offline: " + utils.TruncateString(m.push.Error, 40))
	default:
		return subtleStyle.Render("● not connected")
	}
}

// noticeLines renders live notices newest first.
func noticeLines(notices []activity.Notice, limit int) []string {
	var lines []string
	for i := len(notices) - 1; i >= 0 && len(lines) < limit; i-- {
		lines = append(lines, formatEvent(notices[i].Event))
	}
	return lines
}

func formatEvent(ev models.ActivityEvent) string {
	style := subtleStyle
	switch ev.Kind {
	case models.KindAuth:
		style = authStyle
	case models.KindTransaction, models.KindPost, models.KindComment, models.KindLike:
		style = infoStyle
	}
	if strings.Contains(strings.ToLower(ev.Message), "failed") {
		style = errStyle
	}
	return fmt.Sprintf("%s %-11s %s", ev.Timestamp.Format("15:04:05"), ev.Kind, style.Render(ev.Message))
}

func (m *model) updateLogViewport() {
	events := m.deps.Activity.Events()
	if len(events) == 0 {
		m.viewport.SetContent("No activity yet.")
		return
	}
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		lines = append(lines, formatEvent(ev))
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))
}

func sinceLabel(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t).Round(time.Second)
	if d < time.Second {
		return "just now"
	}
	return fmt.Sprintf("%s ago", d)
}
