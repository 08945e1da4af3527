package tui

import (
	"context"
	"math/big"
	"time"

	"veilix/pkg/activity"
	"veilix/pkg/chart"
	"veilix/pkg/models"
	"veilix/pkg/telemetry"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Version is set by Start()
var Version = "dev"

// Sessions is the session manager surface the dashboard drives.
type Sessions interface {
	Authenticate(ctx context.Context, appName string) (models.Session, error)
	Current() (models.Session, bool)
	Invalidate()
}

type Poller interface {
	PollNow(ctx context.Context) error
}

type Transferer interface {
	Transfer(ctx context.Context, to string, value *big.Int) (common.Hash, error)
}

type Deps struct {
	AppName     string
	ExplorerURL string
	Sessions    Sessions
	Merger      *telemetry.Merger
	Activity    *activity.Sink
	Chart       *chart.Chart
	Poller      Poller
	Actions     Transferer
	Logger      zerolog.Logger
}

// --- Messages ---

type clearStatusMsg struct{}
type uiTickMsg time.Time
type redrawMsg struct{}

type authResultMsg struct {
	session models.Session
	err     error
}

type pollResultMsg struct {
	err error
}

type transferResultMsg struct {
	hash common.Hash
	err  error
}

// --- Model ---

type model struct {
	deps Deps

	width         int
	height        int
	loading       bool
	spinner       spinner.Model
	statusMessage string
	showHelp      bool
	showLog       bool
	privacyMode   bool
	lastUpdate    time.Time

	session    *models.Session
	snapshot   *models.ChainSnapshot
	lastSample *models.TelemetrySample
	push       telemetry.PushStatus
	notices    []activity.Notice

	transferring   bool
	transferInputs []textinput.Model
	focusIdx       int

	viewport  viewport.Model
	events    telemetry.Subscriber
	noticeSub activity.Subscriber
}

func initialModel(deps Deps) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	tis := make([]textinput.Model, 2)
	for i := range tis {
		tis[i] = textinput.New()
		tis[i].Width = 44
	}
	tis[0].Placeholder = "Recipient (0x...)"
	tis[1].Placeholder = "Amount in ether (e.g. 0.5)"

	m := model{
		deps:           deps,
		loading:        true,
		spinner:        s,
		transferInputs: tis,
		viewport:       viewport.New(0, 0),
	}
	if sess, ok := deps.Sessions.Current(); ok {
		m.session = &sess
	}
	if snap, ok := deps.Merger.Latest(); ok {
		m.snapshot = &snap
		m.loading = false
	}
	m.push = deps.Merger.PushStatus()
	m.events = deps.Merger.Subscribe()
	m.noticeSub = deps.Activity.Subscribe()
	m.notices = deps.Activity.Notices()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		listenForMerger(m.events),
		listenForActivity(m.noticeSub),
		m.spinner.Tick,
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return uiTickMsg(t) }),
	)
}

func listenForMerger(sub telemetry.Subscriber) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub
		if !ok {
			return nil
		}
		return ev
	}
}

func listenForActivity(sub activity.Subscriber) tea.Cmd {
	return func() tea.Msg {
		n, ok := <-sub
		if !ok {
			return nil
		}
		return n
	}
}

func clearStatusAfter(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return clearStatusMsg{}
	})
}
