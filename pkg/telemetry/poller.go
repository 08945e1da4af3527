package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"veilix/pkg/activity"
	"veilix/pkg/models"

	"github.com/rs/zerolog"
)

const DefaultPollInterval = 30 * time.Second

// SnapshotSource produces chain snapshots. Implemented by *chain.Client.
type SnapshotSource interface {
	Snapshot(ctx context.Context, accountID string) (models.ChainSnapshot, error)
}

// SessionSource reports the active session, if any. Implemented by
// *session.Manager.
type SessionSource interface {
	Current() (models.Session, bool)
}

// Poller drives the poll path: it reads a snapshot on every tick and offers it
// to the merger.
type Poller struct {
	source   SnapshotSource
	sessions SessionSource
	merger   *Merger
	interval time.Duration
	activity activity.Recorder
	logger   zerolog.Logger

	lastErr  error
	mu       sync.Mutex
	stopOnce sync.Once
	stopChan chan struct{}
}

type PollerOption func(*Poller)

func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithSessions(s SessionSource) PollerOption {
	return func(p *Poller) { p.sessions = s }
}

func WithPollerActivity(r activity.Recorder) PollerOption {
	return func(p *Poller) { p.activity = r }
}

func WithPollerLogger(l zerolog.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

func NewPoller(source SnapshotSource, merger *Merger, opts ...PollerOption) *Poller {
	p := &Poller{
		source:   source,
		merger:   merger,
		interval: DefaultPollInterval,
		logger:   zerolog.Nop(),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins the polling loop. The first poll runs immediately.
func (p *Poller) Start(ctx context.Context) {
	go p.loop(ctx)
}

// Stop ends the polling loop. It is safe to call more than once.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
}

func (p *Poller) loop(ctx context.Context) {
	_ = p.PollNow(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = p.PollNow(ctx)
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// PollNow takes one snapshot and offers it to the merger. The balance is read
// only when a session is present. Failures are logged, recorded as a notice
// and returned.
func (p *Poller) PollNow(ctx context.Context) error {
	account := ""
	if p.sessions != nil {
		if sess, ok := p.sessions.Current(); ok {
			account = sess.AccountID
		}
	}

	snap, err := p.source.Snapshot(ctx, account)
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
	if err != nil {
		p.logger.Warn().Err(err).Msg("poll failed")
		if p.activity != nil {
			p.activity.Record(models.ActivityEvent{
				Kind:    models.KindBlock,
				Message: fmt.Sprintf("Chain read failed: %v", err),
			})
		}
		return err
	}
	p.merger.OfferSnapshot(snap)
	return nil
}

// LastError returns the outcome of the most recent poll.
func (p *Poller) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}
