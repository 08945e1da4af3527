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

// State of the series.
type State int

const (
	StateEmpty State = iota
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "ACTIVE"
	}
	return "EMPTY"
}

// ChartSink receives one point per accepted sample.
type ChartSink interface {
	AppendPoint(x, y float64)
}

// Merger folds poll and push observations into one series ordered strictly by
// block height. It is the only writer of the series.
type Merger struct {
	series    []models.TelemetrySample
	last      uint64
	hasLast   bool
	retention int
	snapshot  *models.ChainSnapshot
	pushState PushStatus

	chart    ChartSink
	activity activity.Recorder
	logger   zerolog.Logger
	now      func() time.Time

	subscribers []Subscriber
	mu          sync.RWMutex

	// Accepted samples waiting for the chart and activity sinks.
	pending []models.TelemetrySample
	sinkMu  sync.Mutex
}

type Option func(*Merger)

func WithChart(c ChartSink) Option {
	return func(m *Merger) { m.chart = c }
}

func WithActivity(r activity.Recorder) Option {
	return func(m *Merger) { m.activity = r }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Merger) { m.logger = l }
}

// WithRetention keeps at most n samples. Zero or less keeps everything.
func WithRetention(n int) Option {
	return func(m *Merger) { m.retention = n }
}

func WithClock(now func() time.Time) Option {
	return func(m *Merger) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMerger(opts ...Option) *Merger {
	m := &Merger{
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OfferSnapshot folds a poll result into the series and keeps it as the latest
// snapshot. It reports whether a sample was appended.
func (m *Merger) OfferSnapshot(snap models.ChainSnapshot) bool {
	m.mu.Lock()
	cp := snap
	m.snapshot = &cp
	m.mu.Unlock()
	m.notify(Event{Type: EventSnapshot, Data: snap})

	return m.Offer(models.TelemetrySample{
		Sequence:       snap.BlockHeight,
		ValidatorCount: len(models.NormalizeValidators(snap.Validators)),
		Source:         models.SourcePoll,
	})
}

// OfferPush folds a push payload into the series. Payloads missing either field
// are logged and dropped.
func (m *Merger) OfferPush(p models.PushPayload) bool {
	if p.BlockNumber == nil || p.Validators == nil {
		m.logger.Warn().
			Bool("has_block_number", p.BlockNumber != nil).
			Bool("has_validators", p.Validators != nil).
			Msg("dropping malformed push payload")
		return false
	}
	return m.Offer(models.TelemetrySample{
		Sequence:       *p.BlockNumber,
		ValidatorCount: len(models.NormalizeValidators(p.Validators)),
		Source:         models.SourcePush,
	})
}

// Offer appends sample only if its sequence is strictly greater than the last
// appended one. Ties and regressions are logged and dropped.
func (m *Merger) Offer(sample models.TelemetrySample) bool {
	if sample.ObservedAt.IsZero() {
		sample.ObservedAt = m.now()
	}

	m.mu.Lock()
	if m.hasLast && sample.Sequence <= m.last {
		last := m.last
		m.mu.Unlock()
		m.logger.Debug().
			Uint64("sequence", sample.Sequence).
			Uint64("last", last).
			Str("source", sample.Source.String()).
			Msg("dropping stale sample")
		return false
	}

	m.series = append(m.series, sample)
	m.last = sample.Sequence
	m.hasLast = true
	if m.retention > 0 && len(m.series) > m.retention {
		m.series = append([]models.TelemetrySample(nil), m.series[len(m.series)-m.retention:]...)
	}
	if m.chart != nil || m.activity != nil {
		m.pending = append(m.pending, sample)
	}
	m.notifyLocked(Event{Type: EventSampleAccepted, Data: sample})
	m.mu.Unlock()

	m.logger.Debug().
		Uint64("sequence", sample.Sequence).
		Int("validators", sample.ValidatorCount).
		Str("source", sample.Source.String()).
		Msg("sample accepted")
	m.flush()
	return true
}

// flush hands pending samples to the sinks in acceptance order without holding
// mu, so a sink may read the merger. One goroutine delivers at a time; a
// concurrent or nested Offer leaves its sample to the current deliverer.
func (m *Merger) flush() {
	for {
		if !m.sinkMu.TryLock() {
			return
		}
		for {
			m.mu.Lock()
			if len(m.pending) == 0 {
				m.mu.Unlock()
				break
			}
			sample := m.pending[0]
			m.pending = m.pending[1:]
			m.mu.Unlock()
			m.deliver(sample)
		}
		m.sinkMu.Unlock()

		// A sample queued between the last check and the unlock would
		// otherwise wait for the next Offer.
		m.mu.RLock()
		n := len(m.pending)
		m.mu.RUnlock()
		if n == 0 {
			return
		}
	}
}

func (m *Merger) deliver(sample models.TelemetrySample) {
	if m.chart != nil {
		m.chart.AppendPoint(float64(sample.Sequence), float64(sample.ValidatorCount))
	}
	if m.activity != nil {
		m.activity.Record(models.ActivityEvent{
			Timestamp: sample.ObservedAt,
			Kind:      models.KindBlock,
			Message:   fmt.Sprintf("Block #%d with %d validators (%s)", sample.Sequence, sample.ValidatorCount, sample.Source),
		})
	}
}

// Consume folds push events until the channel closes or ctx ends.
func (m *Merger) Consume(ctx context.Context, events <-chan models.PushEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handlePush(ev)
		}
	}
}

func (m *Merger) handlePush(ev models.PushEvent) {
	switch ev.Type {
	case models.PushConnect:
		m.setPushStatus(PushStatus{Connected: true})
	case models.PushDisconnect:
		st := PushStatus{}
		if ev.Err != nil {
			st.Error = ev.Err.Error()
		}
		m.setPushStatus(st)
	case models.PushData:
		if ev.Err != nil {
			m.logger.Warn().Err(ev.Err).Msg("dropping malformed push payload")
			return
		}
		m.OfferPush(ev.Payload)
	default:
		m.logger.Warn().Str("type", string(ev.Type)).Msg("unknown push event")
	}
}

func (m *Merger) setPushStatus(st PushStatus) {
	m.mu.Lock()
	m.pushState = st
	m.mu.Unlock()
	m.logger.Info().Bool("connected", st.Connected).Str("error", st.Error).Msg("push channel status")
	m.notify(Event{Type: EventPushStatus, Data: st})
}

// Series returns a copy of the accepted samples.
func (m *Merger) Series() []models.TelemetrySample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.TelemetrySample, len(m.series))
	copy(out, m.series)
	return out
}

func (m *Merger) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.hasLast {
		return StateActive
	}
	return StateEmpty
}

// Latest returns the most recent poll snapshot.
func (m *Merger) Latest() (models.ChainSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshot == nil {
		return models.ChainSnapshot{}, false
	}
	return *m.snapshot, true
}

func (m *Merger) PushStatus() PushStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pushState
}

// Subscribe adds a new subscriber and returns a channel to receive events.
func (m *Merger) Subscribe() Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(Subscriber, 100)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber.
func (m *Merger) Unsubscribe(ch Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.subscribers {
		if sub == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

func (m *Merger) notify(event Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.notifyLocked(event)
}

func (m *Merger) notifyLocked(event Event) {
	for _, sub := range m.subscribers {
		select {
		case sub <- event:
		default:
			// Slow subscriber, drop.
		}
	}
}
