package activity

import (
	"sync"
	"time"

	"veilix/pkg/models"

	"github.com/rs/zerolog"
)

const DefaultNoticeTTL = 3 * time.Second

// Recorder is what producers of activity depend on.
type Recorder interface {
	Record(event models.ActivityEvent)
}

// Notice is the transient, user-facing form of an event.
type Notice struct {
	Event     models.ActivityEvent `json:"event"`
	ExpiresAt time.Time            `json:"expires_at"`
}

// Subscriber receives notices as they are recorded.
type Subscriber chan Notice

// Sink is the append-only activity log. Recording never fails and never blocks
// on slow subscribers.
type Sink struct {
	events      []models.ActivityEvent
	notices     []Notice
	ttl         time.Duration
	now         func() time.Time
	logger      zerolog.Logger
	subscribers []Subscriber
	mu          sync.RWMutex
}

type Option func(*Sink)

func WithNoticeTTL(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

func NewSink(opts ...Option) *Sink {
	s := &Sink{
		ttl:    DefaultNoticeTTL,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record appends event and forwards a notice to subscribers.
func (s *Sink) Record(event models.ActivityEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("activity sink recovered")
		}
	}()

	now := s.now()
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}
	notice := Notice{Event: event, ExpiresAt: now.Add(s.ttl)}

	s.mu.Lock()
	s.events = append(s.events, event)
	s.notices = append(s.notices, notice)
	s.pruneLocked(now)
	s.mu.Unlock()

	s.logger.Debug().Str("kind", string(event.Kind)).Msg(event.Message)
	s.notify(notice)
}

// Events returns a copy of the full log in recording order.
func (s *Sink) Events() []models.ActivityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ActivityEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Notices returns the notices that have not yet expired.
func (s *Sink) Notices() []Notice {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)
	out := make([]Notice, len(s.notices))
	copy(out, s.notices)
	return out
}

func (s *Sink) pruneLocked(now time.Time) {
	kept := s.notices[:0]
	for _, n := range s.notices {
		if now.Before(n.ExpiresAt) {
			kept = append(kept, n)
		}
	}
	s.notices = kept
}

// Subscribe adds a new subscriber and returns a channel to receive notices.
func (s *Sink) Subscribe() Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(Subscriber, 100)
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber.
func (s *Sink) Unsubscribe(ch Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

func (s *Sink) notify(n Notice) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subscribers {
		select {
		case sub <- n:
		default:
			s.logger.Debug().Msg("activity subscriber full, notice dropped")
		}
	}
}
