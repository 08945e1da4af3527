package activity

import (
	"testing"
	"time"

	"veilix/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestRecord_AppendsAndStamps(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewSink(WithClock(clock.Now))

	s.Record(models.ActivityEvent{Kind: models.KindAuth, Message: "signed in"})
	stamped := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	s.Record(models.ActivityEvent{Kind: models.KindPost, Message: "posted", Timestamp: stamped})

	events := s.Events()
	require.Len(t, events, 2)
	assert.Equal(t, clock.t, events[0].Timestamp)
	assert.Equal(t, stamped, events[1].Timestamp)
	assert.Equal(t, models.KindPost, events[1].Kind)
}

func TestNotices_Expire(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	s := NewSink(WithClock(clock.Now))

	s.Record(models.ActivityEvent{Kind: models.KindBlock, Message: "block 1"})
	clock.Advance(2 * time.Second)
	s.Record(models.ActivityEvent{Kind: models.KindBlock, Message: "block 2"})

	assert.Len(t, s.Notices(), 2)

	clock.Advance(1 * time.Second)
	notices := s.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, "block 2", notices[0].Event.Message)

	clock.Advance(DefaultNoticeTTL)
	assert.Empty(t, s.Notices())
	// The log itself is never pruned.
	assert.Len(t, s.Events(), 2)
}

func TestNotices_CustomTTL(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	s := NewSink(WithClock(clock.Now), WithNoticeTTL(10*time.Second))
	s.Record(models.ActivityEvent{Kind: models.KindLike, Message: "liked"})
	clock.Advance(9 * time.Second)
	assert.Len(t, s.Notices(), 1)
}

func TestSubscribe(t *testing.T) {
	s := NewSink()
	sub := s.Subscribe()
	s.Record(models.ActivityEvent{Kind: models.KindComment, Message: "commented"})

	select {
	case n := <-sub:
		assert.Equal(t, "commented", n.Event.Message)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notice")
	}

	s.Unsubscribe(sub)
	_, open := <-sub
	assert.False(t, open)
}

func TestRecord_SlowSubscriberDoesNotBlock(t *testing.T) {
	s := NewSink()
	_ = s.Subscribe()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 250; i++ {
			s.Record(models.ActivityEvent{Kind: models.KindBlock, Message: "b"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full subscriber")
	}
	assert.Len(t, s.Events(), 250)
}
