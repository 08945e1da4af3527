// Package push consumes the live block feed. A subscription is a lazy,
// non-restartable stream: it emits connect, then data events, then a single
// disconnect before the channel closes.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"veilix/pkg/models"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type options struct {
	dialer      *websocket.Dialer
	logger      zerolog.Logger
	bufferSize  int
	readTimeout time.Duration
}

type Option func(*options)

func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithReadTimeout sets an idle deadline after which the stream is considered
// dead. Zero waits forever.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) { o.readTimeout = d }
}

// Subscribe dials url in the background and returns the event stream. Dial
// failures surface as a disconnect event carrying the error.
func Subscribe(ctx context.Context, url string, opts ...Option) <-chan models.PushEvent {
	o := options{
		dialer:     websocket.DefaultDialer,
		logger:     zerolog.Nop(),
		bufferSize: 64,
	}
	for _, opt := range opts {
		opt(&o)
	}

	out := make(chan models.PushEvent, o.bufferSize)
	go run(ctx, url, o, out)
	return out
}

func run(ctx context.Context, url string, o options, out chan<- models.PushEvent) {
	defer close(out)

	emit := func(ev models.PushEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	conn, _, err := o.dialer.DialContext(ctx, url, nil)
	if err != nil {
		o.logger.Warn().Err(err).Str("url", url).Msg("push channel dial failed")
		emit(models.PushEvent{Type: models.PushDisconnect, Err: err})
		return
	}
	defer func() { _ = conn.Close() }()

	// Unblock ReadMessage when the context ends.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	o.logger.Info().Str("url", url).Msg("push channel connected")
	if !emit(models.PushEvent{Type: models.PushConnect}) {
		return
	}

	for {
		if o.readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(o.readTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			o.logger.Info().Err(err).Str("url", url).Msg("push channel disconnected")
			emit(models.PushEvent{Type: models.PushDisconnect, Err: err})
			return
		}
		if !emit(Decode(data)) {
			return
		}
	}
}

// Decode turns one frame into a data event. Frames that are not JSON objects
// carry ErrMalformedPushPayload; missing fields are left nil for the consumer
// to judge.
func Decode(data []byte) models.PushEvent {
	var p models.PushPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return models.PushEvent{Type: models.PushData, Err: fmt.Errorf("%w: %v", models.ErrMalformedPushPayload, err)}
	}
	return models.PushEvent{Type: models.PushData, Payload: p}
}
