package listener

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

// Job is a background task bound to the lifetime of its owner.
type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener runs handler for every value received on in, on its own goroutine.
// A failing input is retried with exponential backoff until it succeeds or the
// listener stops.
type Listener[T any] struct {
	name        string
	handler     func(input T) error
	stopHandler func()
	onFailure   func(err error, failures int)

	initialBackoff time.Duration
	maxBackoff     time.Duration

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

type Option func(*options)

type options struct {
	name           string
	stopHandler    func()
	onFailure      func(error, int)
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// WithName sets the name used in logs.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithStopHandler registers fn to run after the goroutine exited.
func WithStopHandler(fn func()) Option {
	return func(o *options) { o.stopHandler = fn }
}

// WithBackoff bounds the delay between retries of a failing input.
func WithBackoff(initial, max time.Duration) Option {
	return func(o *options) {
		o.initialBackoff = initial
		o.maxBackoff = max
	}
}

// WithFailureHandler is told about every failure with the count of consecutive failures.
// It is called with a nil error and zero count once an input succeeds again.
func WithFailureHandler(fn func(err error, failures int)) Option {
	return func(o *options) { o.onFailure = fn }
}

func New[T any](
	in <-chan T,
	handler func(T) error,
	opts ...Option,
) *Listener[T] {
	o := options{
		name:           "listener",
		stopHandler:    func() {},
		onFailure:      func(error, int) {},
		initialBackoff: 100 * time.Millisecond,
		maxBackoff:     10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Listener[T]{
		name:           o.name,
		in:             in,
		handler:        handler,
		cancel:         func() {},
		stopHandler:    o.stopHandler,
		onFailure:      o.onFailure,
		initialBackoff: o.initialBackoff,
		maxBackoff:     max(o.maxBackoff, o.initialBackoff),
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			if err := l.run(ctx); errors.Is(err, errListenerStopped) {
				return
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp := <-l.in:
		return l.handle(ctx, inp)
	case <-ctx.Done():
		return errListenerStopped
	}
}

func (l *Listener[T]) handle(ctx context.Context, inp T) error {
	backoff := l.initialBackoff
	for failures := 0; ; {
		err := l.handler(inp)
		if err == nil {
			if failures > 0 {
				l.onFailure(nil, 0)
			}
			return nil
		}

		failures++
		l.onFailure(err, failures)
		slog.Error("failed to handle input, retrying",
			"listener", l.name, "failures", failures, "backoff", backoff, "error", err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return errListenerStopped
		}
		backoff = min(backoff*2, l.maxBackoff)
	}
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
