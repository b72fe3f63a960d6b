package listener

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestListener_HandlesInputs(t *testing.T) {
	in := make(chan int, 3)
	var sum atomic.Int64
	stopped := false

	l := New(in, func(v int) error {
		sum.Add(int64(v))
		return nil
	}, WithStopHandler(func() { stopped = true }))
	l.Start(context.Background())

	in <- 1
	in <- 2
	in <- 3
	require.Eventually(t, func() bool { return sum.Load() == 6 }, time.Second, time.Millisecond)

	l.Stop()
	require.True(t, stopped)
}

func TestListener_RetriesWithBackoff(t *testing.T) {
	in := make(chan struct{}, 1)
	var (
		calls     atomic.Int32
		lastCount atomic.Int32
		recovered atomic.Bool
	)

	l := New(in, func(struct{}) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	},
		WithBackoff(time.Millisecond, 4*time.Millisecond),
		WithFailureHandler(func(err error, failures int) {
			if err == nil {
				recovered.Store(true)
				return
			}
			lastCount.Store(int32(failures))
		}),
	)
	l.Start(context.Background())
	defer l.Stop()

	in <- struct{}{}
	require.Eventually(t, recovered.Load, time.Second, time.Millisecond)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, int32(2), lastCount.Load())
}

func TestListener_StopInterruptsBackoff(t *testing.T) {
	in := make(chan struct{}, 1)
	l := New(in, func(struct{}) error {
		return errors.New("always failing")
	}, WithBackoff(time.Hour, time.Hour))
	l.Start(context.Background())

	in <- struct{}{}
	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop blocked on backoff")
	}
}
