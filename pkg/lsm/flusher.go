package lsm

import (
	"context"

	"github.com/JaimePolidura/SimpleDB/pkg/config"
	"github.com/JaimePolidura/SimpleDB/pkg/listener"
)

// Flusher writes the inactive memtables of a keyspace to level 0 in the
// background. A signal on in means at least one memtable is waiting.
type Flusher struct {
	ks       *Keyspace
	in       chan struct{}
	listener *listener.Listener[struct{}]
}

func newFlusher(ks *Keyspace, cfg config.DB) *Flusher {
	f := &Flusher{
		ks: ks,
		in: make(chan struct{}, max(cfg.Memtable.FlushChanBuffSize, 1)),
	}
	f.listener = listener.New(f.in, f.flush,
		listener.WithName("flusher"),
		listener.WithBackoff(cfg.Compaction.RetryBackoff, cfg.Compaction.MaxRetryBackoff),
		listener.WithFailureHandler(ks.onBackgroundFailure("flush")),
	)
	return f
}

// Notify asks for a flush without blocking.
func (f *Flusher) Notify() {
	select {
	case f.in <- struct{}{}:
	default:
		// a signal is already pending
	}
}

func (f *Flusher) flush(struct{}) error {
	for f.ks.memtables.Oldest() != nil {
		if err := f.ks.flushOldest(); err != nil {
			return err
		}
	}
	return nil
}

func (f *Flusher) Start(ctx context.Context) {
	f.listener.Start(ctx)
}

func (f *Flusher) Stop() {
	f.listener.Stop()
}
