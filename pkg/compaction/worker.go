package compaction

import (
	"context"
	"time"

	"github.com/JaimePolidura/SimpleDB/pkg/config"
	"github.com/JaimePolidura/SimpleDB/pkg/listener"
)

// Worker runs compaction on every tick of a ticker.
type Worker struct {
	ticker   *time.Ticker
	listener *listener.Listener[time.Time]
}

// NewWorker builds the background job of c. onFailure sees every failed round.
func (c *Compaction) NewWorker(cfg config.CompactionConfig, onFailure func(err error, failures int)) *Worker {
	w := &Worker{ticker: time.NewTicker(cfg.Frequency)}

	opts := []listener.Option{
		listener.WithName("compaction"),
		listener.WithBackoff(cfg.RetryBackoff, cfg.MaxRetryBackoff),
		listener.WithStopHandler(w.ticker.Stop),
	}
	if onFailure != nil {
		opts = append(opts, listener.WithFailureHandler(onFailure))
	}

	w.listener = listener.New(w.ticker.C, func(time.Time) error {
		_, err := c.RunUntilDone()
		return err
	}, opts...)
	return w
}

func (w *Worker) Start(ctx context.Context) {
	w.listener.Start(ctx)
}

func (w *Worker) Stop() {
	w.listener.Stop()
}
