package compaction

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/JaimePolidura/SimpleDB/pkg/config"
	"github.com/JaimePolidura/SimpleDB/pkg/iterator"
	"github.com/JaimePolidura/SimpleDB/pkg/metrics"
	"github.com/JaimePolidura/SimpleDB/pkg/persistence"
	"github.com/JaimePolidura/SimpleDB/pkg/types"
)

// Oracle tells compaction which versions readers may still need.
type Oracle interface {
	GCWatermark() types.TxnID
	IsRolledBack(v types.TxnID) bool
}

// Task is a picked compaction. Its input tables are referenced until Run returns.
type Task struct {
	Source     int
	Target     int
	Inputs     []*persistence.SSTable
	BottomMost bool

	split bool
}

func (t *Task) inputIDs() []uint64 {
	ids := make([]uint64, len(t.Inputs))
	for i, in := range t.Inputs {
		ids[i] = in.ID()
	}
	return ids
}

func (t *Task) release() {
	persistence.Release(t.Inputs)
	t.Inputs = nil
}

// Compaction merges the tables of one keyspace. Tasks never run concurrently.
type Compaction struct {
	keyspace   types.KeyspaceID
	strategy   Strategy
	targetSize int

	sstables *persistence.SSTables
	manifest *persistence.Manifest
	oracle   Oracle
	metrics  metrics.Collector
	logger   *slog.Logger

	mu sync.Mutex
}

func New(
	ks types.KeyspaceID,
	cfg config.DB,
	sstables *persistence.SSTables,
	manifest *persistence.Manifest,
	oracle Oracle,
	collector metrics.Collector,
	logger *slog.Logger,
) (*Compaction, error) {
	strategy, err := ParseStrategy(cfg.Compaction)
	if err != nil {
		return nil, err
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Compaction{
		keyspace:   ks,
		strategy:   strategy,
		targetSize: cfg.Persistence.SSTable.TargetSizeBytes,
		sstables:   sstables,
		manifest:   manifest,
		oracle:     oracle,
		metrics:    collector,
		logger:     logger.With("keyspace", ks, "strategy", strategy.String()),
	}, nil
}

func (c *Compaction) Strategy() Strategy {
	return c.strategy
}

func (c *Compaction) snapshot() view {
	n := c.sstables.NumLevels()
	v := view{counts: make([]int, n), sizes: make([]int64, n)}
	for lvl := 0; lvl < n; lvl++ {
		v.counts[lvl] = c.sstables.LevelCount(lvl)
		v.sizes[lvl] = c.sstables.LevelSize(lvl)
	}
	return v
}

// Pick returns the next task, or false when nothing needs compaction.
func (c *Compaction) Pick() (*Task, bool) {
	v := c.snapshot()
	p, ok := c.strategy.pick(v)
	if !ok {
		return nil, false
	}

	task := &Task{
		Source: p.source,
		Target: p.target,
		split:  c.strategy.splitOutputs(),
	}

	switch p.mode {
	case modeOverlapping:
		source := c.sstables.Tables(p.source)
		if len(source) == 0 {
			return nil, false
		}
		lo, hi := source[0].MinKey(), source[0].MaxKey()
		for _, t := range source[1:] {
			lo = minKey(lo, t.MinKey())
			hi = maxKey(hi, t.MaxKey())
		}
		task.Inputs = append(task.Inputs, source...)
		for _, t := range c.sstables.Tables(p.target) {
			if t.Overlaps(lo, hi) {
				task.Inputs = append(task.Inputs, t)
			} else {
				t.Unref()
			}
		}
	case modeWholeLevel:
		task.Inputs = c.sstables.Tables(p.source)
	case modeFull:
		for lvl := p.source; lvl <= p.target; lvl++ {
			task.Inputs = append(task.Inputs, c.sstables.Tables(lvl)...)
		}
	}

	if len(task.Inputs) == 0 {
		return nil, false
	}

	// a whole level appended to a populated target may shadow older runs there
	task.BottomMost = p.mode != modeWholeLevel || c.sstables.LevelCount(p.target) == 0
	for lvl := p.target + 1; task.BottomMost && lvl < len(v.counts); lvl++ {
		if c.sstables.LevelCount(lvl) > 0 {
			task.BottomMost = false
			break
		}
	}
	return task, true
}

// RunOnce picks and runs a single task. It reports whether one was run.
func (c *Compaction) RunOnce() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.Pick()
	if !ok {
		return false, nil
	}
	return true, c.run(task)
}

// RunUntilDone runs tasks until none is picked and returns how many ran.
func (c *Compaction) RunUntilDone() (int, error) {
	for n := 0; ; n++ {
		ran, err := c.RunOnce()
		if err != nil || !ran {
			return n, err
		}
	}
}

func (c *Compaction) run(task *Task) error {
	defer task.release()

	start := time.Now()
	labels := map[string]string{metrics.LabelKeyspace: strconv.FormatUint(c.keyspace, 10)}
	watermark := c.oracle.GCWatermark()

	outputs, dropped, err := c.merge(task, watermark)
	if err != nil {
		for _, t := range outputs {
			t.MarkObsolete()
		}
		return errors.Wrapf(err, "failed to compact level %d into %d", task.Source, task.Target)
	}

	record := persistence.CompactionRecord{
		Level:          task.Source,
		Removed:        task.inputIDs(),
		ResultingLevel: task.Target,
	}
	for _, t := range outputs {
		record.Added = append(record.Added, t.ID())
		record.MaxVersion = max(record.MaxVersion, t.MaxVersion())
	}

	if err := c.manifest.LogCompaction(record); err != nil {
		for _, t := range outputs {
			t.MarkObsolete()
		}
		return errors.Wrap(err, "failed to log compaction")
	}

	c.sstables.Install(task.Inputs, outputs)
	for _, t := range task.Inputs {
		t.MarkObsolete()
	}

	c.metrics.IncCounter(metrics.Compactions, labels, 1)
	metrics.Since(c.metrics, metrics.CompactionSeconds, labels, start)
	c.logger.Info("compaction finished",
		"source_level", task.Source,
		"target_level", task.Target,
		"removed", record.Removed,
		"added", record.Added,
		"dropped_versions", dropped,
		"watermark", watermark,
		"took", time.Since(start))
	return nil
}

// merge writes the surviving versions of the task inputs into new tables of
// the target level. The outputs are not installed.
func (c *Compaction) merge(task *Task, watermark types.TxnID) ([]*persistence.SSTable, int, error) {
	sources := make([]iterator.Iterator, 0, len(task.Inputs))
	for _, t := range task.Inputs {
		sources = append(sources, t.Iterator(nil))
	}
	merged := iterator.NewMergeIterator(sources, iterator.WithAllVersions())
	gc := newGCIterator(merged, watermark, c.oracle.IsRolledBack, task.BottomMost)
	defer func() {
		if err := gc.Close(); err != nil {
			c.logger.Warn("failed to close compaction inputs", "error", err)
		}
	}()

	var (
		outputs []*persistence.SSTable
		builder *persistence.Builder
	)
	finish := func() error {
		if builder == nil || builder.Len() == 0 {
			return nil
		}
		t, err := c.sstables.Finish(builder)
		if err != nil {
			return err
		}
		outputs = append(outputs, t)
		builder = nil
		return nil
	}

	for gc.Next() {
		e := iterator.Entry(gc)
		if builder != nil && task.split && builder.EstimatedSize() >= c.targetSize &&
			!builder.LastKey().SameUser(e.Key) {
			if err := finish(); err != nil {
				return outputs, gc.dropped, err
			}
		}
		if builder == nil {
			builder = c.sstables.NewBuilder(task.Target)
		}
		builder.Add(e)
	}
	if err := gc.Err(); err != nil {
		return outputs, gc.dropped, err
	}
	if err := finish(); err != nil {
		return outputs, gc.dropped, err
	}
	return outputs, gc.dropped, nil
}

func minKey(a, b []byte) []byte {
	if string(a) <= string(b) {
		return a
	}
	return b
}

func maxKey(a, b []byte) []byte {
	if string(a) >= string(b) {
		return a
	}
	return b
}
