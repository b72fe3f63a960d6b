package lsm

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/JaimePolidura/SimpleDB/pkg/compaction"
	"github.com/JaimePolidura/SimpleDB/pkg/config"
	"github.com/JaimePolidura/SimpleDB/pkg/dberrors"
	"github.com/JaimePolidura/SimpleDB/pkg/iterator"
	"github.com/JaimePolidura/SimpleDB/pkg/listener"
	"github.com/JaimePolidura/SimpleDB/pkg/memtable"
	"github.com/JaimePolidura/SimpleDB/pkg/metrics"
	"github.com/JaimePolidura/SimpleDB/pkg/persistence"
	"github.com/JaimePolidura/SimpleDB/pkg/txn"
	"github.com/JaimePolidura/SimpleDB/pkg/types"
)

// Keyspace is one independent LSM tree: its memtables, levels and manifest.
type Keyspace struct {
	id   types.KeyspaceID
	desc Descriptor
	dir  string
	cfg  config.DB

	memtables *memtable.Memtables
	sstables  *persistence.SSTables
	manifest  *persistence.Manifest

	manager    *txn.Manager
	compaction *compaction.Compaction
	flusher    *Flusher
	// background jobs in start order
	jobs       []listener.Job

	// serializes writes with rotation so nothing lands in a memtable being flushed
	applyMu sync.Mutex
	flushMu sync.Mutex

	flushFailures atomic.Int32

	labels  map[string]string
	metrics metrics.Collector
	logger  *slog.Logger
}

func createKeyspace(cfg config.DB, dir string, id types.KeyspaceID, collector metrics.Collector, logger *slog.Logger) (*Keyspace, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, dberrors.IOFailure(err, "failed to create keyspace directory %s", dir)
	}
	if err := writeDescriptor(dir, newDescriptor(id)); err != nil {
		return nil, err
	}
	ks, _, err := openKeyspace(cfg, dir, collector, logger)
	return ks, err
}

// openKeyspace recovers the keyspace in dir and returns the highest version it stores.
func openKeyspace(cfg config.DB, dir string, collector metrics.Collector, logger *slog.Logger) (*Keyspace, types.TxnID, error) {
	desc, err := readDescriptor(dir)
	if err != nil {
		return nil, 0, err
	}

	manifest, state, err := persistence.OpenManifest(dir)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to open manifest of keyspace %d", desc.ID)
	}

	cache := persistence.NewBlockCache(cfg.Persistence.Cache.Capacity)
	sstables, tablesMax, err := persistence.OpenSSTables(cfg.Persistence, dir, state, cache)
	if err != nil {
		_ = manifest.Close()
		return nil, 0, errors.Wrapf(err, "failed to open sstables of keyspace %d", desc.ID)
	}

	memtables, memMax, err := memtable.New(cfg.Memtable, dir, state.FlushedMemtable)
	if err != nil {
		sstables.Close()
		_ = manifest.Close()
		return nil, 0, errors.Wrapf(err, "failed to recover memtables of keyspace %d", desc.ID)
	}

	ks := &Keyspace{
		id:        desc.ID,
		desc:      desc,
		dir:       dir,
		cfg:       cfg,
		memtables: memtables,
		sstables:  sstables,
		manifest:  manifest,
		labels:    map[string]string{metrics.LabelKeyspace: strconv.FormatUint(desc.ID, 10)},
		metrics:   collector,
		logger:    logger.With("keyspace", desc.ID),
	}

	maxVersion := max(state.MaxVersion, tablesMax, memMax)
	ks.logger.Info("keyspace recovered",
		"uuid", desc.UUID,
		"tables", len(state.TableIDs()),
		"inactive_memtables", memtables.InactiveCount(),
		"max_version", maxVersion)
	return ks, maxVersion, nil
}

// attach wires the keyspace to the transaction manager, which only exists once
// every keyspace was recovered.
func (k *Keyspace) attach(manager *txn.Manager) error {
	c, err := compaction.New(k.id, k.cfg, k.sstables, k.manifest, manager, k.metrics, k.logger)
	if err != nil {
		return err
	}
	k.manager = manager
	k.compaction = c
	k.flusher = newFlusher(k, k.cfg)
	k.jobs = []listener.Job{k.flusher, c.NewWorker(k.cfg.Compaction, k.onBackgroundFailure("compaction"))}
	return nil
}

func (k *Keyspace) start(ctx context.Context) {
	for _, job := range k.jobs {
		job.Start(ctx)
	}
	if k.memtables.InactiveCount() > 0 {
		k.flusher.Notify()
	}
}

func (k *Keyspace) ID() types.KeyspaceID {
	return k.id
}

func (k *Keyspace) Descriptor() Descriptor {
	return k.desc
}

func (k *Keyspace) onBackgroundFailure(job string) func(error, int) {
	labels := map[string]string{metrics.LabelKeyspace: k.labels[metrics.LabelKeyspace], metrics.LabelJob: job}
	return func(err error, failures int) {
		if err == nil {
			k.logger.Info("background job recovered", "job", job)
			return
		}
		k.metrics.IncCounter(metrics.BackgroundFailures, labels, 1)
	}
}

func (k *Keyspace) stalled() bool {
	limit := k.cfg.Compaction.StallAfterFailures
	return limit > 0 && int(k.flushFailures.Load()) >= limit
}

func (k *Keyspace) get(user []byte, visible types.Visibility) (types.Entry, bool, error) {
	if e, ok := k.memtables.Get(user, visible); ok {
		return e, true, nil
	}
	return k.sstables.Get(user, visible)
}

// newestVersion relies on versions of a key being committed in increasing
// order, so anything in a memtable is newer than what the levels hold.
func (k *Keyspace) newestVersion(user []byte, skip types.Visibility) (types.TxnID, bool, error) {
	if v, ok := k.memtables.NewestVersion(user, skip); ok {
		return v, true, nil
	}
	return k.sstables.NewestVersion(user, skip)
}

func (k *Keyspace) apply(entries []types.Entry) error {
	k.applyMu.Lock()
	defer k.applyMu.Unlock()

	err := k.memtables.Apply(entries, k.flushOldest)
	if k.memtables.InactiveCount() > 0 {
		k.flusher.Notify()
	}
	k.metrics.SetGauge(metrics.MemtableBytes, k.labels, float64(k.memtables.Bytes()))
	return err
}

// iterators returns the storage side of a scan: memtables merged with levels.
func (k *Keyspace) iterators(from []byte, visible types.Visibility) iterator.Iterator {
	mem := iterator.NewMergeIterator(k.memtables.Iterators(from, visible))
	disk := iterator.NewMergeIterator(k.sstables.Iterators(from, visible))
	return iterator.NewTwoMergeIterator(mem, disk)
}

// flushOldest writes the oldest inactive memtable to level 0, if any.
func (k *Keyspace) flushOldest() error {
	k.flushMu.Lock()
	defer k.flushMu.Unlock()

	mt := k.memtables.Oldest()
	if mt == nil || !mt.SetFlushing() {
		return nil
	}

	if err := k.flush(mt); err != nil {
		mt.RevertFlushing()
		failures := k.flushFailures.Add(1)
		k.logger.Error("failed to flush memtable", "memtable", mt.ID(), "failures", failures, "error", err)
		return err
	}
	k.flushFailures.Store(0)
	return nil
}

func (k *Keyspace) flush(mt *memtable.MemTable) error {
	start := time.Now()

	builder := k.sstables.NewBuilder(0)
	var dropped int
	for _, e := range mt.Entries() {
		if k.manager.IsRolledBack(e.Key.Version) {
			dropped++
			continue
		}
		builder.Add(e)
	}

	var table *persistence.SSTable
	if builder.Len() > 0 {
		t, err := k.sstables.Finish(builder)
		if err != nil {
			return errors.Wrapf(err, "failed to write memtable %d", mt.ID())
		}
		table = t

		err = k.manifest.LogFlush(persistence.FlushRecord{
			MemtableID: mt.ID(),
			SSTableID:  table.ID(),
			Level:      0,
			MaxVersion: table.MaxVersion(),
		})
		if err != nil {
			table.MarkObsolete()
			return errors.Wrapf(err, "failed to log flush of memtable %d", mt.ID())
		}
		k.sstables.Install(nil, []*persistence.SSTable{table})
	}

	k.memtables.Remove(mt)
	mt.SetFlushed()
	if err := mt.DeleteWal(); err != nil {
		// a leftover WAL only holds flushed or rolled back versions
		k.logger.Warn("failed to delete WAL of flushed memtable", "memtable", mt.ID(), "error", err)
	}

	k.metrics.IncCounter(metrics.Flushes, k.labels, 1)
	metrics.Since(k.metrics, metrics.FlushSeconds, k.labels, start)
	k.metrics.SetGauge(metrics.MemtableBytes, k.labels, float64(k.memtables.Bytes()))

	attrs := []any{"memtable", mt.ID(), "dropped_versions", dropped, "took", time.Since(start)}
	if table != nil {
		attrs = append(attrs, "sstable", table.ID(), "bytes", table.Size())
	}
	k.logger.Debug("memtable flushed", attrs...)
	return nil
}

// Flush rotates the active memtable and writes every inactive one to level 0.
func (k *Keyspace) Flush() error {
	k.applyMu.Lock()
	var err error
	if !k.memtables.Active().IsEmpty() {
		err = k.memtables.Rotate()
	}
	k.applyMu.Unlock()
	if err != nil {
		return err
	}

	for k.memtables.Oldest() != nil {
		if err := k.flushOldest(); err != nil {
			return err
		}
	}
	return nil
}

// flushExcess brings the inactive list back under its limit after recovery.
func (k *Keyspace) flushExcess() error {
	for k.memtables.InactiveCount() > k.cfg.Memtable.MaxInactive {
		if err := k.flushOldest(); err != nil {
			return err
		}
	}
	return nil
}

// Compact runs compaction tasks until none is left.
func (k *Keyspace) Compact() (int, error) {
	return k.compaction.RunUntilDone()
}

// LevelStats describes one level.
type LevelStats struct {
	Level  int
	Tables int
	Bytes  int64
}

// Stats is a point-in-time view of a keyspace.
type Stats struct {
	Keyspace          types.KeyspaceID
	MemtableBytes     int64
	InactiveMemtables int
	Levels            []LevelStats
	CacheHits         uint64
	CacheMisses       uint64
	FlushFailures     int
	Stalled           bool
}

func (k *Keyspace) Stats() Stats {
	s := Stats{
		Keyspace:          k.id,
		MemtableBytes:     k.memtables.Bytes(),
		InactiveMemtables: k.memtables.InactiveCount(),
		FlushFailures:     int(k.flushFailures.Load()),
		Stalled:           k.stalled(),
	}
	s.CacheHits, s.CacheMisses = k.sstables.Cache().Stats()

	for lvl := 0; lvl < k.sstables.NumLevels(); lvl++ {
		n := k.sstables.LevelCount(lvl)
		if n == 0 {
			continue
		}
		s.Levels = append(s.Levels, LevelStats{Level: lvl, Tables: n, Bytes: k.sstables.LevelSize(lvl)})
	}
	k.publish(s)
	return s
}

func (k *Keyspace) publish(s Stats) {
	id := k.labels[metrics.LabelKeyspace]
	k.metrics.SetGauge(metrics.MemtableBytes, k.labels, float64(s.MemtableBytes))
	k.metrics.SetGauge(metrics.BlockCacheHits, k.labels, float64(s.CacheHits))
	k.metrics.SetGauge(metrics.BlockCacheMisses, k.labels, float64(s.CacheMisses))
	for _, l := range s.Levels {
		labels := map[string]string{metrics.LabelKeyspace: id, metrics.LabelLevel: strconv.Itoa(l.Level)}
		k.metrics.SetGauge(metrics.SSTables, labels, float64(l.Tables))
		k.metrics.SetGauge(metrics.LevelBytes, labels, float64(l.Bytes))
	}
}

func (k *Keyspace) stop() {
	for i := len(k.jobs) - 1; i >= 0; i-- {
		k.jobs[i].Stop()
	}
	k.jobs = nil
}

func (k *Keyspace) close() error {
	k.stop()
	err := k.memtables.Close()
	k.sstables.Close()
	return errors.CombineErrors(err, k.manifest.Close())
}
