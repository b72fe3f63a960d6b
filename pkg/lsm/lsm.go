package lsm

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/zhangyunhao116/skipmap"
	"golang.org/x/sync/errgroup"

	"github.com/JaimePolidura/SimpleDB/pkg/batch"
	"github.com/JaimePolidura/SimpleDB/pkg/config"
	"github.com/JaimePolidura/SimpleDB/pkg/dberrors"
	"github.com/JaimePolidura/SimpleDB/pkg/iterator"
	"github.com/JaimePolidura/SimpleDB/pkg/metrics"
	"github.com/JaimePolidura/SimpleDB/pkg/txn"
	"github.com/JaimePolidura/SimpleDB/pkg/types"
)

// autoCommitAttempts bounds how often a non-transactional write is retried on conflict.
const autoCommitAttempts = 3

// Lsm is the storage engine: a set of keyspaces sharing one transaction manager.
type Lsm struct {
	cfg       config.DB
	root      string
	isolation txn.Isolation

	manager   *txn.Manager
	keyspaces *skipmap.FuncMap[types.KeyspaceID, *Keyspace]
	nextKS    types.KeyspaceID
	createMu  sync.Mutex

	cancel func()
	closed atomic.Bool

	metrics metrics.Collector
	logger  *slog.Logger
}

type Option func(*Lsm)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Lsm) { l.logger = logger }
}

func WithMetrics(c metrics.Collector) Option {
	return func(l *Lsm) { l.metrics = c }
}

// Open recovers the engine stored under cfg.Persistence.RootPath.
//
// Keyspaces are recovered first, in parallel. The transaction manager is built
// afterwards so its id counter starts past every version found on disk.
func Open(cfg config.DB, opts ...Option) (*Lsm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	isolation, err := txn.ParseIsolation(cfg.Transactions.Isolation)
	if err != nil {
		return nil, err
	}

	l := &Lsm{
		cfg:       cfg,
		root:      cfg.Persistence.RootPath,
		isolation: isolation,
		keyspaces: skipmap.NewFunc[types.KeyspaceID, *Keyspace](func(a, b types.KeyspaceID) bool {
			return a < b
		}),
		cancel:  func() {},
		metrics: metrics.Nop{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := os.MkdirAll(l.root, 0750); err != nil {
		return nil, dberrors.IOFailure(err, "failed to create data directory %s", l.root)
	}

	log, recovered, err := txn.OpenLog(filepath.Join(l.root, txn.LogFileName), cfg.Memtable.Durability)
	if err != nil {
		return nil, err
	}

	seed, err := l.loadKeyspaces()
	if err != nil {
		_ = log.Close()
		l.closeKeyspaces()
		return nil, err
	}

	l.manager, err = txn.NewManager(log, recovered, seed, cfg.Transactions.ReservationBatch)
	if err != nil {
		_ = log.Close()
		l.closeKeyspaces()
		return nil, err
	}

	var startErr error
	l.keyspaces.Range(func(_ types.KeyspaceID, ks *Keyspace) bool {
		if startErr = ks.attach(l.manager); startErr != nil {
			return false
		}
		startErr = ks.flushExcess()
		return startErr == nil
	})
	if startErr != nil {
		l.closeKeyspaces()
		_ = l.manager.Close()
		return nil, startErr
	}

	var ctx context.Context
	ctx, l.cancel = context.WithCancel(context.Background())
	l.keyspaces.Range(func(_ types.KeyspaceID, ks *Keyspace) bool {
		ks.start(ctx)
		return true
	})

	l.logger.Info("lsm opened",
		"path", l.root,
		"keyspaces", l.keyspaces.Len(),
		"next_txn_id", l.manager.NextID(),
		"isolation", isolation.String(),
		"rolled_back", len(recovered.RolledBack))
	return l, nil
}

func (l *Lsm) loadKeyspaces() (types.TxnID, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return 0, dberrors.IOFailure(err, "failed to list %s", l.root)
	}

	var ids []types.KeyspaceID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)

	versions := make([]types.TxnID, len(ids))
	loaded := make([]*Keyspace, len(ids))

	var g errgroup.Group
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			ks, v, err := openKeyspace(l.cfg, l.keyspaceDir(id), l.metrics, l.logger)
			if err != nil {
				return errors.Wrapf(err, "failed to load keyspace %d", id)
			}
			if ks.id != id {
				_ = ks.close()
				return dberrors.Corrupt("directory %d holds keyspace %d", id, ks.id)
			}
			loaded[i], versions[i] = ks, v
			return nil
		})
	}
	err = g.Wait()

	var seed types.TxnID
	for i, ks := range loaded {
		if ks == nil {
			continue
		}
		l.keyspaces.Store(ks.id, ks)
		seed = max(seed, versions[i])
	}
	if len(ids) > 0 {
		l.nextKS = ids[len(ids)-1] + 1
	}
	return seed, err
}

func (l *Lsm) keyspaceDir(id types.KeyspaceID) string {
	return filepath.Join(l.root, strconv.FormatUint(id, 10))
}

func (l *Lsm) checkOpen() error {
	if l.closed.Load() {
		return dberrors.ErrClosed
	}
	return nil
}

// CreateKeyspace creates an empty keyspace and returns its id.
func (l *Lsm) CreateKeyspace() (types.KeyspaceID, error) {
	if err := l.checkOpen(); err != nil {
		return 0, err
	}

	l.createMu.Lock()
	defer l.createMu.Unlock()

	id := l.nextKS
	ks, err := createKeyspace(l.cfg, l.keyspaceDir(id), id, l.metrics, l.logger)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create keyspace %d", id)
	}
	if err := ks.attach(l.manager); err != nil {
		_ = ks.close()
		return 0, err
	}
	l.nextKS++

	ctx, cancel := context.WithCancel(context.Background())
	prev := l.cancel
	l.cancel = func() { prev(); cancel() }
	ks.start(ctx)

	l.keyspaces.Store(id, ks)
	l.logger.Info("keyspace created", "keyspace", id, "uuid", ks.desc.UUID)
	return id, nil
}

// Keyspace returns keyspace id or dberrors.ErrKeyspaceNotFound.
func (l *Lsm) Keyspace(id types.KeyspaceID) (*Keyspace, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	ks, ok := l.keyspaces.Load(id)
	if !ok {
		return nil, errors.Wrapf(dberrors.ErrKeyspaceNotFound, "keyspace %d", id)
	}
	return ks, nil
}

// KeyspaceIDs lists the keyspaces, ascending.
func (l *Lsm) KeyspaceIDs() []types.KeyspaceID {
	var out []types.KeyspaceID
	l.keyspaces.Range(func(id types.KeyspaceID, _ *Keyspace) bool {
		out = append(out, id)
		return true
	})
	return out
}

// StartTransaction begins a transaction at the given isolation level.
func (l *Lsm) StartTransaction(isolation txn.Isolation) (*txn.Transaction, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	return l.manager.Start(isolation)
}

// Commit makes t's writes durable and visible. Conflicts satisfy dberrors.IsRetryable.
func (l *Lsm) Commit(t *txn.Transaction) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	for _, id := range t.Keyspaces() {
		ks, err := l.Keyspace(id)
		if err != nil {
			_ = l.Rollback(t)
			return err
		}
		if ks.stalled() {
			_ = l.Rollback(t)
			return errors.Wrapf(dberrors.ErrWriteStalled, "keyspace %d", id)
		}
	}

	readOnly := t.IsReadOnly()
	err := l.manager.Commit(t, l)
	switch {
	case err == nil:
		if !readOnly {
			l.metrics.IncCounter(metrics.Commits, nil, 1)
		}
	case dberrors.IsRetryable(err):
		l.metrics.IncCounter(metrics.Conflicts, nil, 1)
	default:
		l.metrics.IncCounter(metrics.Rollbacks, nil, 1)
	}
	l.metrics.SetGauge(metrics.ActiveTxns, nil, float64(l.manager.ActiveCount()))
	return err
}

func (l *Lsm) Rollback(t *txn.Transaction) error {
	if err := l.manager.Rollback(t); err != nil {
		return err
	}
	l.metrics.IncCounter(metrics.Rollbacks, nil, 1)
	return nil
}

// NewestVersion implements txn.Committer.
func (l *Lsm) NewestVersion(id types.KeyspaceID, user []byte, skip types.Visibility) (types.TxnID, bool, error) {
	ks, err := l.Keyspace(id)
	if err != nil {
		return 0, false, err
	}
	return ks.newestVersion(user, skip)
}

// Apply implements txn.Committer.
func (l *Lsm) Apply(t *txn.Transaction) error {
	for _, id := range t.Keyspaces() {
		ks, err := l.Keyspace(id)
		if err != nil {
			return err
		}
		if err := ks.apply(t.Writes(id)); err != nil {
			return errors.Wrapf(err, "failed to apply transaction %d to keyspace %d", t.ID(), id)
		}
	}
	return nil
}

// GetWithTransaction reads key as seen by t. t's own writes come first.
func (l *Lsm) GetWithTransaction(t *txn.Transaction, id types.KeyspaceID, key []byte) ([]byte, bool, error) {
	ks, err := l.Keyspace(id)
	if err != nil {
		return nil, false, err
	}
	if e, ok := t.Get(id, key); ok {
		return e.Value, !e.Tombstone, nil
	}

	e, found, err := ks.get(key, l.manager.Visibility(t))
	if err != nil || !found || e.Tombstone {
		return nil, false, err
	}
	return e.Value, true, nil
}

func (l *Lsm) Get(id types.KeyspaceID, key []byte) ([]byte, bool, error) {
	t, err := l.StartTransaction(l.isolation)
	if err != nil {
		return nil, false, err
	}
	value, found, err := l.GetWithTransaction(t, id, key)
	if cerr := l.Commit(t); err == nil {
		err = cerr
	}
	return value, found, err
}

func (l *Lsm) SetWithTransaction(t *txn.Transaction, id types.KeyspaceID, key, value []byte) error {
	if _, err := l.Keyspace(id); err != nil {
		return err
	}
	return t.Set(id, key, value)
}

func (l *Lsm) DeleteWithTransaction(t *txn.Transaction, id types.KeyspaceID, key []byte) error {
	if _, err := l.Keyspace(id); err != nil {
		return err
	}
	return t.Delete(id, key)
}

func (l *Lsm) Set(id types.KeyspaceID, key, value []byte) error {
	return l.autoCommit(func(t *txn.Transaction) error {
		return l.SetWithTransaction(t, id, key, value)
	})
}

func (l *Lsm) Delete(id types.KeyspaceID, key []byte) error {
	return l.autoCommit(func(t *txn.Transaction) error {
		return l.DeleteWithTransaction(t, id, key)
	})
}

// Write commits every operation of b in one transaction.
func (l *Lsm) Write(id types.KeyspaceID, b *batch.WriteBatch) error {
	if b.Count() == 0 {
		return nil
	}
	return l.autoCommit(func(t *txn.Transaction) error {
		return l.WriteWithTransaction(t, id, b)
	})
}

// WriteWithTransaction buffers every operation of b in t.
func (l *Lsm) WriteWithTransaction(t *txn.Transaction, id types.KeyspaceID, b *batch.WriteBatch) error {
	if _, err := l.Keyspace(id); err != nil {
		return err
	}
	for _, op := range b.Ops() {
		var err error
		if op.Delete {
			err = t.Delete(id, op.Key)
		} else {
			err = t.Set(id, op.Key, op.Value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *Lsm) autoCommit(write func(t *txn.Transaction) error) error {
	var err error
	for attempt := 0; attempt < autoCommitAttempts; attempt++ {
		var t *txn.Transaction
		if t, err = l.StartTransaction(l.isolation); err != nil {
			return err
		}
		if err = write(t); err != nil {
			_ = l.Rollback(t)
			return err
		}
		if err = l.Commit(t); !dberrors.IsRetryable(err) {
			return err
		}
		l.logger.Debug("retrying conflicting write", "txn", t.ID(), "attempt", attempt+1)
	}
	return err
}

// ScanAllWithTransaction iterates every live key of the keyspace as seen by t.
func (l *Lsm) ScanAllWithTransaction(t *txn.Transaction, id types.KeyspaceID) (iterator.Iterator, error) {
	return l.ScanFromWithTransaction(t, id, nil, true)
}

// ScanFromWithTransaction iterates live keys >= from (> from when !inclusive).
func (l *Lsm) ScanFromWithTransaction(t *txn.Transaction, id types.KeyspaceID, from []byte, inclusive bool) (iterator.Iterator, error) {
	return l.scan(t, id, from, inclusive)
}

func (l *Lsm) scan(t *txn.Transaction, id types.KeyspaceID, from []byte, inclusive bool) (*liveIterator, error) {
	ks, err := l.Keyspace(id)
	if err != nil {
		return nil, err
	}
	stored := ks.iterators(from, l.manager.Visibility(t))
	it := iterator.NewShadowIterator(t.Iterator(id, from), stored)
	return &liveIterator{Iterator: iterator.NewFromIterator(it, from, inclusive)}, nil
}

// ScanAll iterates every key of the keyspace in ascending order. Deleted keys
// are filtered out, so Tombstone is always false on the returned iterator.
func (l *Lsm) ScanAll(id types.KeyspaceID) (iterator.Iterator, error) {
	return l.ScanFrom(id, nil, true)
}

// ScanFrom runs in its own read transaction, finished when the iterator is closed.
// Like ScanAll it skips deleted keys.
func (l *Lsm) ScanFrom(id types.KeyspaceID, from []byte, inclusive bool) (iterator.Iterator, error) {
	t, err := l.StartTransaction(l.isolation)
	if err != nil {
		return nil, err
	}
	it, err := l.scan(t, id, from, inclusive)
	if err != nil {
		_ = l.Rollback(t)
		return nil, err
	}
	it.onClose = func() error { return l.Commit(t) }
	return it, nil
}

// Flush writes every memtable of keyspace id to level 0.
func (l *Lsm) Flush(id types.KeyspaceID) error {
	ks, err := l.Keyspace(id)
	if err != nil {
		return err
	}
	return ks.Flush()
}

// Compact runs compaction on keyspace id until no task is left.
func (l *Lsm) Compact(id types.KeyspaceID) error {
	ks, err := l.Keyspace(id)
	if err != nil {
		return err
	}
	_, err = ks.Compact()
	return err
}

func (l *Lsm) Stats(id types.KeyspaceID) (Stats, error) {
	ks, err := l.Keyspace(id)
	if err != nil {
		return Stats{}, err
	}
	return ks.Stats(), nil
}

// Manager exposes the transaction manager.
func (l *Lsm) Manager() *txn.Manager {
	return l.manager
}

// Close stops the background jobs and closes every file. Unflushed memtables
// stay in their WALs and are recovered by the next Open.
func (l *Lsm) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.createMu.Lock()
	defer l.createMu.Unlock()

	l.cancel()
	err := l.closeKeyspaces()
	err = errors.CombineErrors(err, l.manager.Close())
	l.logger.Info("lsm closed", "path", l.root)
	return err
}

func (l *Lsm) closeKeyspaces() error {
	var err error
	l.keyspaces.Range(func(id types.KeyspaceID, ks *Keyspace) bool {
		if cerr := ks.close(); cerr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(cerr, "failed to close keyspace %d", id))
		}
		return true
	})
	return err
}
