package txn

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/zhangyunhao116/skipmap"
	"github.com/zhangyunhao116/skipset"

	"github.com/JaimePolidura/SimpleDB/pkg/clock"
	"github.com/JaimePolidura/SimpleDB/pkg/dberrors"
	"github.com/JaimePolidura/SimpleDB/pkg/types"
)

// Committer is the storage side of a commit.
type Committer interface {
	// NewestVersion returns the newest stored version of user in ks, ignoring
	// versions for which skip returns true.
	NewestVersion(ks types.KeyspaceID, user []byte, skip types.Visibility) (types.TxnID, bool, error)
	// Apply writes every buffered entry of t to the WALs and memtables.
	Apply(t *Transaction) error
}

// Manager issues transaction ids and decides which versions a transaction sees.
// There is exactly one per engine.
type Manager struct {
	log *Log

	// last issued id
	clock *clock.AtomicClock
	batch uint64
	// highest id covered by a durable reservation, guarded by startMu
	reserved types.TxnID

	active     *skipmap.FuncMap[types.TxnID, *activeTxn]
	rolledBack *skipset.FuncSet[types.TxnID]

	// bumped every time a writing transaction leaves the active map
	commitSeq atomic.Uint64

	startMu  sync.Mutex
	commitMu sync.Mutex
}

type activeTxn struct {
	txn *Transaction
	// oldest version the transaction may read; 0 until its snapshot is taken
	low atomic.Uint64
}

func lessID(a, b types.TxnID) bool { return a < b }

// NewManager builds the manager from the replayed log. Ids start after both
// seed (the highest version found in storage) and the last durable reservation.
// The log is rewritten so it only keeps what is still needed.
func NewManager(log *Log, rec Recovered, seed types.TxnID, reservationBatch uint64) (*Manager, error) {
	if reservationBatch == 0 {
		reservationBatch = 1
	}
	last := max(seed, rec.MaxTxnID)

	m := &Manager{
		log:        log,
		clock:      clock.NewAtomic(last),
		batch:      reservationBatch,
		reserved:   last + reservationBatch,
		active:     skipmap.NewFunc[types.TxnID, *activeTxn](lessID),
		rolledBack: skipset.NewFunc[types.TxnID](lessID),
	}
	for _, id := range rec.RolledBack {
		m.rolledBack.Add(id)
	}

	if err := log.Rewrite(rec.RolledBack, m.reserved); err != nil {
		return nil, errors.Wrap(err, "failed to rewrite transaction log")
	}

	slog.Info("transaction manager ready",
		"next_txn_id", last+1, "rolled_back", len(rec.RolledBack), "reserved_up_to", m.reserved)
	return m, nil
}

// Start begins a transaction.
func (m *Manager) Start(isolation Isolation) (*Transaction, error) {
	m.startMu.Lock()
	id := m.clock.Next()
	if id > m.reserved {
		ceiling := id + m.batch
		if err := m.log.Append(RecordMaxTxnID, ceiling); err != nil {
			m.startMu.Unlock()
			return nil, errors.Wrap(err, "failed to reserve transaction ids")
		}
		m.reserved = ceiling
	}
	t := newTransaction(id, isolation)
	entry := &activeTxn{txn: t}
	m.active.Store(id, entry)
	m.startMu.Unlock()

	t.excluded = m.runningBefore(id)
	entry.low.Store(t.lowWatermark())
	return t, nil
}

// runningBefore collects the active ids below id. The scan is retried while
// commits race with it so the result is a single point in commit order.
func (m *Manager) runningBefore(id types.TxnID) []types.TxnID {
	scan := func() []types.TxnID {
		var ids []types.TxnID
		m.active.Range(func(other types.TxnID, _ *activeTxn) bool {
			if other >= id {
				return false
			}
			ids = append(ids, other)
			return true
		})
		return ids
	}

	for attempt := 0; attempt < 4; attempt++ {
		seq := m.commitSeq.Load()
		ids := scan()
		if m.commitSeq.Load() == seq {
			return ids
		}
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	return scan()
}

// Commit makes t's writes durable and visible, or returns an error and rolls t back.
// A conflict is reported as dberrors.ErrTransactionConflict and can be retried.
func (m *Manager) Commit(t *Transaction, c Committer) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if t.IsReadOnly() {
		if t.finish(StateCommitted) {
			m.active.Delete(t.id)
		}
		return nil
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	defer m.commitSeq.Add(1)

	if err := t.checkActive(); err != nil {
		return err
	}

	if err := m.checkConflicts(t, c); err != nil {
		m.release(t, StateRolledBack)
		return err
	}

	if err := m.log.Append(RecordStart, t.id); err != nil {
		return m.abort(t, err)
	}
	if err := c.Apply(t); err != nil {
		return m.abort(t, err)
	}
	if err := m.log.Append(RecordCommit, t.id); err != nil {
		return m.abort(t, err)
	}

	m.release(t, StateCommitted)
	return nil
}

func (m *Manager) checkConflicts(t *Transaction, c Committer) error {
	for _, ks := range t.Keyspaces() {
		for _, e := range t.Writes(ks) {
			v, found, err := c.NewestVersion(ks, e.Key.User, m.IsRolledBack)
			if err != nil {
				return errors.Wrapf(err, "failed to check conflicts of transaction %d", t.id)
			}
			if found && !t.visibleAtStart(v) {
				return dberrors.Conflict("transaction %d: key %q in keyspace %d was written by transaction %d",
					t.id, e.Key.User, ks, v)
			}
		}
	}
	return nil
}

// abort handles a failure after the Start record may have been written. Some of
// t's versions can already be in a WAL, so t joins the rolled-back set before it
// leaves the active map.
func (m *Manager) abort(t *Transaction, cause error) error {
	m.rolledBack.Add(t.id)
	if err := m.log.Append(RecordRollback, t.id); err != nil {
		slog.Warn("failed to log rollback", "txn", t.id, "error", err)
	}
	m.release(t, StateRolledBack)
	return errors.Wrapf(cause, "failed to commit transaction %d", t.id)
}

func (m *Manager) release(t *Transaction, s State) {
	if s == StateRolledBack {
		t.discard()
	}
	t.finish(s)
	m.active.Delete(t.id)
}

// Rollback discards t's buffered writes. Nothing reached storage, so no record is written.
func (m *Manager) Rollback(t *Transaction) error {
	if !t.finish(StateRolledBack) {
		return errors.Wrapf(dberrors.ErrTransactionDone, "transaction %d", t.id)
	}
	t.discard()
	m.active.Delete(t.id)
	return nil
}

// IsVisible decides whether t may observe version v.
func (m *Manager) IsVisible(t *Transaction, v types.TxnID) bool {
	if v == t.id {
		return true
	}
	if m.rolledBack.Contains(v) {
		return false
	}
	if t.isolation == ReadCommitted {
		if v > m.clock.Val() {
			return false
		}
		_, running := m.active.Load(v)
		return !running
	}
	return t.visibleAtStart(v)
}

// Visibility binds IsVisible to t.
func (m *Manager) Visibility(t *Transaction) types.Visibility {
	return func(v types.TxnID) bool {
		return m.IsVisible(t, v)
	}
}

// GCWatermark returns the oldest version any current or future transaction may
// need. Of the versions of a key below it, only the newest one can still be read.
func (m *Manager) GCWatermark() types.TxnID {
	w := m.clock.Val() + 1
	m.active.Range(func(_ types.TxnID, a *activeTxn) bool {
		w = min(w, a.low.Load())
		return true
	})
	return w
}

func (m *Manager) IsRolledBack(v types.TxnID) bool {
	return m.rolledBack.Contains(v)
}

func (m *Manager) ActiveCount() int {
	return m.active.Len()
}

// NextID returns the id the next transaction will get.
func (m *Manager) NextID() types.TxnID {
	return m.clock.Val() + 1
}

func (m *Manager) Close() error {
	return m.log.Close()
}
