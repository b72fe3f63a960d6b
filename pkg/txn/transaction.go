package txn

import (
	"bytes"
	"slices"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/zhangyunhao116/skipmap"

	"github.com/JaimePolidura/SimpleDB/pkg/config"
	"github.com/JaimePolidura/SimpleDB/pkg/dberrors"
	"github.com/JaimePolidura/SimpleDB/pkg/iterator"
	"github.com/JaimePolidura/SimpleDB/pkg/types"
)

type Isolation int

const (
	SnapshotIsolation Isolation = iota
	ReadCommitted
)

func (i Isolation) String() string {
	if i == ReadCommitted {
		return config.IsolationReadCommitted
	}
	return config.IsolationSnapshot
}

// ParseIsolation maps a config value to an Isolation.
func ParseIsolation(s string) (Isolation, error) {
	switch s {
	case config.IsolationSnapshot, "":
		return SnapshotIsolation, nil
	case config.IsolationReadCommitted:
		return ReadCommitted, nil
	default:
		return 0, errors.Mark(errors.Newf("unknown isolation level %q", s), dberrors.ErrInvalidArgument)
	}
}

type State int32

const (
	StateActive State = iota
	StateCommitted
	StateRolledBack
)

type writeSet = skipmap.FuncMap[[]byte, types.Entry]

// Transaction buffers its writes until commit. Every buffered entry is already
// tagged with the transaction id, which becomes its version once committed.
type Transaction struct {
	id        types.TxnID
	isolation Isolation
	// ids of transactions active at start that are older than id, ascending
	excluded []types.TxnID

	state  atomic.Int32
	writes *skipmap.FuncMap[types.KeyspaceID, *writeSet]
}

func newTransaction(id types.TxnID, isolation Isolation) *Transaction {
	return &Transaction{
		id:        id,
		isolation: isolation,
		writes: skipmap.NewFunc[types.KeyspaceID, *writeSet](func(a, b types.KeyspaceID) bool {
			return a < b
		}),
	}
}

func (t *Transaction) ID() types.TxnID {
	return t.id
}

func (t *Transaction) Isolation() Isolation {
	return t.isolation
}

func (t *Transaction) State() State {
	return State(t.state.Load())
}

func (t *Transaction) finish(s State) bool {
	return t.state.CompareAndSwap(int32(StateActive), int32(s))
}

func (t *Transaction) checkActive() error {
	if t.State() != StateActive {
		return errors.Wrapf(dberrors.ErrTransactionDone, "transaction %d", t.id)
	}
	return nil
}

// excludes reports whether v belonged to a transaction still running when t started.
func (t *Transaction) excludes(v types.TxnID) bool {
	_, found := slices.BinarySearch(t.excluded, v)
	return found
}

// visibleAtStart is the snapshot rule: committed before t started.
func (t *Transaction) visibleAtStart(v types.TxnID) bool {
	return v < t.id && !t.excludes(v)
}

// lowWatermark is the oldest version t may still need.
func (t *Transaction) lowWatermark() types.TxnID {
	if len(t.excluded) > 0 {
		return min(t.id, t.excluded[0])
	}
	return t.id
}

func (t *Transaction) Set(ks types.KeyspaceID, key, value []byte) error {
	return t.put(ks, types.Entry{
		Key:   types.NewKey(bytes.Clone(key), t.id),
		Value: bytes.Clone(value),
	})
}

func (t *Transaction) Delete(ks types.KeyspaceID, key []byte) error {
	return t.put(ks, types.Entry{
		Key:       types.NewKey(bytes.Clone(key), t.id),
		Tombstone: true,
	})
}

func (t *Transaction) put(ks types.KeyspaceID, e types.Entry) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if len(e.Key.User) == 0 {
		return errors.Mark(errors.New("empty key"), dberrors.ErrInvalidArgument)
	}
	ws, _ := t.writes.LoadOrStoreLazy(ks, func() *writeSet {
		return skipmap.NewFunc[[]byte, types.Entry](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		})
	})
	ws.Store(e.Key.User, e)
	return nil
}

// Get returns the buffered write for key, tombstones included.
func (t *Transaction) Get(ks types.KeyspaceID, key []byte) (types.Entry, bool) {
	ws, ok := t.writes.Load(ks)
	if !ok {
		return types.Entry{}, false
	}
	return ws.Load(key)
}

// Iterator yields the buffered writes of ks with user key >= from.
func (t *Transaction) Iterator(ks types.KeyspaceID, from []byte) iterator.Iterator {
	return iterator.NewSliceIterator(t.entries(ks, from))
}

// Writes returns the buffered writes of ks in key order.
func (t *Transaction) Writes(ks types.KeyspaceID) []types.Entry {
	return t.entries(ks, nil)
}

func (t *Transaction) entries(ks types.KeyspaceID, from []byte) []types.Entry {
	ws, ok := t.writes.Load(ks)
	if !ok {
		return nil
	}
	out := make([]types.Entry, 0, ws.Len())
	ws.Range(func(user []byte, e types.Entry) bool {
		if from == nil || bytes.Compare(user, from) >= 0 {
			out = append(out, e)
		}
		return true
	})
	return out
}

// Keyspaces lists the keyspaces t wrote to, ascending.
func (t *Transaction) Keyspaces() []types.KeyspaceID {
	var out []types.KeyspaceID
	t.writes.Range(func(ks types.KeyspaceID, ws *writeSet) bool {
		if ws.Len() > 0 {
			out = append(out, ks)
		}
		return true
	})
	return out
}

func (t *Transaction) IsReadOnly() bool {
	return len(t.Keyspaces()) == 0
}

func (t *Transaction) discard() {
	t.writes.Range(func(ks types.KeyspaceID, _ *writeSet) bool {
		t.writes.Delete(ks)
		return true
	})
}
