package memtable

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/zhangyunhao116/skipmap"

	"github.com/JaimePolidura/SimpleDB/pkg/config"
	"github.com/JaimePolidura/SimpleDB/pkg/dberrors"
	"github.com/JaimePolidura/SimpleDB/pkg/iterator"
	"github.com/JaimePolidura/SimpleDB/pkg/types"
	"github.com/JaimePolidura/SimpleDB/pkg/wal"
)

var (
	ErrTooLargeEntry = errors.Mark(errors.New("entry is too large"), dberrors.ErrTooLargeEntry)
	errNotActive     = errors.New("memtable is not active")
)

type State int32

const (
	StateRecoveringFromWal State = iota
	StateActive
	StateInactive
	StateFlushing
	StateFlushed
)

func (s State) String() string {
	switch s {
	case StateRecoveringFromWal:
		return "recovering"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	case StateFlushing:
		return "flushing"
	case StateFlushed:
		return "flushed"
	default:
		return "unknown"
	}
}

// chain holds every version of one user key, newest first.
// Readers load the slice without locking; writers replace it.
type chain struct {
	mu       sync.Mutex
	versions atomic.Pointer[[]types.Entry]
}

func (c *chain) load() []types.Entry {
	if v := c.versions.Load(); v != nil {
		return *v
	}
	return nil
}

// add inserts e keeping newest-first order. It reports the size delta.
func (c *chain) add(e types.Entry) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.load()
	pos := sort.Search(len(old), func(i int) bool { return old[i].Key.Version <= e.Key.Version })

	if pos < len(old) && old[pos].Key.Version == e.Key.Version {
		next := append([]types.Entry(nil), old...)
		delta := int64(e.EncodedSize()) - int64(old[pos].EncodedSize())
		next[pos] = e
		c.versions.Store(&next)
		return delta
	}

	next := make([]types.Entry, 0, len(old)+1)
	next = append(next, old[:pos]...)
	next = append(next, e)
	next = append(next, old[pos:]...)
	c.versions.Store(&next)
	return int64(e.EncodedSize())
}

type concurrentMap = skipmap.FuncMap[[]byte, *chain]

// MemTable is the in-memory sorted write buffer of a keyspace, backed by its own WAL.
type MemTable struct {
	id  uint64
	cfg *config.MemtableConfig

	state      atomic.Int32
	size       atomic.Int64
	maxVersion atomic.Uint64

	data *concurrentMap
	wal  *wal.WAL
}

func newMemTable(cfg config.MemtableConfig, id uint64) *MemTable {
	mt := &MemTable{
		id:  id,
		cfg: &cfg,
		data: skipmap.NewFunc[[]byte, *chain](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
	mt.state.Store(int32(StateRecoveringFromWal))
	return mt
}

// CreateNew allocates an empty, active memtable with a fresh WAL named by id.
func CreateNew(cfg config.MemtableConfig, dir string, id uint64) (*MemTable, error) {
	mt := newMemTable(cfg, id)

	w, err := wal.Create(dir, id, cfg.Durability)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create WAL for memtable %d", id)
	}
	mt.wal = w
	mt.SetActive()

	return mt, nil
}

// CreateAndRecoverFromWal rebuilds memtable id from its WAL. The result is
// inactive; it also returns the highest version found in the log.
func CreateAndRecoverFromWal(cfg config.MemtableConfig, dir string, id uint64) (*MemTable, types.TxnID, error) {
	mt := newMemTable(cfg, id)

	maxVersion, err := wal.Replay(dir, id, func(e types.Entry) error {
		mt.insert(e)
		return nil
	})
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to recover memtable %d", id)
	}

	w, err := wal.Open(dir, id, cfg.Durability)
	if err != nil {
		return nil, 0, err
	}
	mt.wal = w
	mt.SetInactive()

	return mt, maxVersion, nil
}

func (mt *MemTable) ID() uint64 {
	return mt.id
}

func (mt *MemTable) State() State {
	return State(mt.state.Load())
}

func (mt *MemTable) transition(to State, from ...State) bool {
	for _, f := range from {
		if mt.state.CompareAndSwap(int32(f), int32(to)) {
			return true
		}
	}
	return false
}

func (mt *MemTable) mustTransition(to State, from ...State) {
	if !mt.transition(to, from...) {
		panic(errors.AssertionFailedf("memtable %d: illegal transition %s -> %s", mt.id, mt.State(), to))
	}
}

// SetActive is only valid on a freshly created memtable.
func (mt *MemTable) SetActive() {
	mt.mustTransition(StateActive, StateRecoveringFromWal)
}

func (mt *MemTable) SetInactive() {
	mt.mustTransition(StateInactive, StateActive, StateRecoveringFromWal)
}

// SetFlushing claims the memtable for a flush. It returns false when another
// flush already owns it.
func (mt *MemTable) SetFlushing() bool {
	return mt.transition(StateFlushing, StateInactive)
}

// RevertFlushing hands a memtable back after a failed flush so it can be retried.
func (mt *MemTable) RevertFlushing() {
	mt.mustTransition(StateInactive, StateFlushing)
}

func (mt *MemTable) SetFlushed() {
	mt.mustTransition(StateFlushed, StateFlushing)
}

// Size returns the approximate number of bytes held.
func (mt *MemTable) Size() int64 {
	return mt.size.Load()
}

func (mt *MemTable) IsFull() bool {
	return mt.size.Load() >= int64(mt.cfg.MaxSizeBytes)
}

func (mt *MemTable) IsEmpty() bool {
	return mt.data.Len() == 0
}

func (mt *MemTable) MaxVersion() types.TxnID {
	return mt.maxVersion.Load()
}

// Apply appends entries to the WAL and only then makes them visible in memory.
func (mt *MemTable) Apply(entries ...types.Entry) error {
	if mt.State() != StateActive {
		return errors.Wrapf(errNotActive, "memtable %d is %s", mt.id, mt.State())
	}
	for _, e := range entries {
		if e.EncodedSize() > uint64(mt.cfg.MaxSizeBytes) {
			return errors.Wrapf(ErrTooLargeEntry, "key %q: %d bytes", e.Key.User, e.EncodedSize())
		}
	}

	if err := mt.wal.Append(entries...); err != nil {
		return errors.Wrapf(err, "memtable %d", mt.id)
	}

	for _, e := range entries {
		mt.insert(e)
	}
	return nil
}

func (mt *MemTable) insert(e types.Entry) {
	e.Key = e.Key.Clone()
	if e.Tombstone {
		e.Value = nil
	} else {
		e.Value = bytes.Clone(e.Value)
	}

	c, _ := mt.data.LoadOrStore(e.Key.User, &chain{})
	mt.size.Add(c.add(e))

	for {
		cur := mt.maxVersion.Load()
		if e.Key.Version <= cur || mt.maxVersion.CompareAndSwap(cur, e.Key.Version) {
			break
		}
	}
}

// Get returns the newest version of user accepted by visible.
func (mt *MemTable) Get(user []byte, visible types.Visibility) (types.Entry, bool) {
	c, ok := mt.data.Load(user)
	if !ok {
		return types.Entry{}, false
	}
	for _, e := range c.load() {
		if visible(e.Key.Version) {
			return e, true
		}
	}
	return types.Entry{}, false
}

// NewestVersion returns the highest version stored for user, visible or not.
func (mt *MemTable) NewestVersion(user []byte, skip types.Visibility) (types.TxnID, bool) {
	c, ok := mt.data.Load(user)
	if !ok {
		return 0, false
	}
	for _, e := range c.load() {
		if !skip(e.Key.Version) {
			return e.Key.Version, true
		}
	}
	return 0, false
}

// Iterator yields the newest visible version of every user key >= from.
func (mt *MemTable) Iterator(from []byte, visible types.Visibility) iterator.Iterator {
	var out []types.Entry
	mt.data.Range(func(user []byte, c *chain) bool {
		if from != nil && bytes.Compare(user, from) < 0 {
			return true
		}
		for _, e := range c.load() {
			if visible(e.Key.Version) {
				out = append(out, e)
				break
			}
		}
		return true
	})
	return iterator.NewSliceIterator(out)
}

// Entries returns every stored version in key order. Used by flush.
func (mt *MemTable) Entries() []types.Entry {
	out := make([]types.Entry, 0, mt.data.Len())
	mt.data.Range(func(_ []byte, c *chain) bool {
		out = append(out, c.load()...)
		return true
	})
	return out
}

func (mt *MemTable) Close() error {
	return mt.wal.Close()
}

// DeleteWal removes the backing log once the memtable is durably flushed.
func (mt *MemTable) DeleteWal() error {
	return mt.wal.Delete()
}
