package memtable

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/JaimePolidura/SimpleDB/pkg/config"
	"github.com/JaimePolidura/SimpleDB/pkg/iterator"
	"github.com/JaimePolidura/SimpleDB/pkg/types"
	"github.com/JaimePolidura/SimpleDB/pkg/wal"
)

// Memtables owns the active memtable and the inactive memtables waiting for flush.
//
// Both pointers are swapped atomically: a reader that already loaded them keeps a
// consistent view while a rotation installs new ones.
type Memtables struct {
	cfg config.MemtableConfig
	dir string

	active atomic.Pointer[MemTable]
	// oldest first
	inactive atomic.Pointer[[]*MemTable]
	nextID   atomic.Uint64

	// serializes rotation and removal; readers never take it
	mu sync.Mutex
}

// New recovers the memtables of dir from their WAL files.
//
// WALs of memtables the manifest already records as flushed (id <= flushedUpTo)
// are deleted. Every other WAL becomes an inactive memtable, oldest first, and a
// new active memtable is created with the next id. Without WALs the active
// memtable gets id 0. The highest recovered version is returned.
func New(cfg config.MemtableConfig, dir string, flushedUpTo int64) (*Memtables, types.TxnID, error) {
	m := &Memtables{cfg: cfg, dir: dir}

	ids, err := wal.ListIDs(dir)
	if err != nil {
		return nil, 0, err
	}

	var (
		recovered  []*MemTable
		maxVersion types.TxnID
		nextID     uint64
	)
	for _, id := range ids {
		nextID = id + 1
		if int64(id) <= flushedUpTo {
			slog.Info("deleting WAL of already flushed memtable", "dir", dir, "memtable", id)
			if err := wal.Remove(dir, id); err != nil {
				return nil, 0, err
			}
			continue
		}

		mt, v, err := CreateAndRecoverFromWal(cfg, dir, id)
		if err != nil {
			closeAll(recovered)
			return nil, 0, err
		}
		if mt.IsEmpty() {
			if err := mt.DeleteWal(); err != nil {
				return nil, 0, err
			}
			continue
		}
		recovered = append(recovered, mt)
		maxVersion = max(maxVersion, v)
	}
	if flushedUpTo >= 0 {
		nextID = max(nextID, uint64(flushedUpTo)+1)
	}

	m.nextID.Store(nextID)
	active, err := CreateNew(cfg, dir, m.allocateID())
	if err != nil {
		closeAll(recovered)
		return nil, 0, err
	}

	m.inactive.Store(&recovered)
	m.active.Store(active)

	if len(recovered) > 0 {
		slog.Info("recovered memtables from WAL", "dir", dir,
			"memtables", len(recovered), "max_version", maxVersion)
	}
	return m, maxVersion, nil
}

func (m *Memtables) allocateID() uint64 {
	return m.nextID.Add(1) - 1
}

func (m *Memtables) Active() *MemTable {
	return m.active.Load()
}

// Inactive returns the inactive memtables, oldest first.
func (m *Memtables) Inactive() []*MemTable {
	return *m.inactive.Load()
}

func (m *Memtables) InactiveCount() int {
	return len(m.Inactive())
}

// Oldest returns the next memtable to flush, or nil.
func (m *Memtables) Oldest() *MemTable {
	if list := m.Inactive(); len(list) > 0 {
		return list[0]
	}
	return nil
}

// Apply writes entries to the active memtable. Once it is full, flushOldest is
// called until the inactive list has room and the active memtable is rotated.
func (m *Memtables) Apply(entries []types.Entry, flushOldest func() error) error {
	active := m.Active()
	if err := active.Apply(entries...); err != nil {
		return err
	}
	if !active.IsFull() {
		return nil
	}

	for m.InactiveCount() >= m.cfg.MaxInactive {
		if err := flushOldest(); err != nil {
			return errors.Wrap(err, "failed to make room for memtable rotation")
		}
	}
	return m.rotate(active)
}

// Rotate moves the active memtable into the inactive list, even if it is not full.
func (m *Memtables) Rotate() error {
	return m.rotate(m.Active())
}

func (m *Memtables) rotate(expected *MemTable) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.active.Load()
	if old != expected {
		// somebody else rotated already
		return nil
	}

	fresh, err := CreateNew(m.cfg, m.dir, m.allocateID())
	if err != nil {
		return errors.Wrap(err, "failed to rotate memtable")
	}

	old.SetInactive()
	current := m.Inactive()
	next := make([]*MemTable, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, old)

	// inactive list first: a reader loading active then inactive never misses old
	m.inactive.Store(&next)
	m.active.Store(fresh)

	slog.Debug("memtable rotated", "dir", m.dir, "memtable", old.ID(), "next", fresh.ID(), "bytes", old.Size())
	return nil
}

// Remove drops a flushed memtable from the inactive list.
func (m *Memtables) Remove(mt *MemTable) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.Inactive()
	next := make([]*MemTable, 0, len(current))
	for _, candidate := range current {
		if candidate != mt {
			next = append(next, candidate)
		}
	}
	m.inactive.Store(&next)
}

// Get looks up user in the active memtable and then in the inactive ones, newest first.
func (m *Memtables) Get(user []byte, visible types.Visibility) (types.Entry, bool) {
	active := m.Active()
	inactive := m.Inactive()

	if e, ok := active.Get(user, visible); ok {
		return e, true
	}
	for i := len(inactive) - 1; i >= 0; i-- {
		if e, ok := inactive[i].Get(user, visible); ok {
			return e, true
		}
	}
	return types.Entry{}, false
}

// NewestVersion returns the highest version of user not rejected by skip.
func (m *Memtables) NewestVersion(user []byte, skip types.Visibility) (types.TxnID, bool) {
	active := m.Active()
	inactive := m.Inactive()

	if v, ok := active.NewestVersion(user, skip); ok {
		return v, true
	}
	for i := len(inactive) - 1; i >= 0; i-- {
		if v, ok := inactive[i].NewestVersion(user, skip); ok {
			return v, true
		}
	}
	return 0, false
}

// Iterators returns one visibility-filtered iterator per memtable, newest first.
func (m *Memtables) Iterators(from []byte, visible types.Visibility) []iterator.Iterator {
	active := m.Active()
	inactive := m.Inactive()

	its := make([]iterator.Iterator, 0, len(inactive)+1)
	its = append(its, active.Iterator(from, visible))
	for i := len(inactive) - 1; i >= 0; i-- {
		its = append(its, inactive[i].Iterator(from, visible))
	}
	return its
}

// Bytes returns the bytes held by every memtable.
func (m *Memtables) Bytes() int64 {
	total := m.Active().Size()
	for _, mt := range m.Inactive() {
		total += mt.Size()
	}
	return total
}

func (m *Memtables) Close() error {
	var first error
	all := append([]*MemTable{m.Active()}, m.Inactive()...)
	for _, mt := range all {
		if err := mt.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func closeAll(mts []*MemTable) {
	for _, mt := range mts {
		if err := mt.Close(); err != nil {
			slog.Warn("failed to close memtable", "memtable", mt.ID(), "error", err)
		}
	}
}
