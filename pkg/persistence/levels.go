package persistence

import (
	"bytes"
	"cmp"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/JaimePolidura/SimpleDB/pkg/compression"
	"github.com/JaimePolidura/SimpleDB/pkg/config"
	"github.com/JaimePolidura/SimpleDB/pkg/iterator"
	"github.com/JaimePolidura/SimpleDB/pkg/types"
)

const (
	tablePrefix = "sst-"
	tableSuffix = ".sst"
)

// TableFileName returns the file name of table id.
func TableFileName(id uint64) string {
	return tablePrefix + strconv.FormatUint(id, 10) + tableSuffix
}

type level struct {
	mu     sync.RWMutex
	tables []*SSTable
}

// SSTables holds the tables of one keyspace, level by level.
//
// Level 0 is kept in flush order and may overlap. Deeper levels are kept
// sorted by min key.
type SSTables struct {
	cfg    config.PersistenceConfig
	dir    string
	codec  compression.Codec
	cache  *BlockCache
	levels []*level
	nextID atomic.Uint64
}

// OpenSSTables opens every table the manifest references and deletes the
// unreferenced ones left behind by a crash. It returns the highest version stored.
func OpenSSTables(cfg config.PersistenceConfig, dir string, state ManifestState, cache *BlockCache) (*SSTables, types.TxnID, error) {
	codec, err := compression.New(cfg.SSTable.Compression)
	if err != nil {
		return nil, 0, err
	}

	s := &SSTables{
		cfg:    cfg,
		dir:    dir,
		codec:  codec,
		cache:  cache,
		levels: make([]*level, cfg.Levels),
	}
	for i := range s.levels {
		s.levels[i] = &level{}
	}

	nextID := state.NextSSTableID
	maxVersion := state.MaxVersion
	for lvl, ids := range state.Levels {
		if lvl < 0 || lvl >= len(s.levels) {
			s.Close()
			return nil, 0, errors.Newf("manifest references level %d of %d", lvl, len(s.levels))
		}
		for _, id := range ids {
			t, err := Open(s.Path(id), id, cache)
			if err != nil {
				s.Close()
				return nil, 0, err
			}
			t.level = lvl
			s.levels[lvl].tables = append(s.levels[lvl].tables, t)
			nextID = max(nextID, id+1)
			maxVersion = max(maxVersion, t.MaxVersion())
		}
		if lvl > 0 {
			sortByMinKey(s.levels[lvl].tables)
		}
	}

	onDisk, err := s.removeUnreferenced(state.TableIDs())
	if err != nil {
		s.Close()
		return nil, 0, err
	}
	s.nextID.Store(max(nextID, onDisk))

	return s, maxVersion, nil
}

// removeUnreferenced deletes table files unknown to the manifest and returns
// an id greater than any file seen.
func (s *SSTables) removeUnreferenced(referenced map[uint64]int) (uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "failed to list sstables")
	}

	var next uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, tablePrefix) {
			continue
		}
		trimmed := strings.TrimSuffix(strings.TrimPrefix(name, tablePrefix), tableSuffix)
		id, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil || !strings.HasSuffix(name, tableSuffix) {
			continue
		}
		next = max(next, id+1)
		if _, ok := referenced[id]; ok {
			continue
		}

		slog.Info("deleting unreferenced sstable", "dir", s.dir, "sstable", id)
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return 0, errors.Wrapf(err, "failed to delete sstable %d", id)
		}
	}
	return next, nil
}

func sortByMinKey(tables []*SSTable) {
	slices.SortFunc(tables, func(a, b *SSTable) int {
		if c := bytes.Compare(a.MinKey(), b.MinKey()); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
}

func (s *SSTables) Path(id uint64) string {
	return filepath.Join(s.dir, TableFileName(id))
}

func (s *SSTables) NumLevels() int {
	return len(s.levels)
}

// NewBuilder starts a table with a fresh id.
func (s *SSTables) NewBuilder(level int) *Builder {
	id := s.nextID.Add(1) - 1
	return NewBuilder(s.cfg, s.codec, id, level)
}

// Finish writes the builder's table and opens it. The table is not installed.
func (s *SSTables) Finish(b *Builder) (*SSTable, error) {
	path := s.Path(b.ID())
	if err := b.Finish(path); err != nil {
		return nil, err
	}
	t, err := Open(path, b.ID(), s.cache)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return t, nil
}

// Tables returns a snapshot of level lvl, each table referenced. Pair with Release.
func (s *SSTables) Tables(lvl int) []*SSTable {
	l := s.levels[lvl]
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := slices.Clone(l.tables)
	for _, t := range out {
		t.Ref()
	}
	return out
}

// Acquire snapshots every level.
func (s *SSTables) Acquire() [][]*SSTable {
	out := make([][]*SSTable, len(s.levels))
	for i := range s.levels {
		out[i] = s.Tables(i)
	}
	return out
}

// Release drops references taken by Tables or Acquire.
func Release(tables ...[]*SSTable) {
	for _, level := range tables {
		for _, t := range level {
			t.Unref()
		}
	}
}

// Install swaps removed tables for added ones. Readers see either the old or
// the new set of every level. The caller marks the removed tables obsolete.
func (s *SSTables) Install(removed, added []*SSTable) {
	touched := make(map[int]struct{})
	for _, t := range removed {
		touched[t.level] = struct{}{}
	}
	for _, t := range added {
		touched[t.level] = struct{}{}
	}
	order := make([]int, 0, len(touched))
	for lvl := range touched {
		order = append(order, lvl)
	}
	slices.Sort(order)

	for _, lvl := range order {
		s.levels[lvl].mu.Lock()
	}
	defer func() {
		for _, lvl := range order {
			s.levels[lvl].mu.Unlock()
		}
	}()

	for _, lvl := range order {
		l := s.levels[lvl]
		tables := slices.DeleteFunc(slices.Clone(l.tables), func(t *SSTable) bool {
			return slices.Contains(removed, t)
		})
		for _, t := range added {
			if t.level == lvl {
				tables = append(tables, t)
			}
		}
		if lvl > 0 {
			sortByMinKey(tables)
		}
		l.tables = tables
	}
}

// Get searches level 0 and then each deeper level, and stops at the first
// level holding a visible version of user.
func (s *SSTables) Get(user []byte, visible types.Visibility) (types.Entry, bool, error) {
	for lvl := range s.levels {
		tables := s.overlapping(lvl, user)

		var (
			best  types.Entry
			found bool
		)
		for _, t := range tables {
			e, ok, err := t.Get(user, visible)
			if err != nil {
				Release(tables)
				return types.Entry{}, false, err
			}
			if ok && (!found || e.Key.Version > best.Key.Version) {
				best, found = e, true
			}
		}
		Release(tables)

		if found {
			return best, true, nil
		}
	}
	return types.Entry{}, false, nil
}

// NewestVersion returns the highest stored version of user not rejected by skip.
func (s *SSTables) NewestVersion(user []byte, skip types.Visibility) (types.TxnID, bool, error) {
	var (
		best  types.TxnID
		found bool
	)
	for lvl := range s.levels {
		tables := s.overlapping(lvl, user)
		for _, t := range tables {
			v, ok, err := t.NewestVersion(user, skip)
			if err != nil {
				Release(tables)
				return 0, false, err
			}
			if ok && (!found || v > best) {
				best, found = v, true
			}
		}
		Release(tables)
		if found {
			return best, true, nil
		}
	}
	return 0, false, nil
}

func (s *SSTables) overlapping(lvl int, user []byte) []*SSTable {
	l := s.levels[lvl]
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*SSTable
	for _, t := range l.tables {
		if t.Overlaps(user, user) {
			t.Ref()
			out = append(out, t)
		}
	}
	return out
}

// Iterators returns one visibility-filtered iterator per table holding keys >= from.
func (s *SSTables) Iterators(from []byte, visible types.Visibility) []iterator.Iterator {
	var its []iterator.Iterator
	for lvl := range s.levels {
		tables := s.Tables(lvl)
		for _, t := range tables {
			if from == nil || bytes.Compare(t.MaxKey(), from) >= 0 {
				its = append(its, iterator.NewVisibleIterator(t.Iterator(from), visible))
			}
		}
		Release(tables)
	}
	return its
}

// LevelSize returns the bytes stored in level lvl.
func (s *SSTables) LevelSize(lvl int) int64 {
	l := s.levels[lvl]
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total int64
	for _, t := range l.tables {
		total += t.Size()
	}
	return total
}

// LevelCount returns the number of tables in level lvl.
func (s *SSTables) LevelCount(lvl int) int {
	l := s.levels[lvl]
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tables)
}

// Cache returns the block cache shared by the tables.
func (s *SSTables) Cache() *BlockCache {
	return s.cache
}

// Close drops the level references. Files still used by open iterators stay
// open until those are closed.
func (s *SSTables) Close() {
	for _, l := range s.levels {
		l.mu.Lock()
		for _, t := range l.tables {
			t.Unref()
		}
		l.tables = nil
		l.mu.Unlock()
	}
}
