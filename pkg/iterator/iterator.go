package iterator

import (
	"bytes"

	"github.com/JaimePolidura/SimpleDB/pkg/types"
)

// Iterator iterates over entries ordered by types.Key.
//
// A fresh iterator is positioned before its first entry; call Next before Key.
type Iterator interface {
	// Next advances to the next entry and reports whether one exists.
	Next() bool
	// Key returns the current key.
	Key() types.Key
	// Value returns the current value. Empty for tombstones.
	Value() []byte
	// Tombstone reports whether the current entry is a deletion marker.
	Tombstone() bool
	// Err returns the first error encountered, if any.
	Err() error
	// Close releases resources.
	Close() error
}

// Entry copies the current position into a types.Entry.
func Entry(it Iterator) types.Entry {
	return types.Entry{Key: it.Key(), Value: it.Value(), Tombstone: it.Tombstone()}
}

// Collect drains it into a slice and closes it.
func Collect(it Iterator) ([]types.Entry, error) {
	var out []types.Entry
	for it.Next() {
		out = append(out, Entry(it))
	}
	err := it.Err()
	if cerr := it.Close(); err == nil {
		err = cerr
	}
	return out, err
}

// SliceIterator iterates over an already sorted slice of entries.
type SliceIterator struct {
	entries []types.Entry
	pos     int
}

func NewSliceIterator(entries []types.Entry) *SliceIterator {
	return &SliceIterator{entries: entries, pos: -1}
}

func (s *SliceIterator) Next() bool {
	if s.pos < len(s.entries) {
		s.pos++
	}
	return s.pos < len(s.entries)
}

func (s *SliceIterator) Key() types.Key  { return s.entries[s.pos].Key }
func (s *SliceIterator) Value() []byte   { return s.entries[s.pos].Value }
func (s *SliceIterator) Tombstone() bool { return s.entries[s.pos].Tombstone }
func (s *SliceIterator) Err() error      { return nil }

func (s *SliceIterator) Close() error {
	return nil
}

// visibleIterator yields, for each user key, the newest version accepted by visible.
type visibleIterator struct {
	Iterator
	visible types.Visibility
	lastKey []byte
	started bool
}

// NewVisibleIterator filters a raw, all-versions stream down to one visible version per user key.
func NewVisibleIterator(it Iterator, visible types.Visibility) Iterator {
	return &visibleIterator{Iterator: it, visible: visible}
}

func (v *visibleIterator) Next() bool {
	for v.Iterator.Next() {
		key := v.Iterator.Key()
		if v.started && bytes.Equal(key.User, v.lastKey) {
			continue
		}
		if !v.visible(key.Version) {
			continue
		}
		v.lastKey = append(v.lastKey[:0], key.User...)
		v.started = true
		return true
	}
	return false
}

// fromIterator skips leading entries that sort before from.
type fromIterator struct {
	Iterator
	from      []byte
	inclusive bool
	skipping  bool
}

// NewFromIterator positions it at the first user key >= from (> from when !inclusive).
func NewFromIterator(it Iterator, from []byte, inclusive bool) Iterator {
	if from == nil {
		return it
	}
	return &fromIterator{Iterator: it, from: from, inclusive: inclusive, skipping: true}
}

func (f *fromIterator) Next() bool {
	for f.Iterator.Next() {
		if !f.skipping {
			return true
		}
		c := bytes.Compare(f.Iterator.Key().User, f.from)
		if c > 0 || (c == 0 && f.inclusive) {
			f.skipping = false
			return true
		}
	}
	return false
}
