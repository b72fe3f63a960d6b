package iterator

import (
	"container/heap"

	"github.com/JaimePolidura/SimpleDB/pkg/types"
)

type mergeItem struct {
	it  Iterator
	idx int // source position; lower wins ties on identical keys
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := h[i].it.Key().Compare(h[j].it.Key()); c != 0 {
		return c < 0
	}
	return h[i].idx < h[j].idx
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type MergeOption func(*MergeIterator)

// WithAllVersions keeps every distinct (user key, version) pair instead of
// collapsing each user key to its highest version. Identical keys still collapse.
func WithAllVersions() MergeOption {
	return func(m *MergeIterator) { m.allVersions = true }
}

// MergeIterator merges N sorted sources into one stream ordered by types.Key.
//
// Sources are passed newest first. By default, when several sources hold the same
// user key only the highest version is surfaced and the rest are skipped.
type MergeIterator struct {
	sources     []Iterator
	h           mergeHeap
	current     *mergeItem
	allVersions bool
	started     bool
	err         error
}

func NewMergeIterator(sources []Iterator, opts ...MergeOption) *MergeIterator {
	m := &MergeIterator{sources: sources}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MergeIterator) duplicate(a, b types.Key) bool {
	if m.allVersions {
		return a.Compare(b) == 0
	}
	return a.SameUser(b)
}

// advance moves it past every entry that duplicates key and reports whether it
// still has entries left.
func (m *MergeIterator) advance(it Iterator, key types.Key) bool {
	for it.Next() {
		if !m.duplicate(it.Key(), key) {
			return true
		}
	}
	if err := it.Err(); err != nil && m.err == nil {
		m.err = err
	}
	return false
}

func (m *MergeIterator) Next() bool {
	if m.err != nil {
		return false
	}

	if !m.started {
		m.started = true
		for i, src := range m.sources {
			if src.Next() {
				m.h = append(m.h, mergeItem{it: src, idx: i})
			} else if err := src.Err(); err != nil {
				m.err = err
				return false
			}
		}
		heap.Init(&m.h)
	} else if m.current != nil {
		prev := *m.current
		m.current = nil
		if m.advance(prev.it, prev.it.Key().Clone()) {
			heap.Push(&m.h, prev)
		}
		if m.err != nil {
			return false
		}
	}

	if m.h.Len() == 0 {
		return false
	}

	top := heap.Pop(&m.h).(mergeItem)
	m.current = &top
	key := top.it.Key()

	for m.h.Len() > 0 && m.duplicate(m.h[0].it.Key(), key) {
		dup := heap.Pop(&m.h).(mergeItem)
		if m.advance(dup.it, key) {
			heap.Push(&m.h, dup)
		}
		if m.err != nil {
			return false
		}
	}
	return true
}

func (m *MergeIterator) Key() types.Key  { return m.current.it.Key() }
func (m *MergeIterator) Value() []byte   { return m.current.it.Value() }
func (m *MergeIterator) Tombstone() bool { return m.current.it.Tombstone() }
func (m *MergeIterator) Err() error      { return m.err }

func (m *MergeIterator) Close() error {
	var first error
	for _, src := range m.sources {
		if err := src.Close(); err != nil && first == nil {
			first = err
		}
	}
	m.h = nil
	m.current = nil
	return first
}
