package iterator

import (
	"github.com/JaimePolidura/SimpleDB/pkg/types"
)

// TwoMergeIterator merges a memtable-side stream a with an SSTable-side stream b.
// For a user key present in both only the highest version is surfaced; a wins
// when versions are equal.
type TwoMergeIterator struct {
	a, b           Iterator
	shadow         bool
	aValid, bValid bool
	useA           bool
	started        bool
	err            error
}

func NewTwoMergeIterator(a, b Iterator) *TwoMergeIterator {
	return &TwoMergeIterator{a: a, b: b}
}

// NewShadowIterator merges like NewTwoMergeIterator except that a user key
// present in a always comes from a, whatever its version. Used to lay a
// transaction's own writes over what it reads from storage.
func NewShadowIterator(a, b Iterator) *TwoMergeIterator {
	return &TwoMergeIterator{a: a, b: b, shadow: true}
}

func (t *TwoMergeIterator) step(it Iterator) bool {
	if it.Next() {
		return true
	}
	if err := it.Err(); err != nil && t.err == nil {
		t.err = err
	}
	return false
}

// skipUser advances it past every entry whose user key equals key.
func (t *TwoMergeIterator) skipUser(it Iterator, key types.Key) bool {
	for {
		if !t.step(it) {
			return false
		}
		if !it.Key().SameUser(key) {
			return true
		}
	}
}

func (t *TwoMergeIterator) Next() bool {
	if t.err != nil {
		return false
	}

	if !t.started {
		t.started = true
		t.aValid = t.step(t.a)
		t.bValid = t.step(t.b)
	} else if t.useA {
		t.aValid = t.skipUser(t.a, t.a.Key().Clone())
	} else {
		t.bValid = t.skipUser(t.b, t.b.Key().Clone())
	}
	if t.err != nil {
		return false
	}

	switch {
	case !t.aValid && !t.bValid:
		return false
	case !t.bValid:
		t.useA = true
	case !t.aValid:
		t.useA = false
	default:
		ak, bk := t.a.Key(), t.b.Key()
		t.useA = ak.Compare(bk) <= 0
		if ak.SameUser(bk) {
			t.useA = t.useA || t.shadow
			if t.useA {
				t.bValid = t.skipUser(t.b, ak)
			} else {
				t.aValid = t.skipUser(t.a, bk)
			}
		}
	}
	return t.err == nil
}

func (t *TwoMergeIterator) current() Iterator {
	if t.useA {
		return t.a
	}
	return t.b
}

func (t *TwoMergeIterator) Key() types.Key  { return t.current().Key() }
func (t *TwoMergeIterator) Value() []byte   { return t.current().Value() }
func (t *TwoMergeIterator) Tombstone() bool { return t.current().Tombstone() }
func (t *TwoMergeIterator) Err() error      { return t.err }

func (t *TwoMergeIterator) Close() error {
	errA := t.a.Close()
	errB := t.b.Close()
	if errA != nil {
		return errA
	}
	return errB
}
