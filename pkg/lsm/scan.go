package lsm

import (
	"github.com/cockroachdb/errors"

	"github.com/JaimePolidura/SimpleDB/pkg/iterator"
)

// liveIterator hides tombstones from callers of a scan.
type liveIterator struct {
	iterator.Iterator
	onClose func() error
}

func (it *liveIterator) Next() bool {
	for it.Iterator.Next() {
		if !it.Iterator.Tombstone() {
			return true
		}
	}
	return false
}

func (it *liveIterator) Close() error {
	err := it.Iterator.Close()
	if it.onClose != nil {
		err = errors.CombineErrors(err, it.onClose())
		it.onClose = nil
	}
	return err
}
