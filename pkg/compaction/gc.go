package compaction

import (
	"bytes"

	"github.com/JaimePolidura/SimpleDB/pkg/iterator"
	"github.com/JaimePolidura/SimpleDB/pkg/types"
)

// gcIterator drops the versions no reader can observe anymore. The source
// yields every version of a user key, newest first.
//
// Below the watermark only the newest version of a key is readable, so it is
// kept as the floor and everything older goes. A floor tombstone in the bottom
// level hides nothing and goes too.
type gcIterator struct {
	iterator.Iterator

	watermark  types.TxnID
	rolledBack func(types.TxnID) bool
	bottomMost bool

	user      []byte
	started   bool
	floorSeen bool
	dropped   int
}

func newGCIterator(it iterator.Iterator, watermark types.TxnID, rolledBack func(types.TxnID) bool, bottomMost bool) *gcIterator {
	return &gcIterator{
		Iterator:   it,
		watermark:  watermark,
		rolledBack: rolledBack,
		bottomMost: bottomMost,
	}
}

func (g *gcIterator) Next() bool {
	for g.Iterator.Next() {
		key := g.Iterator.Key()
		if !g.started || !bytes.Equal(key.User, g.user) {
			g.user = append(g.user[:0], key.User...)
			g.started = true
			g.floorSeen = false
		}

		if g.floorSeen || g.rolledBack(key.Version) {
			g.dropped++
			continue
		}
		if key.Version >= g.watermark {
			return true
		}

		g.floorSeen = true
		if g.bottomMost && g.Iterator.Tombstone() {
			g.dropped++
			continue
		}
		return true
	}
	return false
}
