package batch

import "bytes"

// Op is one buffered mutation.
type Op struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// WriteBatch groups mutations of one keyspace that commit atomically.
// Later operations on the same key replace earlier ones.
type WriteBatch struct {
	ops  []Op
	size int
}

func New() *WriteBatch {
	return &WriteBatch{}
}

func (b *WriteBatch) Put(key, value []byte) {
	b.append(Op{Key: bytes.Clone(key), Value: bytes.Clone(value)})
}

func (b *WriteBatch) Delete(key []byte) {
	b.append(Op{Key: bytes.Clone(key), Delete: true})
}

func (b *WriteBatch) append(op Op) {
	b.ops = append(b.ops, op)
	b.size += len(op.Key) + len(op.Value)
}

func (b *WriteBatch) Clear() {
	b.ops = b.ops[:0]
	b.size = 0
}

func (b *WriteBatch) Count() int {
	return len(b.ops)
}

// Size is the number of key and value bytes buffered.
func (b *WriteBatch) Size() int {
	return b.size
}

// Ops returns the mutations in insertion order.
func (b *WriteBatch) Ops() []Op {
	return b.ops
}
