package persistence

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/JaimePolidura/SimpleDB/pkg/dberrors"
	"github.com/JaimePolidura/SimpleDB/pkg/iterator"
	"github.com/JaimePolidura/SimpleDB/pkg/types"
)

// SSTable is an immutable sorted table on disk. Only the index and the bloom
// filter stay in memory; blocks go through the shared BlockCache.
//
// A table starts with one reference owned by its level. Every reader takes its
// own reference; the file is closed when the count drops to zero and removed
// too if the table was marked obsolete.
type SSTable struct {
	id    uint64
	level int
	path  string
	file  *os.File
	size  int64

	index      []blockHandle
	bloom      *BloomFilter
	entries    uint64
	maxVersion types.TxnID

	cache    *BlockCache
	refs     atomic.Int32
	obsolete atomic.Bool
}

// Open loads the footer, index and bloom filter of the table at path.
func Open(path string, id uint64, cache *BlockCache) (*SSTable, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, dberrors.IOFailure(err, "failed to open sstable %s", path)
	}

	t, err := load(file, path, id, cache)
	if err != nil {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close sstable after load error", "path", path, "error", cerr)
		}
		return nil, errors.Wrapf(err, "failed to load sstable %d", id)
	}
	return t, nil
}

func load(file *os.File, path string, id uint64, cache *BlockCache) (*SSTable, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, dberrors.IOFailure(err, "failed to stat sstable")
	}
	size := info.Size()
	if size < footerSize {
		return nil, dberrors.Corrupt("sstable of %d bytes", size)
	}

	raw := make([]byte, footerSize)
	if _, err := file.ReadAt(raw, size-footerSize); err != nil {
		return nil, dberrors.IOFailure(err, "failed to read footer")
	}
	f, err := decodeFooter(raw)
	if err != nil {
		return nil, err
	}
	if f.id != id {
		return nil, dberrors.Corrupt("sstable file holds table %d", f.id)
	}
	if f.indexOffset+uint64(f.indexSize) > uint64(size) || f.bloomOffset+uint64(f.bloomSize) > uint64(size) {
		return nil, dberrors.Corrupt("footer offsets out of range")
	}

	indexRaw, err := readSection(file, f.indexOffset, f.indexSize)
	if err != nil {
		return nil, err
	}
	index, err := decodeIndex(indexRaw)
	if err != nil {
		return nil, err
	}

	bloomRaw, err := readSection(file, f.bloomOffset, f.bloomSize)
	if err != nil {
		return nil, err
	}
	bloom, err := DecodeBloomFilter(bloomRaw)
	if err != nil {
		return nil, err
	}

	t := &SSTable{
		id:         id,
		level:      int(f.level),
		path:       path,
		file:       file,
		size:       size,
		index:      index,
		bloom:      bloom,
		entries:    f.entries,
		maxVersion: f.maxVersion,
		cache:      cache,
	}
	t.refs.Store(1)
	return t, nil
}

// readSection reads a crc-suffixed section and returns it without the crc.
func readSection(file *os.File, offset uint64, size uint32) ([]byte, error) {
	if size < 4 {
		return nil, dberrors.Corrupt("section of %d bytes", size)
	}
	raw := make([]byte, size)
	if _, err := file.ReadAt(raw, int64(offset)); err != nil {
		return nil, dberrors.IOFailure(err, "failed to read section at %d", offset)
	}
	body := raw[:size-4]
	if crc := crc32.Checksum(body, castagnoli); crc != binary.LittleEndian.Uint32(raw[size-4:]) {
		return nil, dberrors.Corrupt("section checksum mismatch at %d", offset)
	}
	return body, nil
}

func decodeIndex(data []byte) ([]blockHandle, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 || count == 0 {
		return nil, dberrors.Corrupt("malformed index header")
	}
	data = data[n:]

	index := make([]blockHandle, 0, count)
	for i := uint64(0); i < count; i++ {
		if len(data) < 12 {
			return nil, dberrors.Corrupt("truncated index entry %d", i)
		}
		h := blockHandle{
			offset: binary.LittleEndian.Uint64(data),
			size:   binary.LittleEndian.Uint32(data[8:]),
		}
		data = data[12:]

		var err error
		if h.first, data, err = decodeKey(data); err != nil {
			return nil, err
		}
		if h.last, data, err = decodeKey(data); err != nil {
			return nil, err
		}
		index = append(index, h)
	}
	return index, nil
}

func decodeKey(data []byte) (types.Key, []byte, error) {
	l, n := binary.Uvarint(data)
	if n <= 0 || uint64(len(data)-n) < l+8 {
		return types.Key{}, nil, dberrors.Corrupt("malformed index key")
	}
	data = data[n:]
	user := bytes.Clone(data[:l])
	version := binary.LittleEndian.Uint64(data[l:])
	return types.NewKey(user, version), data[l+8:], nil
}

func (t *SSTable) ID() uint64 {
	return t.id
}

func (t *SSTable) Level() int {
	return t.level
}

func (t *SSTable) Path() string {
	return t.path
}

// Size returns the file size in bytes.
func (t *SSTable) Size() int64 {
	return t.size
}

func (t *SSTable) Entries() uint64 {
	return t.entries
}

func (t *SSTable) MaxVersion() types.TxnID {
	return t.maxVersion
}

// MinKey and MaxKey return the smallest and largest user keys stored.
func (t *SSTable) MinKey() []byte {
	return t.index[0].first.User
}

func (t *SSTable) MaxKey() []byte {
	return t.index[len(t.index)-1].last.User
}

// Overlaps reports whether the table holds user keys in [lo, hi].
func (t *SSTable) Overlaps(lo, hi []byte) bool {
	return bytes.Compare(t.MinKey(), hi) <= 0 && bytes.Compare(lo, t.MaxKey()) <= 0
}

func (t *SSTable) Ref() {
	t.refs.Add(1)
}

func (t *SSTable) Unref() {
	switch n := t.refs.Add(-1); {
	case n == 0:
		t.release()
	case n < 0:
		panic(errors.AssertionFailedf("sstable %d: negative reference count", t.id))
	}
}

// MarkObsolete drops the level's reference. The file is deleted once no
// reader holds the table anymore.
func (t *SSTable) MarkObsolete() {
	t.obsolete.Store(true)
	t.Unref()
}

func (t *SSTable) release() {
	if err := t.file.Close(); err != nil {
		slog.Warn("failed to close sstable", "sstable", t.id, "error", err)
	}
	t.cache.EvictTable(t.id)

	if t.obsolete.Load() {
		if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to delete obsolete sstable", "sstable", t.id, "error", err)
			return
		}
		slog.Debug("deleted obsolete sstable", "sstable", t.id)
	}
}

func (t *SSTable) readBlock(i int) (*block, error) {
	key := blockKey{table: t.id, block: uint32(i)}
	if b, ok := t.cache.Get(key); ok {
		return b, nil
	}

	h := t.index[i]
	sealed := make([]byte, h.size)
	if _, err := t.file.ReadAt(sealed, int64(h.offset)); err != nil {
		return nil, dberrors.IOFailure(err, "failed to read block %d of sstable %d", i, t.id)
	}
	raw, err := openBlock(sealed)
	if err != nil {
		return nil, errors.Wrapf(err, "block %d of sstable %d", i, t.id)
	}
	b, err := decodeBlock(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "block %d of sstable %d", i, t.id)
	}

	t.cache.Set(key, b)
	return b, nil
}

// firstBlock returns the first block that may hold user.
func (t *SSTable) firstBlock(user []byte) int {
	return sort.Search(len(t.index), func(i int) bool {
		return bytes.Compare(t.index[i].last.User, user) >= 0
	})
}

// versions calls fn on every stored version of user, newest first, until fn returns false.
func (t *SSTable) versions(user []byte, fn func(types.Entry) bool) error {
	if !t.bloom.MayContain(user) {
		return nil
	}
	for i := t.firstBlock(user); i < len(t.index); i++ {
		if bytes.Compare(t.index[i].first.User, user) > 0 {
			return nil
		}
		b, err := t.readBlock(i)
		if err != nil {
			return err
		}
		for _, e := range b.entries[b.seek(user):] {
			if !bytes.Equal(e.Key.User, user) {
				return nil
			}
			if !fn(e) {
				return nil
			}
		}
	}
	return nil
}

// Get returns the newest version of user accepted by visible.
func (t *SSTable) Get(user []byte, visible types.Visibility) (types.Entry, bool, error) {
	var (
		found types.Entry
		ok    bool
	)
	err := t.versions(user, func(e types.Entry) bool {
		if visible(e.Key.Version) {
			found, ok = e, true
			return false
		}
		return true
	})
	return found, ok, err
}

// NewestVersion returns the highest version of user not rejected by skip.
func (t *SSTable) NewestVersion(user []byte, skip types.Visibility) (types.TxnID, bool, error) {
	var (
		v  types.TxnID
		ok bool
	)
	err := t.versions(user, func(e types.Entry) bool {
		if !skip(e.Key.Version) {
			v, ok = e.Key.Version, true
			return false
		}
		return true
	})
	return v, ok, err
}

// Iterator yields every stored version with user key >= from, in key order.
// The iterator holds a reference to the table until it is closed.
func (t *SSTable) Iterator(from []byte) iterator.Iterator {
	t.Ref()
	it := &tableIterator{table: t, blockIdx: -1}
	if from != nil {
		it.from = from
		it.blockIdx = t.firstBlock(from) - 1
	}
	return it
}

type tableIterator struct {
	table    *SSTable
	from     []byte
	blockIdx int
	block    *block
	pos      int
	err      error
	closed   bool
}

func (it *tableIterator) Next() bool {
	if it.err != nil || it.closed {
		return false
	}
	if it.block != nil && it.pos+1 < len(it.block.entries) {
		it.pos++
		return true
	}

	for {
		it.blockIdx++
		if it.blockIdx >= len(it.table.index) {
			it.block = nil
			return false
		}
		b, err := it.table.readBlock(it.blockIdx)
		if err != nil {
			it.err = err
			return false
		}
		it.block, it.pos = b, 0
		if it.from != nil {
			it.pos = b.seek(it.from)
			it.from = nil
		}
		if it.pos < len(b.entries) {
			return true
		}
	}
}

func (it *tableIterator) entry() types.Entry {
	return it.block.entries[it.pos]
}

func (it *tableIterator) Key() types.Key  { return it.entry().Key }
func (it *tableIterator) Value() []byte   { return it.entry().Value }
func (it *tableIterator) Tombstone() bool { return it.entry().Tombstone }
func (it *tableIterator) Err() error      { return it.err }

func (it *tableIterator) Close() error {
	if !it.closed {
		it.closed = true
		it.table.Unref()
	}
	return nil
}
