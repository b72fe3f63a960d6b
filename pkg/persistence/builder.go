package persistence

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/JaimePolidura/SimpleDB/pkg/compression"
	"github.com/JaimePolidura/SimpleDB/pkg/config"
	"github.com/JaimePolidura/SimpleDB/pkg/dberrors"
	"github.com/JaimePolidura/SimpleDB/pkg/types"
)

const (
	tableMagic    uint64 = 0x53494d504c454442 // "SIMPLEDB"
	formatVersion uint32 = 1
	footerSize           = 72
)

type blockHandle struct {
	offset uint64
	size   uint32
	first  types.Key
	last   types.Key
}

// Builder writes one SSTable. Entries must be added in strictly increasing key order.
//
// File layout:
//
//	block... | index | index crc | bloom | bloom crc | footer
type Builder struct {
	id        uint64
	level     int
	codec     compression.Codec
	blockSize int
	fpRate    float64

	data       []byte
	block      []byte
	blockFirst types.Key
	index      []blockHandle

	last       types.Key
	hashes     []uint64
	entries    uint64
	maxVersion types.TxnID
}

func NewBuilder(cfg config.PersistenceConfig, codec compression.Codec, id uint64, level int) *Builder {
	return &Builder{
		id:        id,
		level:     level,
		codec:     codec,
		blockSize: cfg.SSTable.BlockSizeBytes,
		fpRate:    cfg.BloomFilter.FPRate,
	}
}

func (b *Builder) ID() uint64 {
	return b.id
}

func (b *Builder) Level() int {
	return b.level
}

// Add appends e. A key that does not sort after the previous one is a programming error.
func (b *Builder) Add(e types.Entry) {
	if b.entries > 0 && !b.last.Less(e.Key) {
		panic(errors.AssertionFailedf("sstable %d: key %q@%d added after %q@%d",
			b.id, e.Key.User, e.Key.Version, b.last.User, b.last.Version))
	}

	if b.entries == 0 || !bytes.Equal(b.last.User, e.Key.User) {
		b.hashes = append(b.hashes, hashKey(e.Key.User))
	}
	if len(b.block) == 0 {
		b.blockFirst = e.Key.Clone()
	}

	b.block = appendEntry(b.block, e)
	b.last = e.Key.Clone()
	b.entries++
	b.maxVersion = max(b.maxVersion, e.Key.Version)

	if len(b.block) >= b.blockSize {
		b.finishBlock()
	}
}

func (b *Builder) finishBlock() {
	if len(b.block) == 0 {
		return
	}
	offset := len(b.data)
	b.data = sealBlock(b.data, b.codec, b.block)
	b.index = append(b.index, blockHandle{
		offset: uint64(offset),
		size:   uint32(len(b.data) - offset),
		first:  b.blockFirst,
		last:   b.last,
	})
	b.block = b.block[:0]
}

// LastKey returns the last key added.
func (b *Builder) LastKey() types.Key {
	return b.last
}

// Len returns the number of entries added.
func (b *Builder) Len() uint64 {
	return b.entries
}

// EstimatedSize approximates the file size if finished now.
func (b *Builder) EstimatedSize() int {
	return len(b.data) + len(b.block)
}

// Finish writes the table to path and syncs both the file and its directory.
func (b *Builder) Finish(path string) error {
	if b.entries == 0 {
		return errors.AssertionFailedf("sstable %d: finishing an empty table", b.id)
	}
	b.finishBlock()

	out := b.data
	indexOffset := len(out)
	out = b.appendIndex(out)
	out = binary.LittleEndian.AppendUint32(out, crc32.Checksum(out[indexOffset:], castagnoli))
	indexSize := len(out) - indexOffset

	bloom := NewBloomFilter(len(b.hashes), b.fpRate)
	for _, h := range b.hashes {
		bloom.addHash(h)
	}
	bloomOffset := len(out)
	out = append(out, bloom.Encode()...)
	out = binary.LittleEndian.AppendUint32(out, crc32.Checksum(out[bloomOffset:], castagnoli))
	bloomSize := len(out) - bloomOffset

	out = appendFooter(out, footer{
		id:          b.id,
		level:       uint32(b.level),
		indexOffset: uint64(indexOffset),
		indexSize:   uint32(indexSize),
		bloomOffset: uint64(bloomOffset),
		bloomSize:   uint32(bloomSize),
		entries:     b.entries,
		maxVersion:  b.maxVersion,
	})

	return writeFile(path, out)
}

func (b *Builder) appendIndex(out []byte) []byte {
	out = binary.AppendUvarint(out, uint64(len(b.index)))
	for _, h := range b.index {
		out = binary.LittleEndian.AppendUint64(out, h.offset)
		out = binary.LittleEndian.AppendUint32(out, h.size)
		out = appendKey(out, h.first)
		out = appendKey(out, h.last)
	}
	return out
}

func appendKey(out []byte, k types.Key) []byte {
	out = binary.AppendUvarint(out, uint64(len(k.User)))
	out = append(out, k.User...)
	return binary.LittleEndian.AppendUint64(out, k.Version)
}

type footer struct {
	id          uint64
	level       uint32
	indexOffset uint64
	indexSize   uint32
	bloomOffset uint64
	bloomSize   uint32
	entries     uint64
	maxVersion  types.TxnID
}

// appendFooter writes the fixed-size footer:
//
//	magic u64 | id u64 | level u32 | format u32 | index_off u64 | index_size u32 |
//	bloom_size u32 | bloom_off u64 | entries u64 | max_version u64 | reserved u32 | crc u32
func appendFooter(out []byte, f footer) []byte {
	start := len(out)
	out = binary.LittleEndian.AppendUint64(out, tableMagic)
	out = binary.LittleEndian.AppendUint64(out, f.id)
	out = binary.LittleEndian.AppendUint32(out, f.level)
	out = binary.LittleEndian.AppendUint32(out, formatVersion)
	out = binary.LittleEndian.AppendUint64(out, f.indexOffset)
	out = binary.LittleEndian.AppendUint32(out, f.indexSize)
	out = binary.LittleEndian.AppendUint32(out, f.bloomSize)
	out = binary.LittleEndian.AppendUint64(out, f.bloomOffset)
	out = binary.LittleEndian.AppendUint64(out, f.entries)
	out = binary.LittleEndian.AppendUint64(out, f.maxVersion)
	out = binary.LittleEndian.AppendUint32(out, 0)
	return binary.LittleEndian.AppendUint32(out, crc32.Checksum(out[start:], castagnoli))
}

func decodeFooter(raw []byte) (footer, error) {
	var f footer
	if len(raw) != footerSize {
		return f, dberrors.Corrupt("footer of %d bytes", len(raw))
	}
	if crc := crc32.Checksum(raw[:footerSize-4], castagnoli); crc != binary.LittleEndian.Uint32(raw[footerSize-4:]) {
		return f, dberrors.Corrupt("footer checksum mismatch")
	}
	if magic := binary.LittleEndian.Uint64(raw[0:]); magic != tableMagic {
		return f, dberrors.Corrupt("bad sstable magic %x", magic)
	}
	if v := binary.LittleEndian.Uint32(raw[20:]); v != formatVersion {
		return f, dberrors.Corrupt("unsupported sstable format %d", v)
	}

	f.id = binary.LittleEndian.Uint64(raw[8:])
	f.level = binary.LittleEndian.Uint32(raw[16:])
	f.indexOffset = binary.LittleEndian.Uint64(raw[24:])
	f.indexSize = binary.LittleEndian.Uint32(raw[32:])
	f.bloomSize = binary.LittleEndian.Uint32(raw[36:])
	f.bloomOffset = binary.LittleEndian.Uint64(raw[40:])
	f.entries = binary.LittleEndian.Uint64(raw[48:])
	f.maxVersion = binary.LittleEndian.Uint64(raw[56:])
	return f, nil
}

func writeFile(path string, data []byte) (err error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return dberrors.IOFailure(err, "failed to create sstable %s", path)
	}
	defer func() {
		if err != nil {
			_ = file.Close()
			_ = os.Remove(path)
		}
	}()

	if _, err = file.Write(data); err != nil {
		return dberrors.IOFailure(err, "failed to write sstable %s", path)
	}
	if err = file.Sync(); err != nil {
		return dberrors.IOFailure(err, "failed to sync sstable %s", path)
	}
	if err = file.Close(); err != nil {
		return dberrors.IOFailure(err, "failed to close sstable %s", path)
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return dberrors.IOFailure(err, "failed to open directory %s", dir)
	}
	defer d.Close()
	return dberrors.IOFailure(d.Sync(), "failed to sync directory %s", dir)
}
