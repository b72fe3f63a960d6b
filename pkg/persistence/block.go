package persistence

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"sort"

	"github.com/JaimePolidura/SimpleDB/pkg/compression"
	"github.com/JaimePolidura/SimpleDB/pkg/dberrors"
	"github.com/JaimePolidura/SimpleDB/pkg/types"
)

const (
	flagTombstone byte = 1

	// codec(1) crc(4)
	blockTrailerSize = 1 + 4
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// block is a decoded data block: entries in key order.
type block struct {
	entries []types.Entry
}

// appendEntry encodes e as
//
//	key_len uvarint | key | version u64 | flags u8 | value_len uvarint | value
func appendEntry(buf []byte, e types.Entry) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(e.Key.User)))
	buf = append(buf, e.Key.User...)
	buf = binary.LittleEndian.AppendUint64(buf, e.Key.Version)

	var flags byte
	if e.Tombstone {
		flags |= flagTombstone
	}
	buf = append(buf, flags)

	value := e.Value
	if e.Tombstone {
		value = nil
	}
	buf = binary.AppendUvarint(buf, uint64(len(value)))
	return append(buf, value...)
}

func decodeBlock(data []byte) (*block, error) {
	b := &block{}
	for len(data) > 0 {
		keyLen, n := binary.Uvarint(data)
		if n <= 0 || uint64(len(data)-n) < keyLen+9 {
			return nil, dberrors.Corrupt("malformed block entry key")
		}
		data = data[n:]
		user := data[:keyLen:keyLen]
		data = data[keyLen:]

		version := binary.LittleEndian.Uint64(data)
		flags := data[8]
		data = data[9:]

		valueLen, n := binary.Uvarint(data)
		if n <= 0 || uint64(len(data)-n) < valueLen {
			return nil, dberrors.Corrupt("malformed block entry value")
		}
		data = data[n:]

		e := types.Entry{Key: types.NewKey(user, version), Tombstone: flags&flagTombstone != 0}
		if !e.Tombstone {
			e.Value = data[:valueLen:valueLen]
		}
		data = data[valueLen:]
		b.entries = append(b.entries, e)
	}
	return b, nil
}

// seek returns the position of the first entry whose user key is >= user.
func (b *block) seek(user []byte) int {
	return sort.Search(len(b.entries), func(i int) bool {
		return bytes.Compare(b.entries[i].Key.User, user) >= 0
	})
}

// sealBlock compresses raw and appends the trailer: codec u8 | crc32 u32.
func sealBlock(dst []byte, codec compression.Codec, raw []byte) []byte {
	payload := codec.Compress(nil, raw)
	dst = append(dst, payload...)
	dst = append(dst, byte(codec.Type()))
	crc := crc32.Checksum(dst[len(dst)-len(payload)-1:], castagnoli)
	return binary.LittleEndian.AppendUint32(dst, crc)
}

// openBlock verifies and decompresses a sealed block.
func openBlock(sealed []byte) ([]byte, error) {
	if len(sealed) < blockTrailerSize {
		return nil, dberrors.Corrupt("block too short: %d bytes", len(sealed))
	}
	body := sealed[:len(sealed)-4]
	expected := binary.LittleEndian.Uint32(sealed[len(sealed)-4:])
	if crc := crc32.Checksum(body, castagnoli); crc != expected {
		return nil, dberrors.Corrupt("block checksum mismatch: expected %x, actual %x", expected, crc)
	}

	codec, err := compression.ForType(compression.Type(body[len(body)-1]))
	if err != nil {
		return nil, err
	}
	return codec.Decompress(nil, body[:len(body)-1])
}
