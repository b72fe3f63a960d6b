package persistence

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/JaimePolidura/SimpleDB/pkg/dberrors"
	"github.com/JaimePolidura/SimpleDB/pkg/types"
)

const ManifestFileName = "MANIFEST"

// record envelope fields
const (
	fieldFlush      protowire.Number = 1
	fieldCompaction protowire.Number = 2
	fieldSnapshot   protowire.Number = 3
)

// len(4) crc(4)
const manifestHeaderSize = 8

// FlushRecord says memtable MemtableID became table SSTableID in level 0.
type FlushRecord struct {
	MemtableID uint64
	SSTableID  uint64
	Level      int
	MaxVersion types.TxnID
}

// CompactionRecord replaces Removed tables with Added tables in ResultingLevel.
type CompactionRecord struct {
	Level          int
	Removed        []uint64
	Added          []uint64
	ResultingLevel int
	MaxVersion     types.TxnID
}

// ManifestState is the table layout obtained by replaying the manifest.
type ManifestState struct {
	// Levels maps a level to its table ids in install order.
	Levels        map[int][]uint64
	NextSSTableID uint64
	// FlushedMemtable is the highest memtable id already in an SSTable, -1 if none.
	FlushedMemtable int64
	MaxVersion      types.TxnID
}

func newManifestState() ManifestState {
	return ManifestState{Levels: make(map[int][]uint64), FlushedMemtable: -1}
}

func (s *ManifestState) applyFlush(r FlushRecord) {
	s.Levels[r.Level] = append(s.Levels[r.Level], r.SSTableID)
	s.NextSSTableID = max(s.NextSSTableID, r.SSTableID+1)
	s.FlushedMemtable = max(s.FlushedMemtable, int64(r.MemtableID))
	s.MaxVersion = max(s.MaxVersion, r.MaxVersion)
}

func (s *ManifestState) applyCompaction(r CompactionRecord) {
	for level, ids := range s.Levels {
		s.Levels[level] = slices.DeleteFunc(ids, func(id uint64) bool {
			return slices.Contains(r.Removed, id)
		})
	}
	s.Levels[r.ResultingLevel] = append(s.Levels[r.ResultingLevel], r.Added...)
	for _, id := range r.Added {
		s.NextSSTableID = max(s.NextSSTableID, id+1)
	}
	s.MaxVersion = max(s.MaxVersion, r.MaxVersion)
}

// TableIDs returns every referenced table id.
func (s ManifestState) TableIDs() map[uint64]int {
	out := make(map[uint64]int)
	for level, ids := range s.Levels {
		for _, id := range ids {
			out[id] = level
		}
	}
	return out
}

// Manifest is the append-only log of table layout changes of one keyspace.
type Manifest struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
}

// OpenManifest replays the manifest in dir and compacts it into a single snapshot record.
func OpenManifest(dir string) (*Manifest, ManifestState, error) {
	path := filepath.Join(dir, ManifestFileName)

	state, err := replayManifest(path)
	if err != nil {
		return nil, state, err
	}

	m := &Manifest{path: path}
	if err := m.rewrite(state); err != nil {
		return nil, state, err
	}
	return m, state, nil
}

func replayManifest(path string) (ManifestState, error) {
	state := newManifestState()

	file, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return state, dberrors.IOFailure(err, "failed to open manifest")
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return state, dberrors.IOFailure(err, "failed to stat manifest")
	}

	reader := bufio.NewReader(file)
	var (
		offset int64
		header [manifestHeaderSize]byte
	)
	for {
		if _, err := io.ReadFull(reader, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return state, nil
			}
			return state, truncateManifest(file, path, offset, err)
		}
		size := int64(binary.LittleEndian.Uint32(header[0:]))
		if offset+manifestHeaderSize+size > info.Size() {
			return state, truncateManifest(file, path, offset, io.ErrUnexpectedEOF)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return state, truncateManifest(file, path, offset, err)
		}
		if crc := crc32.Checksum(payload, castagnoli); crc != binary.LittleEndian.Uint32(header[4:]) {
			return state, dberrors.Corrupt("manifest checksum mismatch at offset %d", offset)
		}
		if err := decodeRecord(payload, &state); err != nil {
			return state, errors.Wrapf(err, "manifest record at offset %d", offset)
		}
		offset += manifestHeaderSize + int64(len(payload))
	}
}

func truncateManifest(file *os.File, path string, offset int64, cause error) error {
	if !errors.Is(cause, io.ErrUnexpectedEOF) {
		return dberrors.IOFailure(cause, "failed to read manifest")
	}
	slog.Warn("truncated manifest tail, dropping partial record", "file", path, "offset", offset)
	return dberrors.IOFailure(file.Truncate(offset), "failed to truncate manifest")
}

// LogFlush durably records a memtable flush. The table may only be installed afterwards.
func (m *Manifest) LogFlush(r FlushRecord) error {
	return m.append(encodeFlush(nil, r))
}

// LogCompaction durably records a compaction. Outputs may only be installed afterwards.
func (m *Manifest) LogCompaction(r CompactionRecord) error {
	return m.append(encodeCompaction(nil, r))
}

func (m *Manifest) append(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writer == nil {
		return dberrors.ErrClosed
	}
	if err := writeRecord(m.writer, payload); err != nil {
		return err
	}
	if err := m.writer.Flush(); err != nil {
		return dberrors.IOFailure(err, "failed to flush manifest")
	}
	return dberrors.IOFailure(m.file.Sync(), "failed to sync manifest")
}

func writeRecord(w io.Writer, payload []byte) error {
	var header [manifestHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:], crc32.Checksum(payload, castagnoli))
	if _, err := w.Write(header[:]); err != nil {
		return dberrors.IOFailure(err, "failed to write manifest record")
	}
	if _, err := w.Write(payload); err != nil {
		return dberrors.IOFailure(err, "failed to write manifest record")
	}
	return nil
}

func (m *Manifest) rewrite(state ManifestState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tmpPath := m.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return dberrors.IOFailure(err, "failed to create manifest")
	}
	if err := writeRecord(tmp, encodeSnapshot(nil, state)); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return dberrors.IOFailure(err, "failed to sync manifest")
	}
	if err := tmp.Close(); err != nil {
		return dberrors.IOFailure(err, "failed to close manifest")
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		return dberrors.IOFailure(err, "failed to install manifest")
	}
	if err := syncDir(filepath.Dir(m.path)); err != nil {
		return err
	}

	file, err := os.OpenFile(m.path, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return dberrors.IOFailure(err, "failed to open manifest")
	}
	m.file = file
	m.writer = bufio.NewWriter(file)
	return nil
}

func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file == nil {
		return nil
	}
	err := m.writer.Flush()
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	m.file, m.writer = nil, nil
	return dberrors.IOFailure(err, "failed to close manifest")
}

func encodeFlush(b []byte, r FlushRecord) []byte {
	var body []byte
	body = protowire.AppendTag(body, 1, protowire.VarintType)
	body = protowire.AppendVarint(body, r.MemtableID)
	body = protowire.AppendTag(body, 2, protowire.VarintType)
	body = protowire.AppendVarint(body, r.SSTableID)
	body = protowire.AppendTag(body, 3, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(r.Level))
	body = protowire.AppendTag(body, 4, protowire.VarintType)
	body = protowire.AppendVarint(body, r.MaxVersion)

	b = protowire.AppendTag(b, fieldFlush, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func encodeCompaction(b []byte, r CompactionRecord) []byte {
	var body []byte
	body = protowire.AppendTag(body, 1, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(r.Level))
	for _, id := range r.Removed {
		body = protowire.AppendTag(body, 2, protowire.VarintType)
		body = protowire.AppendVarint(body, id)
	}
	for _, id := range r.Added {
		body = protowire.AppendTag(body, 3, protowire.VarintType)
		body = protowire.AppendVarint(body, id)
	}
	body = protowire.AppendTag(body, 4, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(r.ResultingLevel))
	body = protowire.AppendTag(body, 5, protowire.VarintType)
	body = protowire.AppendVarint(body, r.MaxVersion)

	b = protowire.AppendTag(b, fieldCompaction, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func encodeSnapshot(b []byte, s ManifestState) []byte {
	levels := make([]int, 0, len(s.Levels))
	for level := range s.Levels {
		levels = append(levels, level)
	}
	slices.Sort(levels)

	var body []byte
	for _, level := range levels {
		var lvl []byte
		lvl = protowire.AppendTag(lvl, 1, protowire.VarintType)
		lvl = protowire.AppendVarint(lvl, uint64(level))
		for _, id := range s.Levels[level] {
			lvl = protowire.AppendTag(lvl, 2, protowire.VarintType)
			lvl = protowire.AppendVarint(lvl, id)
		}
		body = protowire.AppendTag(body, 1, protowire.BytesType)
		body = protowire.AppendBytes(body, lvl)
	}
	body = protowire.AppendTag(body, 2, protowire.VarintType)
	body = protowire.AppendVarint(body, s.NextSSTableID)
	// stored shifted by one so that zero means no flush yet
	body = protowire.AppendTag(body, 3, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(s.FlushedMemtable+1))
	body = protowire.AppendTag(body, 4, protowire.VarintType)
	body = protowire.AppendVarint(body, s.MaxVersion)

	b = protowire.AppendTag(b, fieldSnapshot, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func decodeRecord(payload []byte, state *ManifestState) error {
	num, typ, n := protowire.ConsumeTag(payload)
	if n < 0 || typ != protowire.BytesType {
		return dberrors.Corrupt("malformed manifest record tag")
	}
	body, m := protowire.ConsumeBytes(payload[n:])
	if m < 0 {
		return dberrors.Corrupt("malformed manifest record body")
	}

	switch num {
	case fieldFlush:
		var r FlushRecord
		err := consumeFields(body, func(f protowire.Number, v uint64, _ []byte) {
			switch f {
			case 1:
				r.MemtableID = v
			case 2:
				r.SSTableID = v
			case 3:
				r.Level = int(v)
			case 4:
				r.MaxVersion = v
			}
		})
		if err != nil {
			return err
		}
		state.applyFlush(r)
	case fieldCompaction:
		var r CompactionRecord
		err := consumeFields(body, func(f protowire.Number, v uint64, _ []byte) {
			switch f {
			case 1:
				r.Level = int(v)
			case 2:
				r.Removed = append(r.Removed, v)
			case 3:
				r.Added = append(r.Added, v)
			case 4:
				r.ResultingLevel = int(v)
			case 5:
				r.MaxVersion = v
			}
		})
		if err != nil {
			return err
		}
		state.applyCompaction(r)
	case fieldSnapshot:
		fresh := newManifestState()
		var nested error
		err := consumeFields(body, func(f protowire.Number, v uint64, raw []byte) {
			switch f {
			case 1:
				var (
					level int
					ids   []uint64
				)
				nested = errors.CombineErrors(nested, consumeFields(raw, func(f protowire.Number, v uint64, _ []byte) {
					if f == 1 {
						level = int(v)
					} else if f == 2 {
						ids = append(ids, v)
					}
				}))
				fresh.Levels[level] = ids
			case 2:
				fresh.NextSSTableID = v
			case 3:
				fresh.FlushedMemtable = int64(v) - 1
			case 4:
				fresh.MaxVersion = v
			}
		})
		if err = errors.CombineErrors(err, nested); err != nil {
			return err
		}
		*state = fresh
	default:
		return dberrors.Corrupt("unknown manifest record %d", num)
	}
	return nil
}

// consumeFields walks a flat message of varint and bytes fields.
func consumeFields(b []byte, fn func(num protowire.Number, v uint64, raw []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return dberrors.Corrupt("malformed manifest field: %v", protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return dberrors.Corrupt("malformed manifest varint: %v", protowire.ParseError(m))
			}
			fn(num, v, nil)
			b = b[m:]
		case protowire.BytesType:
			raw, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return dberrors.Corrupt("malformed manifest bytes: %v", protowire.ParseError(m))
			}
			fn(num, 0, raw)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return dberrors.Corrupt("malformed manifest field: %v", protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return nil
}
