package wal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/JaimePolidura/SimpleDB/pkg/config"
	"github.com/JaimePolidura/SimpleDB/pkg/dberrors"
	"github.com/JaimePolidura/SimpleDB/pkg/types"
)

const (
	filePrefix = "wal-"

	// crc(4) keyLen(4) version(8) flags(1)
	headerSize   = 4 + 4 + 8 + 1
	valueLenSize = 4

	flagTombstone byte = 1
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// WAL is the write-ahead log of a single memtable.
//
// Record layout (little endian):
//
//	crc u32 | key_len u32 | version u64 | flags u8 | key | value_len u32 | value
//
// The crc covers every byte after itself.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string
	id       uint64
	sync     bool
	buf      []byte
}

// FileName returns the file name of the WAL owned by memtable id.
func FileName(id uint64) string {
	return filePrefix + strconv.FormatUint(id, 10)
}

// Create creates a new, empty WAL for memtable id.
func Create(dir string, id uint64, durability string) (*WAL, error) {
	return open(dir, id, durability, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND)
}

// Open opens an existing WAL for appending.
func Open(dir string, id uint64, durability string) (*WAL, error) {
	return open(dir, id, durability, os.O_WRONLY|os.O_APPEND)
}

func open(dir string, id uint64, durability string, flags int) (*WAL, error) {
	if dir == "" {
		return nil, errors.New("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, dberrors.IOFailure(err, "failed to create WAL directory")
	}

	filePath := filepath.Join(dir, FileName(id))
	file, err := os.OpenFile(filePath, flags, 0600)
	if err != nil {
		return nil, dberrors.IOFailure(err, "failed to open WAL file %s", filePath)
	}

	return &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: filePath,
		id:       id,
		sync:     durability != config.DurabilityWeak,
	}, nil
}

// ListIDs returns the memtable ids of every WAL file in dir, ascending.
func ListIDs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dberrors.IOFailure(err, "failed to list WAL files")
	}

	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(name, filePrefix), 10, 64)
		if err != nil {
			slog.Warn("skipping unrecognized WAL file", "file", name)
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (w *WAL) ID() uint64 {
	return w.id
}

// Append durably writes entries as one batch. It returns once the batch reached
// the OS (weak durability) or stable storage (strong durability).
func (w *WAL) Append(entries ...types.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return dberrors.ErrClosed
	}

	for _, e := range entries {
		if err := w.writeEntry(e); err != nil {
			return errors.Wrap(err, "failed to write WAL entry")
		}
	}

	if err := w.writer.Flush(); err != nil {
		return dberrors.IOFailure(err, "failed to flush WAL")
	}
	if w.sync {
		if err := w.file.Sync(); err != nil {
			return dberrors.IOFailure(err, "failed to sync WAL")
		}
	}
	return nil
}

func (w *WAL) writeEntry(e types.Entry) error {
	if len(e.Key.User) > math.MaxUint32 || len(e.Value) > math.MaxUint32 {
		return errors.Mark(errors.Newf("entry too large: key=%d value=%d",
			len(e.Key.User), len(e.Value)), dberrors.ErrTooLargeEntry)
	}

	size := headerSize + len(e.Key.User) + valueLenSize + len(e.Value)
	if cap(w.buf) < size {
		w.buf = make([]byte, size)
	}
	buf := w.buf[:size]

	binary.LittleEndian.PutUint32(buf[4:], uint32(len(e.Key.User)))
	binary.LittleEndian.PutUint64(buf[8:], e.Key.Version)
	buf[16] = 0
	if e.Tombstone {
		buf[16] = flagTombstone
	}
	off := headerSize
	off += copy(buf[off:], e.Key.User)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Value)))
	off += valueLenSize
	copy(buf[off:], e.Value)

	binary.LittleEndian.PutUint32(buf[0:], crc32.Checksum(buf[4:], castagnoli))

	if _, err := w.writer.Write(buf); err != nil {
		return dberrors.IOFailure(err, "failed to append WAL record")
	}
	return nil
}

// Replay reads every record of the WAL file at path in order and calls fn.
// A truncated trailing record (a crash in the middle of an append) ends replay
// cleanly and the file is cut back to the last complete record. A checksum
// mismatch on a complete record is reported as corruption.
func Replay(dir string, id uint64, fn func(types.Entry) error) (maxVersion types.TxnID, err error) {
	filePath := filepath.Join(dir, FileName(id))
	file, err := os.OpenFile(filePath, os.O_RDWR, 0600)
	if err != nil {
		return 0, dberrors.IOFailure(err, "failed to open WAL for reading")
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	info, err := file.Stat()
	if err != nil {
		return 0, dberrors.IOFailure(err, "failed to stat WAL")
	}
	size := info.Size()

	reader := bufio.NewReader(file)
	var offset int64
	for {
		entry, n, err := readEntry(reader, size-offset)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			slog.Warn("truncated WAL tail, dropping partial record",
				"file", filePath, "offset", offset, "size", size)
			if terr := file.Truncate(offset); terr != nil {
				return maxVersion, dberrors.IOFailure(terr, "failed to truncate WAL tail")
			}
			break
		}
		if err != nil {
			return maxVersion, errors.Wrapf(err, "failed to read WAL %s at offset %d", filePath, offset)
		}

		offset += n
		if entry.Key.Version > maxVersion {
			maxVersion = entry.Key.Version
		}
		if err := fn(entry); err != nil {
			return maxVersion, errors.Wrap(err, "WAL replay callback failed")
		}
	}

	return maxVersion, nil
}

// readEntry decodes one record. remaining bounds length fields so a torn
// header cannot trigger a huge allocation.
func readEntry(r io.Reader, remaining int64) (types.Entry, int64, error) {
	var (
		entry  types.Entry
		header [headerSize]byte
	)

	if _, err := io.ReadFull(r, header[:]); err != nil {
		return entry, 0, err
	}

	keyLen := int64(binary.LittleEndian.Uint32(header[4:]))
	if headerSize+keyLen+valueLenSize > remaining {
		return entry, 0, io.ErrUnexpectedEOF
	}

	body := make([]byte, keyLen+valueLenSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return entry, 0, unexpected(err)
	}
	valueLen := int64(binary.LittleEndian.Uint32(body[keyLen:]))
	if headerSize+keyLen+valueLenSize+valueLen > remaining {
		return entry, 0, io.ErrUnexpectedEOF
	}
	value := make([]byte, valueLen)
	if _, err := io.ReadFull(r, value); err != nil {
		return entry, 0, unexpected(err)
	}

	crc := crc32.Update(0, castagnoli, header[4:])
	crc = crc32.Update(crc, castagnoli, body)
	crc = crc32.Update(crc, castagnoli, value)
	if expected := binary.LittleEndian.Uint32(header[0:]); crc != expected {
		return entry, 0, dberrors.Corrupt("WAL checksum mismatch: expected %x, actual %x", expected, crc)
	}

	entry.Key = types.NewKey(body[:keyLen:keyLen], binary.LittleEndian.Uint64(header[8:]))
	entry.Tombstone = header[16]&flagTombstone != 0
	if !entry.Tombstone {
		entry.Value = value
	}
	return entry, headerSize + keyLen + valueLenSize + valueLen, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return dberrors.IOFailure(err, "failed to flush WAL on close")
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return dberrors.IOFailure(err, "failed to close WAL file")
		}
		w.file = nil
	}

	return nil
}

// Delete closes the WAL and removes its file. Called once its memtable is flushed.
func (w *WAL) Delete() error {
	if err := w.Close(); err != nil {
		return err
	}
	if err := os.Remove(w.filePath); err != nil && !os.IsNotExist(err) {
		return dberrors.IOFailure(err, "failed to delete WAL %s", w.filePath)
	}
	return nil
}

// Remove deletes the WAL file of memtable id without opening it.
func Remove(dir string, id uint64) error {
	err := os.Remove(filepath.Join(dir, FileName(id)))
	if err != nil && !os.IsNotExist(err) {
		return dberrors.IOFailure(err, "failed to delete WAL %d", id)
	}
	return nil
}
