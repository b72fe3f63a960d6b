package txn

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/JaimePolidura/SimpleDB/pkg/config"
	"github.com/JaimePolidura/SimpleDB/pkg/dberrors"
	"github.com/JaimePolidura/SimpleDB/pkg/types"
)

// LogFileName is the name of the transaction log inside the engine root.
const LogFileName = "txn.log"

type RecordType uint8

const (
	RecordStart RecordType = iota + 1
	RecordCommit
	RecordRollback
	RecordMaxTxnID
)

func (r RecordType) String() string {
	switch r {
	case RecordStart:
		return "start"
	case RecordCommit:
		return "commit"
	case RecordRollback:
		return "rollback"
	case RecordMaxTxnID:
		return "max_txn_id"
	default:
		return "unknown"
	}
}

// type(1) txn(8) crc(4)
const recordSize = 1 + 8 + 4

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Recovered is what replaying the transaction log tells about past transactions.
type Recovered struct {
	Committed  []types.TxnID
	RolledBack []types.TxnID
	// MaxTxnID is the highest id that may have been handed out before the restart.
	MaxTxnID types.TxnID
}

// Log is the engine-wide transaction log.
type Log struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	sync   bool
	buf    [recordSize]byte
}

// OpenLog opens (or creates) the log at path and replays it.
//
// A transaction with a Start record and no Commit record is reported as rolled
// back: some of its writes may have reached a WAL and must stay invisible.
func OpenLog(path string, durability string) (*Log, Recovered, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, Recovered{}, dberrors.IOFailure(err, "failed to create transaction log directory")
	}

	rec, err := replay(path)
	if err != nil {
		return nil, Recovered{}, err
	}

	l := &Log{path: path, sync: durability != config.DurabilityWeak}
	if err := l.openForAppend(); err != nil {
		return nil, Recovered{}, err
	}
	return l, rec, nil
}

func (l *Log) openForAppend() error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return dberrors.IOFailure(err, "failed to open transaction log %s", l.path)
	}
	l.file = file
	l.writer = bufio.NewWriter(file)
	return nil
}

func replay(path string) (Recovered, error) {
	var rec Recovered

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rec, nil
		}
		return rec, dberrors.IOFailure(err, "failed to read transaction log")
	}

	if tail := len(data) % recordSize; tail != 0 {
		good := len(data) - tail
		slog.Warn("truncated transaction log tail, dropping partial record",
			"file", path, "offset", good, "size", len(data))
		if err := os.Truncate(path, int64(good)); err != nil {
			return rec, dberrors.IOFailure(err, "failed to truncate transaction log")
		}
		data = data[:good]
	}

	started := make(map[types.TxnID]struct{})
	rolledBack := make(map[types.TxnID]struct{})
	for off := 0; off < len(data); off += recordSize {
		raw := data[off : off+recordSize]
		if crc := crc32.Checksum(raw[:9], castagnoli); crc != binary.LittleEndian.Uint32(raw[9:]) {
			return rec, dberrors.Corrupt("transaction log checksum mismatch at offset %d", off)
		}

		id := binary.LittleEndian.Uint64(raw[1:])
		rec.MaxTxnID = max(rec.MaxTxnID, id)

		switch RecordType(raw[0]) {
		case RecordStart:
			started[id] = struct{}{}
		case RecordCommit:
			delete(started, id)
			rec.Committed = append(rec.Committed, id)
		case RecordRollback:
			delete(started, id)
			rolledBack[id] = struct{}{}
		case RecordMaxTxnID:
		default:
			return rec, dberrors.Corrupt("unknown transaction log record %d at offset %d", raw[0], off)
		}
	}

	for id := range started {
		rolledBack[id] = struct{}{}
	}
	for id := range rolledBack {
		rec.RolledBack = append(rec.RolledBack, id)
	}
	slices.Sort(rec.RolledBack)

	return rec, nil
}

// Append writes one record and waits for the configured durability barrier.
func (l *Log) Append(t RecordType, id types.TxnID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer == nil {
		return dberrors.ErrClosed
	}
	if err := l.write(l.writer, t, id); err != nil {
		return err
	}
	if err := l.writer.Flush(); err != nil {
		return dberrors.IOFailure(err, "failed to flush transaction log")
	}
	if l.sync {
		if err := l.file.Sync(); err != nil {
			return dberrors.IOFailure(err, "failed to sync transaction log")
		}
	}
	return nil
}

func (l *Log) write(w *bufio.Writer, t RecordType, id types.TxnID) error {
	l.buf[0] = byte(t)
	binary.LittleEndian.PutUint64(l.buf[1:], id)
	binary.LittleEndian.PutUint32(l.buf[9:], crc32.Checksum(l.buf[:9], castagnoli))
	if _, err := w.Write(l.buf[:]); err != nil {
		return dberrors.IOFailure(err, "failed to write %s record", t)
	}
	return nil
}

// Rewrite atomically replaces the log with one holding only the rolled-back ids
// and a single id reservation.
func (l *Log) Rewrite(rolledBack []types.TxnID, maxTxnID types.TxnID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tmpPath := l.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return dberrors.IOFailure(err, "failed to create transaction log")
	}

	w := bufio.NewWriter(tmp)
	for _, id := range rolledBack {
		if err := l.write(w, RecordRollback, id); err != nil {
			_ = tmp.Close()
			return err
		}
	}
	if err := l.write(w, RecordMaxTxnID, maxTxnID); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return dberrors.IOFailure(err, "failed to flush transaction log")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return dberrors.IOFailure(err, "failed to sync transaction log")
	}
	if err := tmp.Close(); err != nil {
		return dberrors.IOFailure(err, "failed to close transaction log")
	}

	if l.file != nil {
		if err := l.file.Close(); err != nil {
			slog.Warn("failed to close old transaction log", "error", err)
		}
		l.file, l.writer = nil, nil
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return dberrors.IOFailure(err, "failed to install transaction log")
	}
	if err := syncDir(filepath.Dir(l.path)); err != nil {
		return err
	}
	return l.openForAppend()
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		if err := l.writer.Flush(); err != nil {
			return dberrors.IOFailure(err, "failed to flush transaction log on close")
		}
		l.writer = nil
	}
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return dberrors.IOFailure(err, "failed to close transaction log")
		}
		l.file = nil
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return dberrors.IOFailure(err, "failed to open directory %s", dir)
	}
	defer d.Close()
	return dberrors.IOFailure(d.Sync(), "failed to sync directory %s", dir)
}
