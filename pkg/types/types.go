package types

import "bytes"

// TxnID identifies a transaction. Every stored version is tagged with the id of the
// transaction that wrote it, so TxnID doubles as the MVCC version.
type TxnID = uint64

// KeyspaceID identifies a keyspace (one logical table).
type KeyspaceID = uint64

// Key is a user key paired with the version that wrote it.
type Key struct {
	User    []byte
	Version TxnID
}

func NewKey(user []byte, version TxnID) Key {
	return Key{User: user, Version: version}
}

// Compare orders keys by user bytes ascending and, for equal user bytes,
// by version descending so the newest version of a key sorts first.
func (k Key) Compare(other Key) int {
	if c := bytes.Compare(k.User, other.User); c != 0 {
		return c
	}
	switch {
	case k.Version > other.Version:
		return -1
	case k.Version < other.Version:
		return 1
	default:
		return 0
	}
}

func (k Key) Less(other Key) bool {
	return k.Compare(other) < 0
}

func (k Key) SameUser(other Key) bool {
	return bytes.Equal(k.User, other.User)
}

func (k Key) Clone() Key {
	return Key{User: bytes.Clone(k.User), Version: k.Version}
}

// Entry is a single stored version: either a value or a tombstone.
type Entry struct {
	Key       Key
	Value     []byte
	Tombstone bool
}

// EncodedSize approximates the in-memory and on-disk footprint of the entry.
func (e Entry) EncodedSize() uint64 {
	const versionSize, flagsSize = 8, 1
	return uint64(len(e.Key.User)+len(e.Value)) + versionSize + flagsSize
}

// Visibility decides whether a version may be observed by a reader.
type Visibility func(version TxnID) bool

// AllVisible is used by maintenance paths that must see every version.
func AllVisible(TxnID) bool { return true }
