package txn

import (
	"bytes"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/JaimePolidura/SimpleDB/pkg/config"
	"github.com/JaimePolidura/SimpleDB/pkg/dberrors"
	"github.com/JaimePolidura/SimpleDB/pkg/types"
)

// memStore keeps every version in memory, newest first per key.
type memStore struct {
	mu       sync.Mutex
	versions map[string][]types.Entry
	failNext error
}

func newMemStore() *memStore {
	return &memStore{versions: make(map[string][]types.Entry)}
}

func storeKey(ks types.KeyspaceID, user []byte) string {
	return string(rune(ks)) + "/" + string(user)
}

func (s *memStore) NewestVersion(ks types.KeyspaceID, user []byte, skip types.Visibility) (types.TxnID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.versions[storeKey(ks, user)] {
		if !skip(e.Key.Version) {
			return e.Key.Version, true, nil
		}
	}
	return 0, false, nil
}

func (s *memStore) Apply(t *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ks := range t.Keyspaces() {
		for _, e := range t.Writes(ks) {
			k := storeKey(ks, e.Key.User)
			s.versions[k] = append(s.versions[k], e)
			sort.Slice(s.versions[k], func(i, j int) bool {
				return s.versions[k][i].Key.Version > s.versions[k][j].Key.Version
			})
		}
	}
	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}
	return nil
}

func (s *memStore) get(m *Manager, t *Transaction, ks types.KeyspaceID, user string) (string, bool) {
	if e, ok := t.Get(ks, []byte(user)); ok {
		return string(e.Value), !e.Tombstone
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.versions[storeKey(ks, []byte(user))] {
		if m.IsVisible(t, e.Key.Version) {
			return string(e.Value), !e.Tombstone
		}
	}
	return "", false
}

func newTestManager(t *testing.T, dir string) *Manager {
	t.Helper()
	l, rec, err := OpenLog(filepath.Join(dir, LogFileName), config.DurabilityWeak)
	require.NoError(t, err)
	m, err := NewManager(l, rec, 0, 16)
	require.NoError(t, err)
	return m
}

func TestManager_SnapshotIsolation(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	defer m.Close()
	s := newMemStore()

	t1, err := m.Start(SnapshotIsolation)
	require.NoError(t, err)
	require.NoError(t, t1.Set(1, []byte("a"), []byte("1")))
	require.NoError(t, m.Commit(t1, s))

	// t2 starts while t3 is running
	t3, err := m.Start(SnapshotIsolation)
	require.NoError(t, err)
	t2, err := m.Start(SnapshotIsolation)
	require.NoError(t, err)

	require.NoError(t, t3.Set(1, []byte("a"), []byte("3")))
	require.NoError(t, m.Commit(t3, s))

	v, found := s.get(m, t2, 1, "a")
	require.True(t, found)
	require.Equal(t, "1", v, "t3 was running when t2 started")

	t4, err := m.Start(SnapshotIsolation)
	require.NoError(t, err)
	v, _ = s.get(m, t4, 1, "a")
	require.Equal(t, "3", v)

	require.NoError(t, t4.Delete(1, []byte("a")))
	_, found = s.get(m, t4, 1, "a")
	require.False(t, found, "own delete is visible")
	require.NoError(t, m.Rollback(t4))

	_, found = s.get(m, t2, 1, "a")
	require.True(t, found)
	require.NoError(t, m.Commit(t2, s))
}

func TestManager_ReadCommitted(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	defer m.Close()
	s := newMemStore()

	reader, err := m.Start(ReadCommitted)
	require.NoError(t, err)

	writer, err := m.Start(SnapshotIsolation)
	require.NoError(t, err)
	require.NoError(t, writer.Set(1, []byte("k"), []byte("v")))

	_, found := s.get(m, reader, 1, "k")
	require.False(t, found, "no dirty reads")

	require.NoError(t, m.Commit(writer, s))

	v, found := s.get(m, reader, 1, "k")
	require.True(t, found)
	require.Equal(t, "v", v)
}

func TestManager_Conflict(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	defer m.Close()
	s := newMemStore()

	for _, iso := range []Isolation{SnapshotIsolation, ReadCommitted} {
		t.Run(iso.String(), func(t *testing.T) {
			first, err := m.Start(iso)
			require.NoError(t, err)
			second, err := m.Start(iso)
			require.NoError(t, err)

			require.NoError(t, first.Set(7, []byte("x"), []byte("first")))
			require.NoError(t, second.Set(7, []byte("x"), []byte("second")))

			require.NoError(t, m.Commit(first, s))
			err = m.Commit(second, s)
			require.True(t, errors.Is(err, dberrors.ErrTransactionConflict))
			require.True(t, dberrors.IsRetryable(err))
			require.Equal(t, StateRolledBack, second.State())

			retry, err := m.Start(iso)
			require.NoError(t, err)
			require.NoError(t, retry.Set(7, []byte("x"), []byte("second")))
			require.NoError(t, m.Commit(retry, s))
		})
	}
	require.Zero(t, m.ActiveCount())
}

func TestManager_FailedApplyIsRolledBack(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	s := newMemStore()

	broken, err := m.Start(SnapshotIsolation)
	require.NoError(t, err)
	require.NoError(t, broken.Set(1, []byte("k"), []byte("partial")))

	s.failNext = errors.New("disk full")
	require.Error(t, m.Commit(broken, s))
	require.True(t, m.IsRolledBack(broken.ID()))

	reader, err := m.Start(SnapshotIsolation)
	require.NoError(t, err)
	_, found := s.get(m, reader, 1, "k")
	require.False(t, found)

	// the partial version never blocks later writers
	next, err := m.Start(SnapshotIsolation)
	require.NoError(t, err)
	require.NoError(t, next.Set(1, []byte("k"), []byte("ok")))
	require.NoError(t, m.Commit(next, s))
	require.NoError(t, m.Close())

	reopened := newTestManager(t, dir)
	defer reopened.Close()
	require.True(t, reopened.IsRolledBack(broken.ID()))
}

func TestManager_IDsNeverRepeat(t *testing.T) {
	dir := t.TempDir()

	var last types.TxnID
	for restart := 0; restart < 3; restart++ {
		m := newTestManager(t, dir)
		// more than one reservation batch, all read-only
		for i := 0; i < 40; i++ {
			tx, err := m.Start(SnapshotIsolation)
			require.NoError(t, err)
			require.Greater(t, tx.ID(), last)
			last = tx.ID()
			require.NoError(t, m.Commit(tx, newMemStore()))
		}
		require.NoError(t, m.Close())
	}
}

func TestManager_GCWatermark(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	defer m.Close()

	require.Equal(t, m.NextID(), m.GCWatermark())

	old, err := m.Start(SnapshotIsolation)
	require.NoError(t, err)
	young, err := m.Start(SnapshotIsolation)
	require.NoError(t, err)
	require.Equal(t, []types.TxnID{old.ID()}, young.excluded)

	require.Equal(t, old.ID(), m.GCWatermark())

	require.NoError(t, m.Rollback(old))
	// young still refuses to read old's versions
	require.Equal(t, old.ID(), m.GCWatermark())

	require.NoError(t, m.Rollback(young))
	require.Equal(t, m.NextID(), m.GCWatermark())
}

func TestTransaction_Buffer(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	defer m.Close()

	tx, err := m.Start(SnapshotIsolation)
	require.NoError(t, err)
	require.True(t, tx.IsReadOnly())

	require.NoError(t, tx.Set(2, []byte("b"), []byte("1")))
	require.NoError(t, tx.Set(2, []byte("a"), []byte("1")))
	require.NoError(t, tx.Set(2, []byte("a"), []byte("2")))
	require.NoError(t, tx.Delete(1, []byte("z")))
	require.Error(t, tx.Set(1, nil, []byte("x")))

	require.Equal(t, []types.KeyspaceID{1, 2}, tx.Keyspaces())

	writes := tx.Writes(2)
	require.Len(t, writes, 2)
	require.True(t, bytes.Equal([]byte("a"), writes[0].Key.User))
	require.Equal(t, "2", string(writes[0].Value))
	require.Equal(t, tx.ID(), writes[0].Key.Version)

	require.NoError(t, m.Rollback(tx))
	require.True(t, errors.Is(tx.Set(2, []byte("c"), nil), dberrors.ErrTransactionDone))
	require.True(t, errors.Is(m.Rollback(tx), dberrors.ErrTransactionDone))
}

func TestParseIsolation(t *testing.T) {
	iso, err := ParseIsolation(config.IsolationReadCommitted)
	require.NoError(t, err)
	require.Equal(t, ReadCommitted, iso)

	_, err = ParseIsolation("serializable")
	require.True(t, errors.Is(err, dberrors.ErrInvalidArgument))
}
