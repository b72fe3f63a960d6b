package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/JaimePolidura/SimpleDB/pkg/config"
	"github.com/JaimePolidura/SimpleDB/pkg/dberrors"
	"github.com/JaimePolidura/SimpleDB/pkg/types"
)

func put(user string, version types.TxnID, value string) types.Entry {
	return types.Entry{Key: types.NewKey([]byte(user), version), Value: []byte(value)}
}

func replayAll(t *testing.T, dir string, id uint64) ([]types.Entry, types.TxnID, error) {
	t.Helper()
	var got []types.Entry
	maxVersion, err := Replay(dir, id, func(e types.Entry) error {
		got = append(got, e)
		return nil
	})
	return got, maxVersion, err
}

func TestWAL_AppendReplay(t *testing.T) {
	dir := t.TempDir()

	w, err := Create(dir, 3, config.DurabilityStrong)
	require.NoError(t, err)

	require.NoError(t, w.Append(put("a", 1, "1"), put("b", 4, "2")))
	require.NoError(t, w.Append(types.Entry{Key: types.NewKey([]byte("a"), 7), Tombstone: true}))
	require.NoError(t, w.Close())

	got, maxVersion, err := replayAll(t, dir, 3)
	require.NoError(t, err)
	require.Equal(t, types.TxnID(7), maxVersion)
	require.Len(t, got, 3)
	require.Equal(t, "a", string(got[0].Key.User))
	require.Equal(t, "2", string(got[1].Value))
	require.True(t, got[2].Tombstone)
	require.Nil(t, got[2].Value)

	ids, err := ListIDs(dir)
	require.NoError(t, err)
	require.Equal(t, []uint64{3}, ids)
}

func TestWAL_TruncatedTail(t *testing.T) {
	dir := t.TempDir()

	w, err := Create(dir, 0, config.DurabilityWeak)
	require.NoError(t, err)
	require.NoError(t, w.Append(put("a", 1, "complete")))
	require.NoError(t, w.Append(put("b", 2, "will be torn")))
	require.NoError(t, w.Close())

	path := filepath.Join(dir, FileName(0))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	got, _, err := replayAll(t, dir, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "complete", string(got[0].Value))

	// the torn record was cut off, so appends continue from a clean tail
	w, err = Open(dir, 0, config.DurabilityStrong)
	require.NoError(t, err)
	require.NoError(t, w.Append(put("c", 3, "after")))
	require.NoError(t, w.Close())

	got, _, err = replayAll(t, dir, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "c", string(got[1].Key.User))
}

func TestWAL_Corruption(t *testing.T) {
	dir := t.TempDir()

	w, err := Create(dir, 1, config.DurabilityStrong)
	require.NoError(t, err)
	require.NoError(t, w.Append(put("key", 1, "value")))
	require.NoError(t, w.Close())

	path := filepath.Join(dir, FileName(1))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0600))

	_, _, err = replayAll(t, dir, 1)
	require.True(t, errors.Is(err, dberrors.ErrCorruptFile))
}

func TestWAL_Delete(t *testing.T) {
	dir := t.TempDir()

	w, err := Create(dir, 9, config.DurabilityStrong)
	require.NoError(t, err)
	require.NoError(t, w.Delete())

	ids, err := ListIDs(dir)
	require.NoError(t, err)
	require.Empty(t, ids)

	_, err = Create(dir, 9, config.DurabilityStrong)
	require.NoError(t, err)
	require.NoError(t, Remove(dir, 9))
	require.NoError(t, Remove(dir, 9))
}

func BenchmarkWAL_Append(b *testing.B) {
	w, err := Create(b.TempDir(), 0, config.DurabilityWeak)
	if err != nil {
		b.Fatal(err)
	}
	defer w.Close()

	e := put("benchmark-key", 1, "benchmark-value")
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Key.Version = uint64(i)
		if err := w.Append(e); err != nil {
			b.Fatal(err)
		}
	}
}
