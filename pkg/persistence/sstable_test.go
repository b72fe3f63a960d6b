package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/JaimePolidura/SimpleDB/pkg/compression"
	"github.com/JaimePolidura/SimpleDB/pkg/config"
	"github.com/JaimePolidura/SimpleDB/pkg/dberrors"
	"github.com/JaimePolidura/SimpleDB/pkg/iterator"
	"github.com/JaimePolidura/SimpleDB/pkg/types"
)

func testPersistence(compressionName string) config.PersistenceConfig {
	cfg := config.DefaultDB().Persistence
	cfg.Levels = 8
	cfg.SSTable.BlockSizeBytes = 128
	cfg.SSTable.Compression = compressionName
	return cfg
}

func put(user string, version types.TxnID, value string) types.Entry {
	return types.Entry{Key: types.NewKey([]byte(user), version), Value: []byte(value)}
}

func del(user string, version types.TxnID) types.Entry {
	return types.Entry{Key: types.NewKey([]byte(user), version), Tombstone: true}
}

func upTo(max types.TxnID) types.Visibility {
	return func(v types.TxnID) bool { return v <= max }
}

func buildTable(t *testing.T, dir string, cfg config.PersistenceConfig, id uint64, entries []types.Entry) *SSTable {
	t.Helper()
	codec, err := compression.New(cfg.SSTable.Compression)
	require.NoError(t, err)

	b := NewBuilder(cfg, codec, id, 0)
	for _, e := range entries {
		b.Add(e)
	}
	path := filepath.Join(dir, TableFileName(id))
	require.NoError(t, b.Finish(path))

	table, err := Open(path, id, NewBlockCache(16))
	require.NoError(t, err)
	return table
}

// key-000 .. key-199, three versions each, the oldest a tombstone on every 10th key
func manyVersions() []types.Entry {
	var out []types.Entry
	for i := 0; i < 200; i++ {
		user := fmt.Sprintf("key-%03d", i)
		out = append(out, put(user, 30, "v30-"+user), put(user, 20, "v20-"+user))
		if i%10 == 0 {
			out = append(out, del(user, 10))
		} else {
			out = append(out, put(user, 10, "v10-"+user))
		}
	}
	return out
}

func TestSSTable_BuildAndRead(t *testing.T) {
	for _, name := range []string{"none", "snappy", "zstd"} {
		t.Run(name, func(t *testing.T) {
			entries := manyVersions()
			table := buildTable(t, t.TempDir(), testPersistence(name), 5, entries)
			defer table.Unref()

			require.Equal(t, uint64(len(entries)), table.Entries())
			require.Equal(t, types.TxnID(30), table.MaxVersion())
			require.Equal(t, "key-000", string(table.MinKey()))
			require.Equal(t, "key-199", string(table.MaxKey()))
			require.Greater(t, len(table.index), 1)

			e, ok, err := table.Get([]byte("key-042"), upTo(25))
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "v20-key-042", string(e.Value))

			e, ok, err = table.Get([]byte("key-050"), upTo(15))
			require.NoError(t, err)
			require.True(t, ok)
			require.True(t, e.Tombstone)

			_, ok, err = table.Get([]byte("key-050"), upTo(5))
			require.NoError(t, err)
			require.False(t, ok)

			_, ok, err = table.Get([]byte("absent"), types.AllVisible)
			require.NoError(t, err)
			require.False(t, ok)

			v, ok, err := table.NewestVersion([]byte("key-100"), func(v types.TxnID) bool { return v == 30 })
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, types.TxnID(20), v)

			got, err := iterator.Collect(table.Iterator(nil))
			require.NoError(t, err)
			require.Equal(t, entries, got)

			got, err = iterator.Collect(table.Iterator([]byte("key-198")))
			require.NoError(t, err)
			require.Len(t, got, 6)
			require.Equal(t, "key-198", string(got[0].Key.User))
		})
	}
}

func TestSSTable_OrderingViolationPanics(t *testing.T) {
	codec, err := compression.New("none")
	require.NoError(t, err)
	b := NewBuilder(testPersistence("none"), codec, 1, 0)

	b.Add(put("b", 5, "x"))
	require.Panics(t, func() { b.Add(put("a", 5, "x")) })
	require.Panics(t, func() { b.Add(put("b", 5, "x")) })
	require.Panics(t, func() { b.Add(put("b", 7, "x")) }, "newer version must come first")
	require.NotPanics(t, func() { b.Add(put("b", 3, "x")) })
}

func TestSSTable_Corruption(t *testing.T) {
	dir := t.TempDir()
	cfg := testPersistence("none")
	table := buildTable(t, dir, cfg, 2, manyVersions())
	path := table.Path()
	table.Unref()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	t.Run("footer", func(t *testing.T) {
		broken := append([]byte(nil), data...)
		broken[len(broken)-10] ^= 0xff
		require.NoError(t, os.WriteFile(path, broken, 0600))
		_, err := Open(path, 2, NewBlockCache(4))
		require.True(t, errors.Is(err, dberrors.ErrCorruptFile))
	})

	t.Run("block", func(t *testing.T) {
		broken := append([]byte(nil), data...)
		broken[3] ^= 0xff
		require.NoError(t, os.WriteFile(path, broken, 0600))
		table, err := Open(path, 2, NewBlockCache(4))
		require.NoError(t, err)
		defer table.Unref()

		_, _, err = table.Get([]byte("key-000"), types.AllVisible)
		require.True(t, errors.Is(err, dberrors.ErrCorruptFile))
	})
}

func TestSSTable_ObsoleteDeletedAfterLastReader(t *testing.T) {
	table := buildTable(t, t.TempDir(), testPersistence("snappy"), 3, manyVersions())

	it := table.Iterator(nil)
	table.MarkObsolete()

	_, err := os.Stat(table.Path())
	require.NoError(t, err, "an open iterator keeps the file")

	require.True(t, it.Next())
	require.NoError(t, it.Close())

	_, err = os.Stat(table.Path())
	require.True(t, os.IsNotExist(err))
}

func TestBloomFilter(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)
	for i := 0; i < 1000; i++ {
		bf.Add([]byte(fmt.Sprintf("present-%d", i)))
	}

	decoded, err := DecodeBloomFilter(bf.Encode())
	require.NoError(t, err)

	falsePositives := 0
	for i := 0; i < 1000; i++ {
		require.True(t, decoded.MayContain([]byte(fmt.Sprintf("present-%d", i))))
		if decoded.MayContain([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	require.Less(t, falsePositives, 50)

	_, err = DecodeBloomFilter([]byte{0})
	require.True(t, errors.Is(err, dberrors.ErrCorruptFile))
}

func TestBlockCache(t *testing.T) {
	bc := NewBlockCache(2)
	a, b, c := &block{}, &block{}, &block{}

	bc.Set(blockKey{1, 0}, a)
	bc.Set(blockKey{1, 1}, b)
	_, ok := bc.Get(blockKey{1, 0})
	require.True(t, ok)

	bc.Set(blockKey{2, 0}, c)
	_, ok = bc.Get(blockKey{1, 1})
	require.False(t, ok, "least recently used block is evicted")

	bc.EvictTable(1)
	require.Equal(t, 1, bc.Len())
	got, ok := bc.Get(blockKey{2, 0})
	require.True(t, ok)
	require.Same(t, c, got)

	hits, misses := bc.Stats()
	require.Equal(t, uint64(2), hits)
	require.Equal(t, uint64(1), misses)
}

func BenchmarkSSTable_Get(b *testing.B) {
	dir := b.TempDir()
	cfg := testPersistence("snappy")
	codec, _ := compression.New("snappy")

	builder := NewBuilder(cfg, codec, 1, 0)
	for _, e := range manyVersions() {
		builder.Add(e)
	}
	path := filepath.Join(dir, TableFileName(1))
	if err := builder.Finish(path); err != nil {
		b.Fatal(err)
	}
	table, err := Open(path, 1, NewBlockCache(1024))
	if err != nil {
		b.Fatal(err)
	}
	defer table.Unref()

	key := []byte("key-123")
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := table.Get(key, types.AllVisible); err != nil {
			b.Fatal(err)
		}
	}
}
