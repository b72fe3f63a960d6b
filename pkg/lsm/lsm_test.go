package lsm

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/JaimePolidura/SimpleDB/pkg/batch"
	"github.com/JaimePolidura/SimpleDB/pkg/config"
	"github.com/JaimePolidura/SimpleDB/pkg/dberrors"
	"github.com/JaimePolidura/SimpleDB/pkg/iterator"
	"github.com/JaimePolidura/SimpleDB/pkg/txn"
	"github.com/JaimePolidura/SimpleDB/pkg/types"
	"github.com/JaimePolidura/SimpleDB/pkg/wal"
)

func testConfig(dir string) config.DB {
	cfg := config.DefaultDB()
	cfg.Persistence.RootPath = dir
	cfg.Persistence.Levels = 8
	cfg.Persistence.SSTable.BlockSizeBytes = 256
	cfg.Persistence.SSTable.TargetSizeBytes = 4096
	cfg.Memtable.MaxSizeBytes = 4096
	cfg.Memtable.MaxInactive = 2
	cfg.Memtable.Durability = config.DurabilityWeak
	// tests drive compaction themselves
	cfg.Compaction.Frequency = time.Hour
	cfg.Compaction.RetryBackoff = time.Millisecond
	cfg.Compaction.MaxRetryBackoff = 10 * time.Millisecond
	cfg.Compaction.SimpleLeveled.MaxLevels = 4
	cfg.Transactions.ReservationBatch = 8
	return cfg
}

func open(t *testing.T, cfg config.DB) *Lsm {
	t.Helper()
	l, err := Open(cfg)
	require.NoError(t, err)
	return l
}

type kv struct {
	key   string
	value string
}

func scan(t *testing.T, it iterator.Iterator, err error) []kv {
	t.Helper()
	require.NoError(t, err)
	entries, err := iterator.Collect(it)
	require.NoError(t, err)
	out := make([]kv, 0, len(entries))
	for _, e := range entries {
		require.False(t, e.Tombstone, "scans hide deleted key %q", e.Key.User)
		out = append(out, kv{string(e.Key.User), string(e.Value)})
	}
	return out
}

func view(t *testing.T, l *Lsm, ks types.KeyspaceID) map[string]string {
	t.Helper()
	it, err := l.ScanAll(ks)
	out := make(map[string]string)
	for _, p := range scan(t, it, err) {
		out[p.key] = p.value
	}
	return out
}

func TestLsm_SetGetDelete(t *testing.T) {
	l := open(t, testConfig(t.TempDir()))
	defer l.Close()

	ks, err := l.CreateKeyspace()
	require.NoError(t, err)

	require.NoError(t, l.Set(ks, []byte("b"), []byte("2")))
	require.NoError(t, l.Set(ks, []byte("a"), []byte("1")))
	require.NoError(t, l.Set(ks, []byte("c"), []byte("3")))

	v, found, err := l.Get(ks, []byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", string(v))

	require.NoError(t, l.Delete(ks, []byte("b")))
	_, found, err = l.Get(ks, []byte("b"))
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = l.Get(ks, []byte("missing"))
	require.NoError(t, err)
	require.False(t, found)

	it, err := l.ScanAll(ks)
	require.Equal(t, []kv{{"a", "1"}, {"c", "3"}}, scan(t, it, err))

	it, err = l.ScanFrom(ks, []byte("a"), false)
	require.Equal(t, []kv{{"c", "3"}}, scan(t, it, err))

	it, err = l.ScanFrom(ks, []byte("b"), true)
	require.Equal(t, []kv{{"c", "3"}}, scan(t, it, err))

	require.Zero(t, l.Manager().ActiveCount(), "auto-commit scans finish their transaction")
}

func TestLsm_WriteBatch(t *testing.T) {
	l := open(t, testConfig(t.TempDir()))
	defer l.Close()
	ks, err := l.CreateKeyspace()
	require.NoError(t, err)
	require.NoError(t, l.Set(ks, []byte("old"), []byte("x")))

	reader, err := l.StartTransaction(txn.SnapshotIsolation)
	require.NoError(t, err)

	b := batch.New()
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("b"), []byte("1"))
	b.Put([]byte("a"), []byte("2"))
	b.Delete([]byte("old"))
	require.NoError(t, l.Write(ks, b))

	// all or nothing for a snapshot taken before the batch
	it, err := l.ScanAllWithTransaction(reader, ks)
	require.Equal(t, []kv{{"old", "x"}}, scan(t, it, err))
	require.NoError(t, l.Commit(reader))

	require.Equal(t, map[string]string{"a": "2", "b": "1"}, view(t, l, ks))
	require.True(t, errors.Is(l.Write(ks+1, b), dberrors.ErrKeyspaceNotFound))
}

func TestLsm_ExampleScenario(t *testing.T) {
	l := open(t, testConfig(t.TempDir()))
	defer l.Close()
	ks, err := l.CreateKeyspace()
	require.NoError(t, err)

	t1, err := l.StartTransaction(txn.SnapshotIsolation)
	require.NoError(t, err)
	require.NoError(t, l.SetWithTransaction(t1, ks, []byte("a"), []byte("1")))
	require.NoError(t, l.Commit(t1))

	t2, err := l.StartTransaction(txn.SnapshotIsolation)
	require.NoError(t, err)
	require.NoError(t, l.SetWithTransaction(t2, ks, []byte("a"), []byte("2")))

	t3, err := l.StartTransaction(txn.SnapshotIsolation)
	require.NoError(t, err)
	it, err := l.ScanAllWithTransaction(t3, ks)
	require.Equal(t, []kv{{"a", "1"}}, scan(t, it, err))

	require.NoError(t, l.Commit(t2))

	it, err = l.ScanAllWithTransaction(t3, ks)
	require.Equal(t, []kv{{"a", "1"}}, scan(t, it, err), "t3 keeps its snapshot")
	require.NoError(t, l.Commit(t3))

	it, err = l.ScanAll(ks)
	require.Equal(t, []kv{{"a", "2"}}, scan(t, it, err))
}

func TestLsm_OwnWritesInScans(t *testing.T) {
	l := open(t, testConfig(t.TempDir()))
	defer l.Close()
	ks, err := l.CreateKeyspace()
	require.NoError(t, err)

	require.NoError(t, l.Set(ks, []byte("a"), []byte("stored")))
	require.NoError(t, l.Set(ks, []byte("b"), []byte("stored")))

	reader, err := l.StartTransaction(txn.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, l.SetWithTransaction(reader, ks, []byte("c"), []byte("mine")))
	require.NoError(t, l.DeleteWithTransaction(reader, ks, []byte("b")))

	// committed after reader started, visible under read committed
	require.NoError(t, l.Set(ks, []byte("d"), []byte("later")))

	it, err := l.ScanAllWithTransaction(reader, ks)
	require.Equal(t, []kv{{"a", "stored"}, {"c", "mine"}, {"d", "later"}}, scan(t, it, err))

	v, found, err := l.GetWithTransaction(reader, ks, []byte("c"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "mine", string(v))

	require.NoError(t, l.Rollback(reader))
	require.Equal(t, map[string]string{"a": "stored", "b": "stored", "d": "later"}, view(t, l, ks))
}

func TestLsm_SnapshotStableAcrossFlush(t *testing.T) {
	l := open(t, testConfig(t.TempDir()))
	defer l.Close()
	ks, err := l.CreateKeyspace()
	require.NoError(t, err)

	require.NoError(t, l.Set(ks, []byte("k"), []byte("v1")))
	reader, err := l.StartTransaction(txn.SnapshotIsolation)
	require.NoError(t, err)

	require.NoError(t, l.Set(ks, []byte("k"), []byte("v2")))
	require.NoError(t, l.Flush(ks))
	require.NoError(t, l.Set(ks, []byte("k"), []byte("v3")))
	require.NoError(t, l.Flush(ks))
	require.NoError(t, l.Compact(ks))

	v, found, err := l.GetWithTransaction(reader, ks, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", string(v), "compaction keeps what an open snapshot reads")
	require.NoError(t, l.Commit(reader))

	v, _, err = l.Get(ks, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v3", string(v))
}

func TestLsm_Conflict(t *testing.T) {
	l := open(t, testConfig(t.TempDir()))
	defer l.Close()
	ks, err := l.CreateKeyspace()
	require.NoError(t, err)

	first, err := l.StartTransaction(txn.SnapshotIsolation)
	require.NoError(t, err)
	second, err := l.StartTransaction(txn.SnapshotIsolation)
	require.NoError(t, err)

	require.NoError(t, l.SetWithTransaction(first, ks, []byte("x"), []byte("first")))
	require.NoError(t, l.SetWithTransaction(second, ks, []byte("x"), []byte("second")))
	require.NoError(t, l.Commit(first))

	err = l.Commit(second)
	require.True(t, dberrors.IsRetryable(err))

	v, _, err := l.Get(ks, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, "first", string(v))
}

func TestLsm_KeyspaceNotFound(t *testing.T) {
	l := open(t, testConfig(t.TempDir()))
	defer l.Close()

	_, _, err := l.Get(42, []byte("a"))
	require.True(t, errors.Is(err, dberrors.ErrKeyspaceNotFound))
	require.True(t, errors.Is(l.Set(42, []byte("a"), nil), dberrors.ErrKeyspaceNotFound))
	_, err = l.Stats(42)
	require.True(t, errors.Is(err, dberrors.ErrKeyspaceNotFound))
}

func TestLsm_DurableAcrossReopen(t *testing.T) {
	cfg := testConfig(t.TempDir())
	l := open(t, cfg)

	first, err := l.CreateKeyspace()
	require.NoError(t, err)
	second, err := l.CreateKeyspace()
	require.NoError(t, err)
	firstKS, err := l.Keyspace(first)
	require.NoError(t, err)
	uuid := firstKS.Descriptor().UUID

	want := make(map[string]string)
	for i := 0; i < 600; i++ {
		key := fmt.Sprintf("key-%05d", i%150)
		value := fmt.Sprintf("value-%d", i)
		if i%7 == 0 {
			require.NoError(t, l.Delete(first, []byte(key)))
			delete(want, key)
			continue
		}
		require.NoError(t, l.Set(first, []byte(key), []byte(value)))
		want[key] = value
	}
	require.NoError(t, l.Set(second, []byte("other"), []byte("keyspace")))

	stats, err := l.Stats(first)
	require.NoError(t, err)
	require.NotEmpty(t, stats.Levels, "writes overflowed the memtables")

	require.NoError(t, l.Close())

	l = open(t, cfg)
	defer l.Close()

	require.Equal(t, []types.KeyspaceID{first, second}, l.KeyspaceIDs())
	reopened, err := l.Keyspace(first)
	require.NoError(t, err)
	require.Equal(t, uuid, reopened.Descriptor().UUID)

	require.Equal(t, want, view(t, l, first))
	require.Equal(t, map[string]string{"other": "keyspace"}, view(t, l, second))

	third, err := l.CreateKeyspace()
	require.NoError(t, err)
	require.Equal(t, second+1, third)
}

func TestLsm_TornWalTail(t *testing.T) {
	cfg := testConfig(t.TempDir())
	l := open(t, cfg)
	ks, err := l.CreateKeyspace()
	require.NoError(t, err)

	require.NoError(t, l.Set(ks, []byte("complete"), []byte("1")))
	require.NoError(t, l.Set(ks, []byte("torn"), []byte("2")))
	require.NoError(t, l.Close())

	// the last record lost its final bytes in the crash
	path := filepath.Join(cfg.Persistence.RootPath, strconv.FormatUint(ks, 10), wal.FileName(0))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-2))

	l = open(t, cfg)
	defer l.Close()
	require.Equal(t, map[string]string{"complete": "1"}, view(t, l, ks))
}

// crash stops the background jobs of l and abandons it with every file still open.
func crash(l *Lsm) {
	l.cancel()
	l.keyspaces.Range(func(_ types.KeyspaceID, ks *Keyspace) bool {
		ks.stop()
		return true
	})
}

// storedKeys lists the user keys that have any version left in memtables or sstables.
func storedKeys(t *testing.T, l *Lsm, id types.KeyspaceID) []string {
	t.Helper()
	ks, err := l.Keyspace(id)
	require.NoError(t, err)
	entries, err := iterator.Collect(ks.iterators(nil, func(types.TxnID) bool { return true }))
	require.NoError(t, err)
	var keys []string
	for _, e := range entries {
		keys = append(keys, string(e.Key.User))
	}
	return keys
}

// applyWithoutCommit leaves tx the way a crash between its WAL writes and its
// commit record does: a start record in the transaction log, versions in a WAL.
func applyWithoutCommit(t *testing.T, l *Lsm, tx *txn.Transaction) {
	t.Helper()
	side, _, err := txn.OpenLog(filepath.Join(l.root, txn.LogFileName), config.DurabilityWeak)
	require.NoError(t, err)
	require.NoError(t, side.Append(txn.RecordStart, tx.ID()))
	require.NoError(t, side.Close())
	require.NoError(t, l.Apply(tx))
}

func TestLsm_UncommittedWritesInvisibleAfterCrash(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Compaction.SimpleLeveled.Level0FileNumTrigger = 1
	l := open(t, cfg)
	ks, err := l.CreateKeyspace()
	require.NoError(t, err)

	require.NoError(t, l.Set(ks, []byte("keep"), []byte("1")))

	inTable, err := l.StartTransaction(txn.SnapshotIsolation)
	require.NoError(t, err)
	require.NoError(t, inTable.Set(ks, []byte("ghost-table"), []byte("x")))
	applyWithoutCommit(t, l, inTable)
	// the version reaches level 0 while its transaction is still running
	require.NoError(t, l.Flush(ks))

	inWal, err := l.StartTransaction(txn.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, inWal.Set(ks, []byte("ghost-wal"), []byte("y")))
	require.NoError(t, inWal.Delete(ks, []byte("keep")))
	applyWithoutCommit(t, l, inWal)

	crash(l)

	l = open(t, cfg)
	defer l.Close()
	require.True(t, l.Manager().IsRolledBack(inTable.ID()))
	require.True(t, l.Manager().IsRolledBack(inWal.ID()))
	require.Greater(t, l.Manager().NextID(), inWal.ID())

	requireOnlyKeep := func(stage string) {
		require.Equal(t, map[string]string{"keep": "1"}, view(t, l, ks), stage)
		for _, key := range []string{"ghost-table", "ghost-wal"} {
			_, found, err := l.Get(ks, []byte(key))
			require.NoError(t, err)
			require.False(t, found, "%s: %s", stage, key)
		}
	}

	requireOnlyKeep("after recovery")
	require.Equal(t, []string{"ghost-table", "ghost-wal", "keep"}, storedKeys(t, l, ks))

	// flush drops the WAL versions
	require.NoError(t, l.Flush(ks))
	requireOnlyKeep("after flush")
	require.Equal(t, []string{"ghost-table", "keep"}, storedKeys(t, l, ks))

	// compaction drops the level 0 version
	require.NoError(t, l.Compact(ks))
	requireOnlyKeep("after compaction")
	require.Equal(t, []string{"keep"}, storedKeys(t, l, ks))

	// the rolled back versions never block a writer
	require.NoError(t, l.Set(ks, []byte("ghost-wal"), []byte("real")))
	v, found, err := l.Get(ks, []byte("ghost-wal"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "real", string(v))
}

func TestLsm_TransactionIDsNeverReused(t *testing.T) {
	cfg := testConfig(t.TempDir())

	var last types.TxnID
	for restart := 0; restart < 4; restart++ {
		l := open(t, cfg)
		ks := types.KeyspaceID(0)
		if restart == 0 {
			id, err := l.CreateKeyspace()
			require.NoError(t, err)
			ks = id
		}

		for i := 0; i < 12; i++ {
			tx, err := l.StartTransaction(txn.SnapshotIsolation)
			require.NoError(t, err)
			require.Greater(t, tx.ID(), last)
			last = tx.ID()

			if i%2 == 0 {
				require.NoError(t, l.SetWithTransaction(tx, ks, []byte("k"), []byte(strconv.Itoa(i))))
			}
			require.NoError(t, l.Commit(tx))
		}
		require.NoError(t, l.Close())
	}
}

func TestLsm_FlushAndCompactionKeepTheView(t *testing.T) {
	for _, strategy := range []string{config.StrategySimpleLeveled, config.StrategySizeTiered} {
		t.Run(strategy, func(t *testing.T) {
			cfg := testConfig(t.TempDir())
			cfg.Compaction.Strategy = strategy
			l := open(t, cfg)
			ks, err := l.CreateKeyspace()
			require.NoError(t, err)

			want := make(map[string]string)
			for round := 0; round < 6; round++ {
				for i := 0; i < 120; i++ {
					key := fmt.Sprintf("key-%04d", (i*7+round)%200)
					if (i+round)%9 == 0 {
						require.NoError(t, l.Delete(ks, []byte(key)))
						delete(want, key)
						continue
					}
					value := fmt.Sprintf("r%d-%d", round, i)
					require.NoError(t, l.Set(ks, []byte(key), []byte(value)))
					want[key] = value
				}
				require.NoError(t, l.Flush(ks))
			}
			require.Equal(t, want, view(t, l, ks))

			require.NoError(t, l.Compact(ks))
			require.Equal(t, want, view(t, l, ks))

			keyspace, err := l.Keyspace(ks)
			require.NoError(t, err)
			if strategy == config.StrategySimpleLeveled {
				requireDisjointLevels(t, keyspace)
			}

			require.NoError(t, l.Close())
			l = open(t, cfg)
			defer l.Close()
			require.Equal(t, want, view(t, l, ks))
		})
	}
}

func requireDisjointLevels(t *testing.T, ks *Keyspace) {
	t.Helper()
	for lvl := 1; lvl < ks.sstables.NumLevels(); lvl++ {
		tables := ks.sstables.Tables(lvl)
		for i := 1; i < len(tables); i++ {
			require.Negative(t, bytes.Compare(tables[i-1].MaxKey(), tables[i].MinKey()))
		}
		for _, tbl := range tables {
			tbl.Unref()
		}
	}
}

func TestLsm_WriteStall(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Compaction.StallAfterFailures = 2
	l := open(t, cfg)
	defer l.Close()
	ks, err := l.CreateKeyspace()
	require.NoError(t, err)
	keyspace, err := l.Keyspace(ks)
	require.NoError(t, err)

	keyspace.flushFailures.Store(2)
	err = l.Set(ks, []byte("k"), []byte("v"))
	require.True(t, errors.Is(err, dberrors.ErrWriteStalled))
	require.Zero(t, l.Manager().ActiveCount())

	// reads keep working
	_, _, err = l.Get(ks, []byte("k"))
	require.NoError(t, err)

	keyspace.flushFailures.Store(0)
	require.NoError(t, l.Set(ks, []byte("k"), []byte("v")))
}

func TestLsm_ConcurrentTransfers(t *testing.T) {
	l := open(t, testConfig(t.TempDir()))
	defer l.Close()
	ks, err := l.CreateKeyspace()
	require.NoError(t, err)

	const accounts, initial = 8, 100
	for i := 0; i < accounts; i++ {
		require.NoError(t, l.Set(ks, []byte(fmt.Sprintf("acc-%d", i)), []byte(strconv.Itoa(initial))))
	}

	transfer := func(from, to int) error {
		for {
			tx, err := l.StartTransaction(txn.SnapshotIsolation)
			if err != nil {
				return err
			}
			balances := make([]int, 2)
			for i, acc := range []int{from, to} {
				raw, _, err := l.GetWithTransaction(tx, ks, []byte(fmt.Sprintf("acc-%d", acc)))
				if err != nil {
					return err
				}
				if balances[i], err = strconv.Atoi(string(raw)); err != nil {
					return err
				}
			}
			if err := l.SetWithTransaction(tx, ks, []byte(fmt.Sprintf("acc-%d", from)), []byte(strconv.Itoa(balances[0]-1))); err != nil {
				return err
			}
			if err := l.SetWithTransaction(tx, ks, []byte(fmt.Sprintf("acc-%d", to)), []byte(strconv.Itoa(balances[1]+1))); err != nil {
				return err
			}
			err = l.Commit(tx)
			if !dberrors.IsRetryable(err) {
				return err
			}
		}
	}

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 25; i++ {
				from := (w + i) % accounts
				if err := transfer(from, (from+1+w)%accounts); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	total := 0
	for _, v := range view(t, l, ks) {
		n, err := strconv.Atoi(v)
		require.NoError(t, err)
		total += n
	}
	require.Equal(t, accounts*initial, total)
}
