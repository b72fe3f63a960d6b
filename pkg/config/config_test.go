package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/JaimePolidura/SimpleDB/pkg/dberrors"
)

func TestLoad(t *testing.T) {
	t.Run("missing file falls back to defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		require.Equal(t, Default(), cfg)
	})

	t.Run("overrides", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		data := []byte(`
logger:
  level: debug
  json: true
http-server:
  port: 9090
db:
  memtable:
    max_size_bytes: 4096
    durability: weak
  persistence:
    path: /var/lib/lsmdb
  compaction:
    strategy: size_tiered
    frequency: 250ms
`)
		require.NoError(t, os.WriteFile(path, data, 0600))

		cfg, err := Load(path)
		require.NoError(t, err)
		require.True(t, cfg.Logger.JSON)
		require.Equal(t, 9090, cfg.Server.Port)
		require.Equal(t, 4096, cfg.Memtable.MaxSizeBytes)
		require.Equal(t, DurabilityWeak, cfg.Memtable.Durability)
		require.Equal(t, "/var/lib/lsmdb", cfg.Persistence.RootPath)
		require.Equal(t, StrategySizeTiered, cfg.Compaction.Strategy)
		require.Equal(t, 250*time.Millisecond, cfg.Compaction.Frequency)
		// untouched keys keep their defaults
		require.Equal(t, 8, cfg.Memtable.MaxInactive)
		require.Equal(t, 64, cfg.Persistence.Levels)
	})
}

func TestValidate(t *testing.T) {
	require.NoError(t, Default().Validate())

	cases := map[string]func(c *Config){
		"strategy":   func(c *Config) { c.Compaction.Strategy = "universal" },
		"durability": func(c *Config) { c.Memtable.Durability = "eventually" },
		"fp rate":    func(c *Config) { c.Persistence.BloomFilter.FPRate = 1 },
		"isolation":  func(c *Config) { c.Transactions.Isolation = "serializable" },
		"max levels": func(c *Config) { c.Compaction.SimpleLeveled.MaxLevels = 100 },
		"log level":  func(c *Config) { c.Logger.Level = "trace" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.True(t, errors.Is(cfg.Validate(), dberrors.ErrInvalidArgument))
		})
	}
}
