package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/JaimePolidura/SimpleDB/pkg/config"
	"github.com/JaimePolidura/SimpleDB/pkg/dberrors"
)

func TestInitConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := initConfig(filepath.Join(dir, "missing.yaml"), filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
}

func TestInitConfig_Overrides(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
logger:
  level: WARN
db:
  compaction:
    strategy: size_tiered
`), 0600))

	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("LSMDB_HTTP_PORT=9191\n"), 0600))
	// godotenv never overrides what is already set
	t.Setenv(envHTTPPort, "")
	require.NoError(t, os.Unsetenv(envHTTPPort))
	t.Setenv(envDataDir, filepath.Join(dir, "data"))
	t.Setenv(envLogLevel, "debug")

	cfg, err := initConfig(yamlPath, envFile)
	require.NoError(t, err)
	require.Equal(t, config.StrategySizeTiered, cfg.Compaction.Strategy)
	require.Equal(t, 9191, cfg.Server.Port)
	require.Equal(t, filepath.Join(dir, "data"), cfg.Persistence.RootPath)
	require.Equal(t, "DEBUG", cfg.Logger.Level)
}

func TestInitConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(envHTTPPort, "70000")

	_, err := initConfig(filepath.Join(dir, "missing.yaml"), filepath.Join(dir, "missing.env"))
	require.True(t, errors.Is(err, dberrors.ErrInvalidArgument))
}
