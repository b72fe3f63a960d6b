package main

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"

	"github.com/JaimePolidura/SimpleDB/pkg/config"
)

const (
	envDataDir  = "LSMDB_DATA_DIR"
	envHTTPPort = "LSMDB_HTTP_PORT"
	envLogLevel = "LSMDB_LOG_LEVEL"
)

// initConfig загружает конфиг из YAML и применяет переопределения из окружения.
// Если файл не найден, берётся config.Default().
func initConfig(path, envFile string) (config.Config, error) {
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return config.Config{}, errors.Wrapf(err, "failed to load %s", envFile)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	if dir := os.Getenv(envDataDir); dir != "" {
		cfg.Persistence.RootPath = dir
	}
	if raw := os.Getenv(envHTTPPort); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return cfg, errors.Wrapf(err, "invalid %s", envHTTPPort)
		}
		cfg.Server.Port = port
	}
	if level := os.Getenv(envLogLevel); level != "" {
		cfg.Logger.Level = strings.ToUpper(level)
	}

	return cfg, cfg.Validate()
}

// initLogger настраивает глобальный slog.Logger (JSON или текстовый).
func initLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logger.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	logger.Info("logger initialized", "level", level.String(), "json", cfg.Logger.JSON)
	return logger
}
