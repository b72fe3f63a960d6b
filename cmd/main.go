package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"go.uber.org/dig"

	lsmhttp "github.com/JaimePolidura/SimpleDB/internal/http"
	"github.com/JaimePolidura/SimpleDB/pkg/config"
	"github.com/JaimePolidura/SimpleDB/pkg/lsm"
	"github.com/JaimePolidura/SimpleDB/pkg/metrics"
)

var (
	configPath string
	envPath    string
)

var rootCmd = &cobra.Command{
	Use:   "lsmdb [command] (flags)",
	Short: "LSM key-value engine with MVCC transactions",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "open the engine and serve the keyspace API over HTTP",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "print per keyspace statistics",
	Long: `
Open the engine, print the level layout of every keyspace and exit. Requires
that the data directory not be in use by another process.
`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML config")
	rootCmd.PersistentFlags().StringVar(&envPath, "env", ".env", "path to an optional .env file")
	rootCmd.AddCommand(serveCmd, statsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildContainer registers every constructor the commands need.
func buildContainer() (*dig.Container, error) {
	c := dig.New()
	constructors := []interface{}{
		func() (config.Config, error) { return initConfig(configPath, envPath) },
		initLogger,
		metrics.NewPrometheus,
		openEngine,
		newServer,
	}
	for _, ctor := range constructors {
		if err := c.Provide(ctor); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func openEngine(cfg config.Config, logger *slog.Logger, prom *metrics.Prometheus) (*lsm.Lsm, error) {
	return lsm.Open(cfg.DB, lsm.WithLogger(logger), lsm.WithMetrics(prom))
}

func newServer(cfg config.Config, engine *lsm.Lsm, prom *metrics.Prometheus) *lsmhttp.Server {
	return lsmhttp.NewServer(engine, cfg.Server, prom.Handler())
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := buildContainer()
	if err != nil {
		return err
	}
	return c.Invoke(func(engine *lsm.Lsm, server *lsmhttp.Server, logger *slog.Logger) error {
		defer func() {
			if err := engine.Close(); err != nil {
				logger.Error("failed to close engine", "error", err)
			}
		}()

		if err := server.Start(); err != nil {
			return err
		}
		logger.Info("lsmdb is running", "url", server.URL, "keyspaces", len(engine.KeyspaceIDs()))

		<-ctx.Done()

		if err := server.Stop(); err != nil {
			logger.Error("error stopping server", "error", err)
		}
		logger.Info("lsmdb stopped")
		return nil
	})
}

func runStats(cmd *cobra.Command, _ []string) error {
	c, err := buildContainer()
	if err != nil {
		return err
	}
	return c.Invoke(func(engine *lsm.Lsm) error {
		defer engine.Close()

		var all []lsm.Stats
		for _, id := range engine.KeyspaceIDs() {
			s, err := engine.Stats(id)
			if err != nil {
				return err
			}
			all = append(all, s)
		}
		out, err := yaml.Marshal(all)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), string(out))
		return err
	})
}
