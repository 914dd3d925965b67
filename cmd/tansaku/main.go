// Package main is the tansaku CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/tansaku/internal/config"
	"github.com/hyperjump/tansaku/internal/metrics"
	"github.com/hyperjump/tansaku/internal/ranking"
	"github.com/hyperjump/tansaku/internal/search"
	"github.com/hyperjump/tansaku/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/tansaku/config.yaml"

// loadConfig loads config from path. When path is the default, config.yaml in the current
// directory wins if present, and a missing default file yields the built-in defaults.
// Returns the config and the path that was actually loaded ("" for built-in defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			cfg := &config.Config{Ranking: *ranking.DefaultRankingConfig()}
			config.ApplyDefaults(cfg)
			return cfg, "", config.Validate(cfg)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// app carries the persistent flags shared by every command.
type app struct {
	configPath string
	debug      bool
}

// open loads the config and opens the engine. The returned func closes the engine
// and flushes the logger.
func (a *app) open(ctx context.Context) (*search.Engine, func(), error) {
	cfg, resolved, err := loadConfig(a.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	debugMode := cfg.Debug || a.debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger.Debug("config loaded",
		zap.String("config_path", resolved),
		zap.String("backend", cfg.Storage.Backend),
		zap.Bool("debug", debugMode),
	)

	engine, err := search.New(ctx, cfg,
		search.WithLogger(logger),
		search.WithMetrics(metrics.New(nil)))
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return engine, func() {
		if err := engine.Close(); err != nil {
			logger.Error("failed to close engine", zap.Error(err))
		}
		_ = logger.Sync()
	}, nil
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "tansaku",
		Short:         "Embedded vector similarity search",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", defaultConfigPath, "config file path")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newIndexCmd(a),
		newSearchCmd(a),
		newGetCmd(a),
		newDeleteCmd(a),
		newRebuildCmd(a),
		newStatsCmd(a),
		newCalibrateCmd(a),
		newVersionCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
