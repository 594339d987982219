package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/zilstream/grants-indexer/internal/config"
	"github.com/zilstream/grants-indexer/internal/indexer"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)

	logger.Info().
		Str("version", "0.1.0").
		Str("config", configPath).
		Int("chains", len(cfg.Indexer.Chains)).
		Str("database", cfg.Database.Driver).
		Msg("Starting grants indexer")

	ctx := context.Background()
	idx, err := indexer.NewIndexer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create indexer")
	}

	// Start blocks until shutdown or until a chain halts.
	runErr := idx.Start(ctx)
	idx.Stop()
	if runErr != nil {
		logger.Fatal().Err(runErr).Msg("Indexer failed")
	}

	logger.Info().Msg("Indexer shutdown complete")
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05.000",
		}
	}

	// The rotated file always gets JSON lines.
	if cfg.File.Path != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   true,
		})
	}

	return zerolog.New(out).Level(level).With().Timestamp().Caller().Logger()
}
