package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/zilstream/grants-indexer/internal/config"
	"github.com/zilstream/grants-indexer/internal/indexer"
)

// replay rebuilds the store from the event logs on disk and exits. Use it
// after a schema migration or to recover a store that was lost.
func main() {
	var (
		configPath string
		chainList  string
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&chainList, "chains", "", "Comma-separated chain ids to rebuild (default: all configured)")
	flag.Parse()

	chainIDs, err := parseChains(chainList)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid -chains: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.Driver == "memory" {
		fmt.Fprintln(os.Stderr, "Replaying into the memory store has no lasting effect; configure postgres")
		os.Exit(1)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		Level(zerolog.InfoLevel).
		With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	idx, err := indexer.NewIndexer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create indexer")
	}

	runErr := idx.Rebuild(ctx, chainIDs...)
	idx.Stop()
	if runErr != nil {
		logger.Fatal().Err(runErr).Msg("Replay failed")
	}
	logger.Info().Msg("Replay complete")
}

func parseChains(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
