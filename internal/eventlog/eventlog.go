// Package eventlog persists processed live events as JSON lines so a chain can
// be rebuilt by replay after a restart.
package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sugawarayuuta/sonnet"

	"github.com/zilstream/grants-indexer/internal/event"
)

// Log is an append-only file of decoded events, one per line.
type Log struct {
	path   string
	mu     sync.Mutex
	file   *os.File
	logger zerolog.Logger
}

// ReplayStats summarizes a replay pass.
type ReplayStats struct {
	Events    int
	LastBlock uint64
}

// ErrCorrupt is returned when a complete line cannot be decoded.
var ErrCorrupt = errors.New("event log corrupt")

// Open creates the file and its directory if needed.
func Open(path string, logger zerolog.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	return &Log{
		path:   path,
		file:   f,
		logger: logger.With().Str("component", "event_log").Str("path", path).Logger(),
	}, nil
}

// Path returns the file location.
func (l *Log) Path() string { return l.path }

// Replay feeds every stored event to fn in file order. A trailing partial line
// left by an interrupted write is truncated away.
func (l *Log) Replay(ctx context.Context, fn func(*event.Event) error) (ReplayStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var stats ReplayStats

	r, err := os.Open(l.path)
	if err != nil {
		return stats, fmt.Errorf("open event log for replay: %w", err)
	}
	defer r.Close()

	reader := bufio.NewReaderSize(r, 1<<20)
	var offset int64
	lineNo := 0

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return stats, fmt.Errorf("read event log: %w", readErr)
		}

		if len(line) > 0 && line[len(line)-1] != '\n' {
			l.logger.Warn().
				Int64("offset", offset).
				Int("bytes", len(line)).
				Msg("Truncating partial trailing line")
			if err := l.file.Truncate(offset); err != nil {
				return stats, fmt.Errorf("truncate partial line: %w", err)
			}
			break
		}

		if len(line) > 0 {
			lineNo++
			offset += int64(len(line))

			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				var ev event.Event
				if err := sonnet.Unmarshal(trimmed, &ev); err != nil {
					return stats, fmt.Errorf("%w: line %d: %v", ErrCorrupt, lineNo, err)
				}
				if err := fn(&ev); err != nil {
					return stats, err
				}
				stats.Events++
				if ev.BlockNumber > stats.LastBlock {
					stats.LastBlock = ev.BlockNumber
				}
			}
		}

		if errors.Is(readErr, io.EOF) {
			break
		}
	}

	l.logger.Info().
		Int("events", stats.Events).
		Uint64("last_block", stats.LastBlock).
		Msg("Event log replayed")

	return stats, nil
}

// Append writes events in order and syncs the file before returning.
func (l *Log) Append(events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, ev := range events {
		b, err := sonnet.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %s at block %d: %w", ev.Name, ev.BlockNumber, err)
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append to event log: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync event log: %w", err)
	}
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
