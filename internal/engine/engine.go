// Package engine executes batch operations over sequences: it fans a
// per-image hook out across a memory-budgeted worker pool, isolates
// per-frame failures, and materializes results either as an output
// sequence written in original-index order or through an aggregating
// consumer.
package engine

import (
	"errors"
	"log/slog"
	"runtime"
)

// ErrNoFrames is returned when a job's filter passes no frame.
var ErrNoFrames = errors.New("no frame to process")

// Config carries the engine knobs that come from user configuration.
type Config struct {
	// ThreadCap is the hard upper bound on workers per job.
	ThreadCap int
	// FallbackAvailableMB is assumed when the OS memory query fails.
	FallbackAvailableMB int64
	// WriterQueueDepth caps buffered-but-unwritten output frames.
	WriterQueueDepth int
}

// Engine dispatches jobs. Safe for concurrent use; each Run gets its
// own worker pool, joined before Run returns.
type Engine struct {
	log        *slog.Logger
	threadCap  int
	fallbackMB int64
	queueDepth int

	// availableMB is swappable for tests.
	availableMB func() (int64, error)
}

// New creates an engine with the given configuration.
func New(log *slog.Logger, cfg Config) *Engine {
	if cfg.ThreadCap < 1 {
		cfg.ThreadCap = runtime.NumCPU()
	}
	if cfg.FallbackAvailableMB <= 0 {
		cfg.FallbackAvailableMB = 2048
	}
	if cfg.WriterQueueDepth < 1 {
		cfg.WriterQueueDepth = 16
	}
	return &Engine{
		log:         log,
		threadCap:   cfg.ThreadCap,
		fallbackMB:  cfg.FallbackAvailableMB,
		queueDepth:  cfg.WriterQueueDepth,
		availableMB: AvailableMemoryMB,
	}
}
