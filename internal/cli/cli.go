// Package cli implements the astroseq command line interface.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"astroseq/internal/config"
	"astroseq/internal/engine"
	"astroseq/internal/sequence"
	"astroseq/internal/storage"
)

// Root carries the shared dependencies of all subcommands.
type Root struct {
	cfg   *config.Config
	log   *slog.Logger
	store *storage.Store
	eng   *engine.Engine
}

// NewRoot constructs the CLI root.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store, eng *engine.Engine) *Root {
	return &Root{
		cfg:   cfg,
		log:   logger,
		store: store,
		eng:   eng,
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM so a
// long job can be interrupted and still flush its partial output.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// runJob executes a job in the foreground, printing progress to the
// terminal and recording the outcome in the store.
func (r *Root) runJob(ctx context.Context, job *engine.Job, jobType string, req any) error {
	optionsJSON, _ := json.Marshal(req)
	if err := r.store.RecordJobQueued(storage.JobRecord{
		ID:          job.ID,
		JobType:     jobType,
		Status:      "queued",
		InputPath:   job.Seq.Name,
		OptionsJSON: string(optionsJSON),
	}); err != nil {
		r.log.Warn("failed to record job", "job", job.ID, "error", err)
	}

	job.Progress = func(done, total int, text string) {
		if text != "" {
			fmt.Printf("\r%s: %d/%d  %s", jobType, done, total, text)
		} else {
			fmt.Printf("\r%s: %d/%d", jobType, done, total)
		}
	}

	if err := r.store.RecordJobStart(job.ID); err != nil {
		r.log.Warn("failed to record job start", "job", job.ID, "error", err)
	}
	sum, err := r.eng.Run(ctx, job)
	fmt.Println()

	errMsg := ""
	if sum.Err != nil {
		errMsg = sum.Err.Error()
	}
	if rerr := r.store.RecordJobResult(job.ID, string(sum.Status), map[string]any{
		"total":     sum.Total,
		"processed": sum.Processed,
		"failed":    sum.Failed(),
		"written":   sum.Written,
		"output":    sum.OutputSeq,
		"elapsedMs": sum.Elapsed.Milliseconds(),
	}, errMsg); rerr != nil {
		r.log.Warn("failed to record job result", "job", job.ID, "error", rerr)
	}

	if err != nil {
		return err
	}
	if sum.OutputSeq != "" {
		fmt.Printf("output: %s\n", sum.OutputSeq)
	}
	fmt.Printf("%s %s: %d processed, %d failed, %d written in %s\n",
		jobType, sum.Status, sum.Processed, sum.Failed(), sum.Written, sum.Elapsed.Round(time.Millisecond))
	return nil
}

// openSequence opens the input and reports basic shape on debug.
func (r *Root) openSequence(path string) (*sequence.Sequence, error) {
	seq, err := sequence.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sequence %s: %w", path, err)
	}
	r.log.Debug("sequence opened",
		"name", seq.Name,
		"format", seq.Format.String(),
		"frames", seq.FrameCount(),
		"selected", seq.Selnum,
	)
	return seq, nil
}
