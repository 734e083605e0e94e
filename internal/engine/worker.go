package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"astroseq/internal/framestore"
	"astroseq/internal/sequence"
)

// Submit runs a job asynchronously unless it is flagged as already
// executing inside a background goroutine, in which case it runs
// inline to avoid nesting worker pools.
func (e *Engine) Submit(ctx context.Context, job *Job) {
	if job.AlreadyInBackground {
		e.Run(ctx, job)
		return
	}
	go e.Run(ctx, job)
}

// Run executes a job to completion. The returned summary is also
// passed to the job's completion callback, which fires exactly once
// on every path, including configuration failures.
func (e *Engine) Run(ctx context.Context, job *Job) (*Summary, error) {
	start := time.Now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Filter == nil {
		job.Filter = sequence.Included()
	}
	mult := job.MemoryMultiplier
	if mult <= 0 {
		mult = 1
	}
	progress := job.Progress
	if progress == nil {
		progress = func(int, int, string) {}
	}

	sum := &Summary{JobID: job.ID, Name: job.Name}
	fail := func(err error) (*Summary, error) {
		sum.Status = StatusFailed
		sum.Err = err
		sum.Elapsed = time.Since(start)
		e.finish(ctx, job, sum)
		return sum, err
	}

	if job.Seq == nil || job.Image == nil {
		return fail(fmt.Errorf("job %s: sequence and image hook are required", job.Name))
	}

	indices := sequence.FilteredIndices(job.Seq, job.Filter)
	n := len(indices)
	sum.Total = n
	if n == 0 {
		return fail(ErrNoFrames)
	}

	if job.Prepare != nil {
		if err := job.Prepare.Prepare(ctx, job); err != nil {
			return fail(fmt.Errorf("prepare: %w", err))
		}
	}

	store := job.Seq.Store()
	geom, err := store.Geometry()
	if err != nil {
		return fail(err)
	}

	workers := 1
	if job.Parallel {
		workers = e.admission(geom.FrameBytes(), mult, n)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var outStore framestore.Store
	var writer *orderedWriter
	var outPath string
	containerOut := false
	if job.Output != nil {
		outStore, outPath, containerOut, err = e.createOutput(job, indices, geom, n)
		if err != nil {
			return fail(err)
		}
		if containerOut {
			writer = newOrderedWriter(outStore, e.queueDepth, func(error) { cancel() })
		}
	}

	e.log.Info("job started",
		"id", job.ID,
		"op", job.Name,
		"sequence", job.Seq.Name,
		"eligible", n,
		"workers", workers,
		"output", outPath,
	)

	var (
		claim     atomic.Int64
		done      atomic.Int64
		processed atomic.Int64
		written   atomic.Int64
		stopped   atomic.Bool

		mu      sync.Mutex
		failed  []int
		hardErr error
	)

	recordFailure := func(rank, index int, ferr error) {
		mu.Lock()
		failed = append(failed, index)
		mu.Unlock()
		e.log.Warn("frame failed", "job", job.ID, "index", index, "error", ferr)
		if writer != nil {
			_ = writer.push(jobCtx, writeRequest{rank: rank, index: index})
		}
		if job.StopOnError {
			stopped.Store(true)
			cancel()
		}
	}

	setHardErr := func(ferr error) {
		mu.Lock()
		if hardErr == nil {
			hardErr = ferr
		}
		mu.Unlock()
		cancel()
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				// Cancellation is polled between units: a worker
				// finishes its current frame and stops claiming.
				if jobCtx.Err() != nil {
					return
				}
				i := int(claim.Add(1) - 1)
				if i >= n {
					return
				}
				index := indices[i]

				img, rerr := store.ReadFrame(worker, index)
				if rerr != nil {
					recordFailure(i, index, rerr)
					progress(int(done.Add(1)), n, job.Name)
					continue
				}

				out, herr := job.Image.ProcessImage(jobCtx, i, index, img)
				processed.Add(1)
				if herr != nil {
					recordFailure(i, index, herr)
					progress(int(done.Add(1)), n, job.Name)
					continue
				}

				switch {
				case out == nil:
					// Hook consumed or dropped the frame.
					if writer != nil {
						_ = writer.push(jobCtx, writeRequest{rank: i, index: index})
					}
				case writer != nil:
					if perr := writer.push(jobCtx, writeRequest{rank: i, index: index, img: out}); perr != nil {
						return
					}
				case outStore != nil:
					// Multi-file destination: frames land in distinct
					// files, so workers write their own results.
					if werr := outStore.WriteFrame(i, out); werr != nil {
						setHardErr(fmt.Errorf("write output frame %d: %w", i, werr))
						return
					}
					written.Add(1)
				case job.Save != nil:
					if serr := job.Save.SaveImage(jobCtx, i, index, out); serr != nil {
						recordFailure(i, index, serr)
						progress(int(done.Add(1)), n, job.Name)
						continue
					}
				}
				progress(int(done.Add(1)), n, job.Name)
			}
		}(w)
	}
	wg.Wait()

	writtenTotal := int(written.Load())
	var writeErr error
	if writer != nil {
		writtenTotal, writeErr = writer.finish()
	}
	mu.Lock()
	if hardErr != nil && writeErr == nil {
		writeErr = hardErr
	}
	sort.Ints(failed)
	sum.FailedFrames = failed
	mu.Unlock()

	sum.Processed = int(processed.Load())
	sum.Written = writtenTotal
	sum.OutputSeq = outPath

	if containerOut {
		switch {
		case writeErr != nil || writtenTotal == 0:
			outStore.Close()
			removeOutput(outPath)
			sum.OutputSeq = ""
		case writtenTotal < n:
			if cerr := outStore.Compact(writtenTotal); cerr != nil && writeErr == nil {
				writeErr = cerr
			}
			outStore.Close()
		default:
			outStore.Close()
		}
	}

	switch {
	case writeErr != nil:
		sum.Status = StatusFailed
		sum.Err = writeErr
	case ctx.Err() != nil:
		sum.Status = StatusIncomplete
	case stopped.Load():
		sum.Status = StatusFailed
		sum.Err = fmt.Errorf("%d of %d frames failed", sum.Failed(), n)
	default:
		sum.Status = StatusCompleted
	}
	sum.Elapsed = time.Since(start)

	e.finish(ctx, job, sum)
	return sum, sum.Err
}

// finish runs finalize and fires the completion callback. Per-frame
// metadata mutations belong in finalize, which runs with the pool
// joined, so they never race with workers.
func (e *Engine) finish(ctx context.Context, job *Job, sum *Summary) {
	if job.Finalize != nil {
		if err := job.Finalize.Finalize(ctx, job, sum); err != nil {
			e.log.Error("finalize failed", "job", job.ID, "error", err)
			if sum.Status == StatusCompleted {
				sum.Status = StatusFailed
				sum.Err = err
			}
		}
	}
	e.log.Info("job finished",
		"id", job.ID,
		"op", job.Name,
		"status", string(sum.Status),
		"processed", sum.Processed,
		"failed", sum.Failed(),
		"written", sum.Written,
		"duration_ms", sum.Elapsed.Milliseconds(),
	)
	if job.OnComplete != nil {
		job.OnComplete(sum)
	}
}

// createOutput builds the destination store per the output rules: a
// multi-file input stays multi-file unless a container is forced; a
// container input always produces a container, sized up front to the
// filtered frame count.
func (e *Engine) createOutput(job *Job, indices []int, geom framestore.Geometry, n int) (framestore.Store, string, bool, error) {
	spec := job.Output
	dir := spec.Directory
	if dir == "" {
		if job.Seq.Format == framestore.MultiFITS {
			dir = job.Seq.Name
		} else {
			dir = filepath.Dir(job.Seq.Name)
		}
	}

	useContainer := spec.ForceContainer || job.Seq.Format != framestore.MultiFITS
	if !useContainer {
		ms, ok := job.Seq.Store().(*framestore.MultiFileStore)
		if !ok {
			return nil, "", false, fmt.Errorf("multi-file output needs a multi-file input")
		}
		names := make([]string, n)
		for rank, index := range indices {
			names[rank] = ms.FramePath(index)
		}
		out := framestore.NewMultiFileOutput(dir, spec.Prefix, names)
		return out, dir, false, nil
	}

	format := spec.ContainerFormat
	if format == framestore.MultiFITS {
		if job.Seq.Format != framestore.MultiFITS {
			format = job.Seq.Format
		} else {
			format = framestore.FITSCube
		}
	}

	base := filepath.Base(job.Seq.Name)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	switch format {
	case framestore.SERVideo:
		path := filepath.Join(dir, spec.Prefix+base+".ser")
		if err := checkNotInput(path, job.Seq.Name); err != nil {
			return nil, "", false, err
		}
		out, err := framestore.CreateSER(path, geom, n)
		return out, path, true, err
	default:
		if geom.Channels != 1 {
			return nil, "", false, fmt.Errorf("FITS cube output requires mono frames, input has %d channels", geom.Channels)
		}
		path := filepath.Join(dir, spec.Prefix+base+".fit")
		if err := checkNotInput(path, job.Seq.Name); err != nil {
			return nil, "", false, err
		}
		out, err := framestore.CreateCube(path, geom, n)
		return out, path, true, err
	}
}

// checkNotInput rejects an output path that resolves to the input
// sequence itself. Creating the container truncates the file, so a
// collision would destroy the input before any frame is read.
func checkNotInput(out, in string) error {
	if filepath.Clean(out) == filepath.Clean(in) {
		return fmt.Errorf("output %s would overwrite the input sequence; set a prefix or an output directory", out)
	}
	return nil
}

// removeOutput drops a zero-frame or failed container, best effort.
func removeOutput(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
