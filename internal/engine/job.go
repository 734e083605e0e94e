package engine

import (
	"context"
	"time"

	"astroseq/internal/frame"
	"astroseq/internal/framestore"
	"astroseq/internal/sequence"
)

// The hook set is deliberately closed: every batch operation plugs
// into the same four capabilities, each with a typed receiver carrying
// its own parameters, instead of a bare function pointer plus an
// untyped user-data blob.

// PrepareHook runs once on the dispatching goroutine before fan-out,
// e.g. to load a reference frame or allocate accumulators.
type PrepareHook interface {
	Prepare(ctx context.Context, job *Job) error
}

// ImageHook is the per-frame operation. It runs concurrently with
// arbitrarily many sibling invocations on disjoint frames and may
// mutate only data reachable through its own arguments or its own
// pre-partitioned slice of shared state. rank is the frame's position
// among the filtered subset; index its original position in the
// sequence. Returning a nil image with nil error drops the frame from
// the output without counting it as failed.
type ImageHook interface {
	ProcessImage(ctx context.Context, rank, index int, img *frame.Image) (*frame.Image, error)
}

// SaveHook persists results per image for jobs that produce no output
// sequence but still need per-frame persistence.
type SaveHook interface {
	SaveImage(ctx context.Context, rank, index int, img *frame.Image) error
}

// FinalizeHook runs once on the dispatching goroutine after all
// workers joined and the writer drained. This is the only place a job
// may mutate the sequence's per-frame metadata.
type FinalizeHook interface {
	Finalize(ctx context.Context, job *Job, sum *Summary) error
}

// Func adapters for the hook interfaces.

type PrepareFunc func(ctx context.Context, job *Job) error

func (f PrepareFunc) Prepare(ctx context.Context, job *Job) error { return f(ctx, job) }

type ImageFunc func(ctx context.Context, rank, index int, img *frame.Image) (*frame.Image, error)

func (f ImageFunc) ProcessImage(ctx context.Context, rank, index int, img *frame.Image) (*frame.Image, error) {
	return f(ctx, rank, index, img)
}

type SaveFunc func(ctx context.Context, rank, index int, img *frame.Image) error

func (f SaveFunc) SaveImage(ctx context.Context, rank, index int, img *frame.Image) error {
	return f(ctx, rank, index, img)
}

type FinalizeFunc func(ctx context.Context, job *Job, sum *Summary) error

func (f FinalizeFunc) Finalize(ctx context.Context, job *Job, sum *Summary) error {
	return f(ctx, job, sum)
}

// ProgressFunc receives progress updates. It must be safe to call
// from any worker goroutine.
type ProgressFunc func(done, total int, text string)

// CompletionFunc is invoked exactly once per job, after finalize.
type CompletionFunc func(sum *Summary)

// OutputSpec configures the output sequence of a job.
type OutputSpec struct {
	// Prefix is prepended to the input's base name (per-frame for
	// multi-file outputs, whole-sequence for containers).
	Prefix string
	// Directory for output files; defaults to the input's directory.
	Directory string
	// ForceContainer routes the output into a single container even
	// when the input is multi-file.
	ForceContainer bool
	// ContainerFormat selects the container kind when one is used.
	// Zero value keeps the input's own format, or FITS cube for
	// multi-file inputs.
	ContainerFormat framestore.Format
	// AutoLoad asks the caller to open the produced sequence on
	// completion; the engine only reports it in the summary.
	AutoLoad bool
}

// Job describes one user-initiated batch operation. Consumed by a
// single Engine.Run call.
type Job struct {
	ID   string
	Name string

	Seq    *sequence.Sequence
	Filter sequence.Filter

	Prepare  PrepareHook
	Image    ImageHook
	Save     SaveHook
	Finalize FinalizeHook

	Output *OutputSpec

	// Parallel permits fan-out. Hooks that mutate shared non-frame
	// state without their own partitioning must clear it.
	Parallel bool
	// StopOnError cancels remaining work on the first per-frame
	// failure instead of skipping the frame.
	StopOnError bool
	// AlreadyInBackground marks jobs submitted from a goroutine that
	// is itself a worker of an outer job; Engine.Submit then runs the
	// job inline instead of spawning another dispatcher.
	AlreadyInBackground bool

	// MemoryMultiplier scales the per-image memory estimate for
	// operations needing temporary buffers. Defaults to 1.
	MemoryMultiplier float64

	Progress   ProgressFunc
	OnComplete CompletionFunc
}

// Status classifies a finished job.
type Status string

const (
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusIncomplete Status = "incomplete"
)

// Summary is the outcome of a job.
type Summary struct {
	JobID string
	Name  string

	Total        int   // eligible frames
	Processed    int   // frames the hook ran on
	FailedFrames []int // original indices, ascending
	Written      int   // frames landed in the output

	Status    Status
	Err       error
	OutputSeq string // path of the produced sequence, if any
	Elapsed   time.Duration
}

// Failed reports the number of per-frame failures.
func (s *Summary) Failed() int { return len(s.FailedFrames) }
