// Package stack aggregates a filtered frame subset into one image by
// per-pixel statistical combination. It is a consumer of the generic
// sequence worker: the per-image hook folds pixels into shared
// accumulators that are statically partitioned by row range, so
// accumulation needs no locks.
package stack

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/stat"

	"astroseq/internal/engine"
	"astroseq/internal/fits"
	"astroseq/internal/frame"
	"astroseq/internal/sequence"
)

// Method selects the per-pixel combination rule.
type Method int

const (
	Mean Method = iota
	Median
	SigmaClip
	Winsorized
	Min
	Max
)

func (m Method) String() string {
	switch m {
	case Mean:
		return "mean"
	case Median:
		return "median"
	case SigmaClip:
		return "sigma-clip"
	case Winsorized:
		return "winsorized"
	case Min:
		return "min"
	case Max:
		return "max"
	default:
		return "unknown"
	}
}

// ParseMethod maps a user-facing method name.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "mean", "average", "":
		return Mean, nil
	case "median":
		return Median, nil
	case "sigma", "sigma-clip", "kappa-sigma":
		return SigmaClip, nil
	case "winsorized":
		return Winsorized, nil
	case "min":
		return Min, nil
	case "max":
		return Max, nil
	default:
		return Mean, fmt.Errorf("stack: unknown method %q", s)
	}
}

// State tracks the stacker's lifecycle for observability.
type State int

const (
	StateInit State = iota
	StateAccumulate
	StateFinalize
	StateDone
	StateError
)

// Options configure a stacking run.
type Options struct {
	Method    Method
	SigmaLow  float64 // rejection bound below the running mean
	SigmaHigh float64 // rejection bound above the running mean
	// Bands is the number of accumulator row partitions; defaults to
	// NumCPU.
	Bands int
	// MedianExactMaxFrames bounds exact median's sample buffering;
	// beyond it the method degrades to sigma-clipped mean, trading
	// exactness for O(image) memory.
	MedianExactMaxFrames int
	// NormalizeExposure scales each frame by its exposure before
	// accumulation so mixed-length subs combine correctly.
	NormalizeExposure bool
	// Output is the path of the stacked result FITS image.
	Output string
}

func (o *Options) withDefaults(frames int) Options {
	opts := *o
	if opts.Bands < 1 {
		opts.Bands = runtime.NumCPU()
	}
	if opts.SigmaLow <= 0 {
		opts.SigmaLow = 3
	}
	if opts.SigmaHigh <= 0 {
		opts.SigmaHigh = 3
	}
	if opts.MedianExactMaxFrames < 1 {
		opts.MedianExactMaxFrames = 32
	}
	if opts.Method == Median && frames > opts.MedianExactMaxFrames {
		opts.Method = SigmaClip
	}
	return opts
}

// Stacker implements the engine hooks for one stacking job. Create a
// fresh one per job.
type Stacker struct {
	opts Options
	log  *slog.Logger

	width    int
	height   int
	channels int

	bands []*band
	chans []chan *frame.Image
	wg    sync.WaitGroup
	state atomic.Int64

	Result         *frame.Image
	RejectedPixels int64
	FramesStacked  int64
	SignalToNoise  float64
}

// NewStacker builds the hook set for a stacking run.
func NewStacker(opts Options, log *slog.Logger) *Stacker {
	return &Stacker{opts: opts, log: log}
}

// State reports the stacker's lifecycle state.
func (s *Stacker) State() State { return State(s.state.Load()) }

func (s *Stacker) setState(st State) { s.state.Store(int64(st)) }

// Prepare allocates the row-banded accumulators once image dimensions
// are known, and starts one fold goroutine per band. This is the
// barrier the partition scheme requires at job start.
func (s *Stacker) Prepare(ctx context.Context, job *engine.Job) error {
	geom, err := job.Seq.Store().Geometry()
	if err != nil {
		s.setState(StateError)
		return err
	}
	eligible := sequence.CountFiltered(job.Seq, job.Filter)
	opts := s.opts.withDefaults(eligible)
	if opts.Method != s.opts.Method {
		s.log.Info("median degraded to sigma-clipped mean",
			"frames", eligible, "exact_max", opts.MedianExactMaxFrames)
	}
	s.opts = opts

	s.width = geom.Width
	s.height = geom.Height
	s.channels = geom.Channels

	bandCount := opts.Bands
	if bandCount > s.height {
		bandCount = s.height
	}
	rowsPer := (s.height + bandCount - 1) / bandCount
	for y := 0; y < s.height; y += rowsPer {
		y1 := y + rowsPer
		if y1 > s.height {
			y1 = s.height
		}
		s.bands = append(s.bands, newBand(y, y1, s.width, s.channels, opts))
	}
	s.chans = make([]chan *frame.Image, len(s.bands))
	for i, b := range s.bands {
		ch := make(chan *frame.Image, 1)
		s.chans[i] = ch
		s.wg.Add(1)
		go func(b *band, ch <-chan *frame.Image) {
			defer s.wg.Done()
			for img := range ch {
				b.fold(img)
			}
		}(b, ch)
	}
	s.setState(StateAccumulate)
	return nil
}

// ProcessImage validates, normalizes, and hands the frame to every
// band goroutine. It returns no output image: stacking aggregates
// instead of producing one output per input.
func (s *Stacker) ProcessImage(ctx context.Context, rank, index int, img *frame.Image) (*frame.Image, error) {
	if img.Width != s.width || img.Height != s.height || img.Channels != s.channels {
		s.setState(StateError)
		return nil, fmt.Errorf("frame %d is %dx%dx%d, reference is %dx%dx%d",
			index, img.Width, img.Height, img.Channels, s.width, s.height, s.channels)
	}
	// Normalization to unit exposure keeps mixed-length subs
	// comparable without depending on which frame arrives first.
	if s.opts.NormalizeExposure && img.Exposure > 0 && img.Exposure != 1 {
		scale := float32(1 / img.Exposure)
		for i := range img.Pix {
			img.Pix[i] *= scale
		}
	}
	for _, ch := range s.chans {
		select {
		case ch <- img:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, nil
}

// Finalize joins the band goroutines, assembles the result image, and
// writes it if an output path is configured.
func (s *Stacker) Finalize(ctx context.Context, job *engine.Job, sum *engine.Summary) error {
	s.setState(StateFinalize)
	for _, ch := range s.chans {
		close(ch)
	}
	s.wg.Wait()

	if sum.Status == engine.StatusFailed || sum.Processed == 0 {
		s.setState(StateError)
		return nil
	}

	out := frame.New(s.width, s.height, s.channels, 32)
	for _, b := range s.bands {
		b.result(out)
		s.RejectedPixels += b.rejected
	}
	s.FramesStacked = s.bands[0].frames
	s.Result = out
	s.SignalToNoise = estimateSNR(out)

	if s.opts.Output != "" {
		if err := writeResult(s.opts.Output, out); err != nil {
			s.setState(StateError)
			return err
		}
		sum.OutputSeq = s.opts.Output
	}
	s.log.Info("stack finished",
		"method", s.opts.Method.String(),
		"frames", s.FramesStacked,
		"rejected_pixels", s.RejectedPixels,
		"snr", fmt.Sprintf("%.2f", s.SignalToNoise),
	)
	s.setState(StateDone)
	return nil
}

// estimateSNR is a coarse whole-image signal-to-noise figure: mean
// over stddev of the first channel.
func estimateSNR(img *frame.Image) float64 {
	plane := img.Plane(0)
	vals := make([]float64, len(plane))
	for i, v := range plane {
		vals[i] = float64(v)
	}
	mean, std := stat.MeanStdDev(vals, nil)
	if std == 0 {
		return 0
	}
	return mean / std
}

func writeResult(path string, img *frame.Image) error {
	return fits.WriteImage(path, img)
}

// NewJob assembles a complete engine job for a stacking run.
func NewJob(seq *sequence.Sequence, filter sequence.Filter, st *Stacker) *engine.Job {
	return &engine.Job{
		Name:     "stack-" + st.opts.Method.String(),
		Seq:      seq,
		Filter:   filter,
		Prepare:  st,
		Image:    st,
		Finalize: st,
		Parallel: true,
		// Accumulators plus in-flight frames cost roughly three
		// frame footprints per worker.
		MemoryMultiplier: 3,
	}
}
