package ops

import (
	"context"
	"math"

	"gonum.org/v1/gonum/stat"

	"astroseq/internal/engine"
	"astroseq/internal/frame"
)

// FrameStats measures per-frame quality metrics. Workers write into
// their own pre-allocated slot of the results array; the sequence's
// metadata is only touched in Finalize, after the pool has joined.
type FrameStats struct {
	results []measured
	// Persist, when set, receives the measured stats per frame in
	// Finalize (e.g. the SQLite stats store).
	Persist func(index int, st frame.Stats) error
}

type measured struct {
	index int
	ok    bool
	stats frame.Stats
}

// Prepare sizes the results array to the filtered count.
func (f *FrameStats) Prepare(ctx context.Context, job *engine.Job) error {
	// One slot per eligible frame, indexed by output rank.
	n := 0
	for i := 0; i < job.Seq.FrameCount(); i++ {
		if job.Filter(job.Seq, i) {
			n++
		}
	}
	f.results = make([]measured, n)
	return nil
}

// ProcessImage measures one frame. No output image is produced.
func (f *FrameStats) ProcessImage(ctx context.Context, rank, index int, img *frame.Image) (*frame.Image, error) {
	f.results[rank] = measured{index: index, ok: true, stats: Measure(img)}
	return nil, nil
}

// Finalize folds the measurements into the sequence metadata.
func (f *FrameStats) Finalize(ctx context.Context, job *engine.Job, sum *engine.Summary) error {
	for _, m := range f.results {
		if !m.ok {
			continue
		}
		job.Seq.Frames[m.index].Stats = m.stats
		if f.Persist != nil {
			if err := f.Persist(m.index, m.stats); err != nil {
				return err
			}
		}
	}
	return nil
}

// Measure computes the quality metrics of one frame: a noise-based
// quality score, a FWHM estimate from the brightest peak, and the
// peak's roundness.
func Measure(img *frame.Image) frame.Stats {
	plane := img.Plane(0)
	vals := make([]float64, len(plane))
	peak := float32(0)
	px, py := 0, 0
	for i, v := range plane {
		vals[i] = float64(v)
		if v > peak {
			peak = v
			px, py = i%img.Width, i/img.Width
		}
	}
	mean, std := stat.MeanStdDev(vals, nil)

	st := frame.NoStats()
	if std > 0 {
		snr := mean / std
		st.Quality = snr / (snr + 1)
	} else {
		st.Quality = 0
	}

	if peak > 0 && float64(peak) > mean+3*std {
		wx := halfMaxWidth(plane, img.Width, px, py, mean, float64(peak), true)
		wy := halfMaxWidth(plane, img.Width, px, py, mean, float64(peak), false)
		if wx > 0 && wy > 0 {
			st.FWHM = math.Sqrt(wx * wy)
			st.Roundness = math.Min(wx, wy) / math.Max(wx, wy)
		}
	}
	return st
}

// halfMaxWidth walks outward from the peak until the profile drops
// below background + half the peak amplitude.
func halfMaxWidth(plane []float32, width, px, py int, background, peak float64, horizontal bool) float64 {
	height := len(plane) / width
	half := background + (peak-background)/2
	at := func(d int) (float64, bool) {
		x, y := px, py
		if horizontal {
			x += d
		} else {
			y += d
		}
		if x < 0 || x >= width || y < 0 || y >= height {
			return 0, false
		}
		return float64(plane[y*width+x]), true
	}
	w := 1.0
	for d := 1; ; d++ {
		v, ok := at(d)
		if !ok || v < half {
			break
		}
		w++
	}
	for d := -1; ; d-- {
		v, ok := at(d)
		if !ok || v < half {
			break
		}
		w++
	}
	return w
}
