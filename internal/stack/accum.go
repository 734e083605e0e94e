package stack

import (
	"math"
	"sort"

	"astroseq/internal/frame"
)

// band owns a disjoint row range [y0,y1) of the per-pixel
// accumulators for the whole job. Bands are the static partitioning
// that makes accumulation lock-free: every band is fed through its own
// channel and folded by a single goroutine, so no two goroutines ever
// touch the same accumulator cell. Do not replace this with per-pixel
// locking; the partition is the design, not an optimization to undo.
type band struct {
	y0, y1   int
	width    int
	channels int

	method   Method
	sigLow   float64
	sigHigh  float64
	minCount int32

	// Welford running statistics per accumulator cell.
	count []int32
	mean  []float64
	m2    []float64

	// Extremum methods.
	ext []float32

	// Exact median mode: per-frame sample planes for this band only.
	samples [][]float32

	rejected int64
	frames   int64
}

func newBand(y0, y1, width, channels int, opts Options) *band {
	cells := (y1 - y0) * width * channels
	b := &band{
		y0:       y0,
		y1:       y1,
		width:    width,
		channels: channels,
		method:   opts.Method,
		sigLow:   opts.SigmaLow,
		sigHigh:  opts.SigmaHigh,
		minCount: 3,
	}
	switch opts.Method {
	case Min, Max:
		b.ext = make([]float32, cells)
		init := float32(math.Inf(1))
		if opts.Method == Max {
			init = float32(math.Inf(-1))
		}
		for i := range b.ext {
			b.ext[i] = init
		}
	case Median:
		// Exact median buffers the band's samples; callers cap the
		// frame count before choosing this method.
	default:
		b.count = make([]int32, cells)
		b.mean = make([]float64, cells)
		b.m2 = make([]float64, cells)
	}
	return b
}

// cell maps (x, y, c) within the band to an accumulator offset.
func (b *band) cells() int { return (b.y1 - b.y0) * b.width * b.channels }

// extract copies the band's rows of img into a dense cell-ordered
// slice: channel-major, then rows within the band.
func (b *band) extract(img *frame.Image) []float32 {
	rows := b.y1 - b.y0
	out := make([]float32, b.cells())
	for c := 0; c < b.channels; c++ {
		plane := img.Plane(c)
		dst := out[c*rows*b.width:]
		src := plane[b.y0*b.width : b.y1*b.width]
		copy(dst, src)
	}
	return out
}

func (b *band) fold(img *frame.Image) {
	b.frames++
	cellsPerChan := (b.y1 - b.y0) * b.width
	switch b.method {
	case Min:
		for c := 0; c < b.channels; c++ {
			plane := img.Plane(c)[b.y0*b.width : b.y1*b.width]
			ext := b.ext[c*cellsPerChan : (c+1)*cellsPerChan]
			for i, v := range plane {
				if v < ext[i] {
					ext[i] = v
				}
			}
		}
	case Max:
		for c := 0; c < b.channels; c++ {
			plane := img.Plane(c)[b.y0*b.width : b.y1*b.width]
			ext := b.ext[c*cellsPerChan : (c+1)*cellsPerChan]
			for i, v := range plane {
				if v > ext[i] {
					ext[i] = v
				}
			}
		}
	case Median:
		b.samples = append(b.samples, b.extract(img))
	default:
		b.foldRunning(img)
	}
}

// foldRunning updates Welford mean/variance per cell, applying the
// method's rejection rule against the running statistics so memory
// stays O(image), not O(image x frames).
func (b *band) foldRunning(img *frame.Image) {
	cellsPerChan := (b.y1 - b.y0) * b.width
	for c := 0; c < b.channels; c++ {
		plane := img.Plane(c)[b.y0*b.width : b.y1*b.width]
		off := c * cellsPerChan
		for i, v := range plane {
			j := off + i
			x := float64(v)
			n := b.count[j]
			if b.method != Mean && n >= b.minCount {
				variance := b.m2[j] / float64(n)
				sigma := math.Sqrt(variance)
				if sigma > 0 {
					dev := x - b.mean[j]
					switch b.method {
					case SigmaClip:
						if dev > b.sigHigh*sigma || -dev > b.sigLow*sigma {
							b.rejected++
							continue
						}
					case Winsorized:
						// Winsorizing clamps outliers to the bound
						// instead of discarding the sample.
						if dev > b.sigHigh*sigma {
							x = b.mean[j] + b.sigHigh*sigma
							b.rejected++
						} else if -dev > b.sigLow*sigma {
							x = b.mean[j] - b.sigLow*sigma
							b.rejected++
						}
					}
				}
			}
			n++
			b.count[j] = n
			delta := x - b.mean[j]
			b.mean[j] += delta / float64(n)
			b.m2[j] += delta * (x - b.mean[j])
		}
	}
}

// result writes the band's rows of the final image into out.
func (b *band) result(out *frame.Image) {
	cellsPerChan := (b.y1 - b.y0) * b.width
	for c := 0; c < b.channels; c++ {
		plane := out.Plane(c)
		dst := plane[b.y0*b.width : b.y1*b.width]
		switch b.method {
		case Min, Max:
			copy(dst, b.ext[c*cellsPerChan:(c+1)*cellsPerChan])
		case Median:
			b.medianInto(dst, c*cellsPerChan)
		default:
			off := c * cellsPerChan
			for i := range dst {
				dst[i] = float32(b.mean[off+i])
			}
		}
	}
}

func (b *band) medianInto(dst []float32, off int) {
	if len(b.samples) == 0 {
		return
	}
	column := make([]float64, len(b.samples))
	for i := range dst {
		for f, s := range b.samples {
			column[f] = float64(s[off+i])
		}
		sort.Float64s(column)
		mid := len(column) / 2
		if len(column)%2 == 1 {
			dst[i] = float32(column[mid])
		} else {
			dst[i] = float32((column[mid-1] + column[mid]) / 2)
		}
	}
}
