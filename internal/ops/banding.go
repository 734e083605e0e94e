package ops

import (
	"context"
	"sort"

	"astroseq/internal/frame"
)

// Banding removes horizontal (or vertical) banding by subtracting
// each row's median offset from the global row-median level. Amount
// scales the correction; 1 removes the measured offset entirely.
type Banding struct {
	Amount   float64
	Vertical bool
}

// ProcessImage corrects one frame in place and returns it.
func (b *Banding) ProcessImage(ctx context.Context, rank, index int, img *frame.Image) (*frame.Image, error) {
	amount := b.Amount
	if amount <= 0 {
		amount = 1
	}
	for ch := 0; ch < img.Channels; ch++ {
		plane := img.Plane(ch)
		if b.Vertical {
			correctLines(plane, img.Height, img.Width, amount, func(line, i int) int {
				return i*img.Width + line
			})
		} else {
			correctLines(plane, img.Width, img.Height, amount, func(line, i int) int {
				return line*img.Width + i
			})
		}
	}
	return img, nil
}

// correctLines measures the median of every line (row or column),
// then shifts each line toward the median of those medians.
func correctLines(plane []float32, lineLen, lines int, amount float64, at func(line, i int) int) {
	medians := make([]float64, lines)
	buf := make([]float64, lineLen)
	for l := 0; l < lines; l++ {
		for i := 0; i < lineLen; i++ {
			buf[i] = float64(plane[at(l, i)])
		}
		medians[l] = medianOf(buf)
	}
	global := medianOf(append([]float64(nil), medians...))
	for l := 0; l < lines; l++ {
		offset := float32((medians[l] - global) * amount)
		if offset == 0 {
			continue
		}
		for i := 0; i < lineLen; i++ {
			plane[at(l, i)] -= offset
		}
	}
}

func medianOf(vals []float64) float64 {
	sort.Float64s(vals)
	n := len(vals)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return vals[n/2]
	}
	return (vals[n/2-1] + vals[n/2]) / 2
}
