// Package ops contains the per-image operations that plug into the
// sequence engine: cosmetic correction, banding removal, per-frame
// statistics, and format conversion. Each operation is a typed hook
// carrying its own parameters.
package ops

import (
	"context"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"astroseq/internal/frame"
)

// Cosmetic replaces hot and cold pixels with their 3x3 neighborhood
// median. Thresholds are in sigma around the channel mean.
type Cosmetic struct {
	SigmaHot  float64
	SigmaCold float64
}

// ProcessImage corrects one frame in place and returns it.
func (c *Cosmetic) ProcessImage(ctx context.Context, rank, index int, img *frame.Image) (*frame.Image, error) {
	if c.SigmaHot <= 0 && c.SigmaCold <= 0 {
		return nil, fmt.Errorf("cosmetic correction needs at least one threshold")
	}
	for ch := 0; ch < img.Channels; ch++ {
		plane := img.Plane(ch)
		vals := make([]float64, len(plane))
		for i, v := range plane {
			vals[i] = float64(v)
		}
		mean, std := stat.MeanStdDev(vals, nil)
		if std == 0 {
			continue
		}
		hi := mean + c.SigmaHot*std
		lo := mean - c.SigmaCold*std
		// Replacements read the original plane and write a copy, so a
		// corrected pixel never contaminates its neighbor's median.
		fixed := make([]float32, len(plane))
		copy(fixed, plane)
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width; x++ {
				v := float64(plane[y*img.Width+x])
				if (c.SigmaHot > 0 && v > hi) || (c.SigmaCold > 0 && v < lo) {
					fixed[y*img.Width+x] = neighborhoodMedian(plane, img.Width, img.Height, x, y)
				}
			}
		}
		copy(plane, fixed)
	}
	return img, nil
}

func neighborhoodMedian(plane []float32, width, height, x, y int) float32 {
	var vals [8]float32
	n := 0
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			nx, ny := x+dx, y+dy
			if nx < 0 || nx >= width || ny < 0 || ny >= height {
				continue
			}
			vals[n] = plane[ny*width+nx]
			n++
		}
	}
	s := vals[:n]
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
