package frame

import (
	"fmt"
	"math"
	"time"
)

// Image is a decoded frame held in memory. Pixel data is stored as
// normalized float32 in [0,1], channel-planar: plane c starts at
// c*Width*Height. All frames of a sequence share dimensions.
type Image struct {
	Width    int
	Height   int
	Channels int // 1 mono, 3 RGB
	// BitsPerSample records the storage depth of the backing file
	// (16 for integer FITS/SER, 32 for float FITS).
	BitsPerSample int
	Pix           []float32

	Exposure  float64 // seconds, 0 if unknown
	Timestamp time.Time
}

// New allocates a zeroed image with the given geometry.
func New(width, height, channels, bitsPerSample int) *Image {
	return &Image{
		Width:         width,
		Height:        height,
		Channels:      channels,
		BitsPerSample: bitsPerSample,
		Pix:           make([]float32, width*height*channels),
	}
}

// Clone returns a deep copy. Used by hooks that must not alias the
// buffer they hand to the output writer.
func (im *Image) Clone() *Image {
	out := *im
	out.Pix = make([]float32, len(im.Pix))
	copy(out.Pix, im.Pix)
	return &out
}

// Plane returns the pixel slice for channel c.
func (im *Image) Plane(c int) []float32 {
	n := im.Width * im.Height
	return im.Pix[c*n : (c+1)*n]
}

// At returns the pixel value at (x, y) in channel c.
func (im *Image) At(x, y, c int) float32 {
	return im.Pix[c*im.Width*im.Height+y*im.Width+x]
}

// Set writes the pixel value at (x, y) in channel c.
func (im *Image) Set(x, y, c int, v float32) {
	im.Pix[c*im.Width*im.Height+y*im.Width+x] = v
}

// SameGeometry reports whether two images can take part in the same
// pixel-wise operation.
func (im *Image) SameGeometry(other *Image) bool {
	return im.Width == other.Width && im.Height == other.Height && im.Channels == other.Channels
}

// BytesPerSample returns the storage cost of one sample.
func (im *Image) BytesPerSample() int {
	if im.BitsPerSample <= 16 {
		return 2
	}
	return 4
}

// MemoryFootprint estimates the in-memory size of one decoded frame in
// bytes. Decoded pixels are float32 regardless of storage depth.
func (im *Image) MemoryFootprint() int64 {
	return int64(im.Width) * int64(im.Height) * int64(im.Channels) * 4
}

// Rect is a pixel region used for partial reads, [X0,X1) x [Y0,Y1).
type Rect struct {
	X0, Y0, X1, Y1 int
}

func (r Rect) Dx() int { return r.X1 - r.X0 }
func (r Rect) Dy() int { return r.Y1 - r.Y0 }

func (r Rect) String() string {
	return fmt.Sprintf("[%d,%d)x[%d,%d)", r.X0, r.X1, r.Y0, r.Y1)
}

// RegData is the registration shift of a frame relative to the
// sequence reference frame.
type RegData struct {
	Dx, Dy   float64
	Rotation float64 // radians
}

// Stats holds per-frame quality metadata. NaN means the metric has not
// been computed for the frame yet; filters treat such frames as never
// eligible.
type Stats struct {
	Quality   float64
	FWHM      float64
	Roundness float64
}

// NoStats returns a Stats with every metric unset.
func NoStats() Stats {
	nan := math.NaN()
	return Stats{Quality: nan, FWHM: nan, Roundness: nan}
}

// HasQuality reports whether the quality score has been computed.
func (s Stats) HasQuality() bool { return !math.IsNaN(s.Quality) }

// HasFWHM reports whether FWHM has been computed.
func (s Stats) HasFWHM() bool { return !math.IsNaN(s.FWHM) }

// HasRoundness reports whether roundness has been computed.
func (s Stats) HasRoundness() bool { return !math.IsNaN(s.Roundness) }
