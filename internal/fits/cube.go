package fits

import (
	"fmt"
	"io"
	"os"

	"astroseq/internal/frame"
)

// Cube is a FITS file used as a sequence container: NAXIS3 mono frames
// of identical geometry, marked with the IMSEQ keyword. The header is
// always a single 2880-byte block, so frame offsets are fixed and
// frames can be written in place by index.
type Cube struct {
	f      *os.File
	header *Header
	path   string
}

// CreateCube allocates a new cube sized to count frames. The file is
// fully pre-extended so concurrent index-addressed writes never race
// on file length.
func CreateCube(path string, width, height, bitsPerSample, count int) (*Cube, error) {
	if count <= 0 {
		return nil, fmt.Errorf("fits: cube needs at least one frame")
	}
	h := &Header{
		Bitpix: 16,
		Naxis:  3,
		Naxis1: width,
		Naxis2: height,
		Naxis3: count,
		BZero:  32768,
		BScale: 1,
		ImSeq:  true,
	}
	if bitsPerSample > 16 {
		h.Bitpix = -32
		h.BZero = 0
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	c := &Cube{f: f, header: h, path: path}
	if err := writeHeader(f, h); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := f.Truncate(padTo(blockSize + int64(count)*c.frameBytes())); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return c, nil
}

// OpenCube opens an existing cube for reading and writing.
func OpenCube(path string) (*Cube, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	h, err := ReadHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if h.Naxis != 3 || (!h.ImSeq && h.Naxis3 == 3) {
		f.Close()
		return nil, fmt.Errorf("fits: %s is not a sequence cube", path)
	}
	return &Cube{f: f, header: h, path: path}, nil
}

func (c *Cube) Path() string    { return c.path }
func (c *Cube) FrameCount() int { return c.header.Naxis3 }
func (c *Cube) Width() int      { return c.header.Naxis1 }
func (c *Cube) Height() int     { return c.header.Naxis2 }

func (c *Cube) BitsPerSample() int {
	if c.header.Bitpix == -32 {
		return 32
	}
	return 16
}

func (c *Cube) frameBytes() int64 {
	return int64(c.header.planeSamples()) * int64(c.header.bytesPerSample())
}

func (c *Cube) frameOffset(index int) int64 {
	return blockSize + int64(index)*c.frameBytes()
}

// ReadFrame decodes frame index using the cube's own handle. For
// concurrent reads, use ReadFrameFrom with a duplicate handle.
func (c *Cube) ReadFrame(index int) (*frame.Image, error) {
	return c.ReadFrameFrom(c.f, index)
}

// ReadFrameFrom decodes frame index from any handle onto the same
// file. The cube never seeks the passed reader's file position, so a
// pool of duplicate read-only handles can serve workers concurrently.
func (c *Cube) ReadFrameFrom(r io.ReaderAt, index int) (*frame.Image, error) {
	if index < 0 || index >= c.header.Naxis3 {
		return nil, fmt.Errorf("fits: frame %d out of range [0,%d)", index, c.header.Naxis3)
	}
	raw := make([]byte, c.frameBytes())
	if _, err := r.ReadAt(raw, c.frameOffset(index)); err != nil {
		return nil, fmt.Errorf("fits: read frame %d: %w", index, err)
	}
	bits := 16
	if c.header.Bitpix == -32 {
		bits = 32
	}
	img := frame.New(c.header.Naxis1, c.header.Naxis2, 1, bits)
	img.Exposure = c.header.Exposure
	decodeSamples(c.header, raw, img.Pix)
	return img, nil
}

// ReadPartialFrom decodes only rect of channel 0 of frame index,
// row by row, without loading the whole frame.
func (c *Cube) ReadPartialFrom(r io.ReaderAt, index int, rect frame.Rect) ([]float32, error) {
	if index < 0 || index >= c.header.Naxis3 {
		return nil, fmt.Errorf("fits: frame %d out of range [0,%d)", index, c.header.Naxis3)
	}
	bps := int64(c.header.bytesPerSample())
	out := make([]float32, rect.Dx()*rect.Dy())
	rowRaw := make([]byte, rect.Dx()*int(bps))
	base := c.frameOffset(index)
	for y := rect.Y0; y < rect.Y1; y++ {
		off := base + (int64(y)*int64(c.header.Naxis1)+int64(rect.X0))*bps
		if _, err := r.ReadAt(rowRaw, off); err != nil {
			return nil, fmt.Errorf("fits: partial read frame %d row %d: %w", index, y, err)
		}
		decodeSamples(c.header, rowRaw, out[(y-rect.Y0)*rect.Dx():(y-rect.Y0+1)*rect.Dx()])
	}
	return out, nil
}

// WriteFrame encodes img into slot index. img must be mono and match
// the cube geometry.
func (c *Cube) WriteFrame(index int, img *frame.Image) error {
	if index < 0 || index >= c.header.Naxis3 {
		return fmt.Errorf("fits: frame %d out of range [0,%d)", index, c.header.Naxis3)
	}
	if img.Channels != 1 || img.Width != c.header.Naxis1 || img.Height != c.header.Naxis2 {
		return fmt.Errorf("fits: frame geometry %dx%dx%d does not match cube %dx%d",
			img.Width, img.Height, img.Channels, c.header.Naxis1, c.header.Naxis2)
	}
	raw := make([]byte, c.frameBytes())
	encodeSamples(c.header, img.Pix, raw)
	_, err := c.f.WriteAt(raw, c.frameOffset(index))
	return err
}

// Compact shrinks the cube to its first n frames, updating NAXIS3 in
// place. Used after a job wrote fewer frames than it reserved
// (failures skipped, or cancellation).
func (c *Cube) Compact(n int) error {
	if n <= 0 || n > c.header.Naxis3 {
		return fmt.Errorf("fits: cannot compact %d-frame cube to %d", c.header.Naxis3, n)
	}
	if n == c.header.Naxis3 {
		return nil
	}
	c.header.Naxis3 = n
	// The header layout is deterministic, so rewriting the whole
	// block updates NAXIS3 without disturbing data offsets.
	if _, err := c.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := writeHeader(c.f, c.header); err != nil {
		return err
	}
	return c.f.Truncate(padTo(blockSize + int64(n)*c.frameBytes()))
}

// Close releases the underlying handle.
func (c *Cube) Close() error { return c.f.Close() }
