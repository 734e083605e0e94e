// Package ser implements the SER v3 video container used by planetary
// capture software. Frames are raw little-endian samples behind a
// fixed 178-byte header, which makes the format a natural sequence
// container: frame offsets are computable and a frame can be written
// in place by index.
package ser

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"astroseq/internal/frame"
)

const (
	headerSize = 178
	fileID     = "LUCAM-RECORDER"
)

// Color IDs from the SER specification. Bayer-mosaiced IDs are not
// supported; the engine works on debayered data.
const (
	ColorMono = 0
	ColorRGB  = 100
	ColorBGR  = 101
)

// File is an open SER container.
type File struct {
	f          *os.File
	path       string
	colorID    int32
	width      int
	height     int
	depth      int // bits per plane sample, 8 or 16
	frameCount int
	timestamps bool
}

// Create makes a new container pre-sized to count frames.
func Create(path string, width, height, channels, bitsPerSample, count int) (*File, error) {
	if count <= 0 {
		return nil, fmt.Errorf("ser: container needs at least one frame")
	}
	colorID := int32(ColorMono)
	if channels == 3 {
		colorID = ColorRGB
	}
	depth := 16
	if bitsPerSample <= 8 {
		depth = 8
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	s := &File{
		f:          f,
		path:       path,
		colorID:    colorID,
		width:      width,
		height:     height,
		depth:      depth,
		frameCount: count,
	}
	if err := s.writeHeader(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := f.Truncate(headerSize + int64(count)*s.frameBytes()); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return s, nil
}

// Open opens an existing container read-write.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	s := &File{f: f, path: path}
	if err := s.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *File) readHeader() error {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(io.NewSectionReader(s.f, 0, headerSize), hdr); err != nil {
		return fmt.Errorf("ser: short header: %w", err)
	}
	if string(hdr[0:len(fileID)]) != fileID {
		return fmt.Errorf("ser: bad file signature")
	}
	s.colorID = int32(binary.LittleEndian.Uint32(hdr[18:]))
	switch s.colorID {
	case ColorMono, ColorRGB, ColorBGR:
	default:
		return fmt.Errorf("ser: unsupported color id %d (bayer data must be debayered first)", s.colorID)
	}
	s.width = int(binary.LittleEndian.Uint32(hdr[26:]))
	s.height = int(binary.LittleEndian.Uint32(hdr[30:]))
	s.depth = int(binary.LittleEndian.Uint32(hdr[34:]))
	s.frameCount = int(binary.LittleEndian.Uint32(hdr[38:]))
	if s.width <= 0 || s.height <= 0 || s.frameCount < 0 {
		return fmt.Errorf("ser: bad geometry %dx%d count %d", s.width, s.height, s.frameCount)
	}
	if s.depth != 8 && s.depth != 16 {
		return fmt.Errorf("ser: unsupported pixel depth %d", s.depth)
	}
	return nil
}

func (s *File) writeHeader() error {
	hdr := make([]byte, headerSize)
	copy(hdr, fileID)
	binary.LittleEndian.PutUint32(hdr[14:], 0) // LuID
	binary.LittleEndian.PutUint32(hdr[18:], uint32(s.colorID))
	binary.LittleEndian.PutUint32(hdr[22:], 0) // big-endian flag: data is little-endian
	binary.LittleEndian.PutUint32(hdr[26:], uint32(s.width))
	binary.LittleEndian.PutUint32(hdr[30:], uint32(s.height))
	binary.LittleEndian.PutUint32(hdr[34:], uint32(s.depth))
	binary.LittleEndian.PutUint32(hdr[38:], uint32(s.frameCount))
	binary.LittleEndian.PutUint64(hdr[162:], serTime(time.Now()))
	binary.LittleEndian.PutUint64(hdr[170:], serTime(time.Now().UTC()))
	_, err := s.f.WriteAt(hdr, 0)
	return err
}

// serTime converts to the SER epoch (100ns ticks since year 1).
func serTime(t time.Time) uint64 {
	epoch := time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)
	return uint64(t.Sub(epoch) / 100)
}

func (s *File) Path() string    { return s.path }
func (s *File) FrameCount() int { return s.frameCount }
func (s *File) Width() int      { return s.width }
func (s *File) Height() int     { return s.height }

func (s *File) Channels() int {
	if s.colorID == ColorMono {
		return 1
	}
	return 3
}

func (s *File) BitsPerSample() int { return s.depth }

func (s *File) bytesPerSample() int64 {
	if s.depth == 8 {
		return 1
	}
	return 2
}

func (s *File) frameBytes() int64 {
	return int64(s.width) * int64(s.height) * int64(s.Channels()) * s.bytesPerSample()
}

func (s *File) frameOffset(index int) int64 {
	return headerSize + int64(index)*s.frameBytes()
}

// ReadFrame decodes frame index using the container's own handle.
func (s *File) ReadFrame(index int) (*frame.Image, error) {
	return s.ReadFrameFrom(s.f, index)
}

// ReadFrameFrom decodes frame index from a duplicate handle. SER
// stores pixels interleaved per-pixel for color data; the engine uses
// planar, so channels are de-interleaved on read.
func (s *File) ReadFrameFrom(r io.ReaderAt, index int) (*frame.Image, error) {
	if index < 0 || index >= s.frameCount {
		return nil, fmt.Errorf("ser: frame %d out of range [0,%d)", index, s.frameCount)
	}
	raw := make([]byte, s.frameBytes())
	if _, err := r.ReadAt(raw, s.frameOffset(index)); err != nil {
		return nil, fmt.Errorf("ser: read frame %d: %w", index, err)
	}
	channels := s.Channels()
	img := frame.New(s.width, s.height, channels, 16)
	n := s.width * s.height
	scale := float32(1.0 / 255.0)
	if s.depth == 16 {
		scale = 1.0 / 65535.0
	}
	for i := 0; i < n; i++ {
		for c := 0; c < channels; c++ {
			plane := c
			if s.colorID == ColorBGR {
				plane = channels - 1 - c
			}
			var v float32
			if s.depth == 8 {
				v = float32(raw[i*channels+c])
			} else {
				v = float32(binary.LittleEndian.Uint16(raw[(i*channels+c)*2:]))
			}
			img.Pix[plane*n+i] = v * scale
		}
	}
	return img, nil
}

// ReadPartialFrom decodes only rect of one channel of frame index.
func (s *File) ReadPartialFrom(r io.ReaderAt, index, channel int, rect frame.Rect) ([]float32, error) {
	if index < 0 || index >= s.frameCount {
		return nil, fmt.Errorf("ser: frame %d out of range [0,%d)", index, s.frameCount)
	}
	channels := s.Channels()
	if channel < 0 || channel >= channels {
		return nil, fmt.Errorf("ser: channel %d out of range", channel)
	}
	srcChan := channel
	if s.colorID == ColorBGR {
		srcChan = channels - 1 - channel
	}
	bps := s.bytesPerSample()
	out := make([]float32, rect.Dx()*rect.Dy())
	rowRaw := make([]byte, int64(rect.Dx())*int64(channels)*bps)
	scale := float32(1.0 / 255.0)
	if s.depth == 16 {
		scale = 1.0 / 65535.0
	}
	for y := rect.Y0; y < rect.Y1; y++ {
		off := s.frameOffset(index) + (int64(y)*int64(s.width)+int64(rect.X0))*int64(channels)*bps
		if _, err := r.ReadAt(rowRaw, off); err != nil {
			return nil, fmt.Errorf("ser: partial read frame %d row %d: %w", index, y, err)
		}
		for x := 0; x < rect.Dx(); x++ {
			var v float32
			if s.depth == 8 {
				v = float32(rowRaw[x*channels+srcChan])
			} else {
				v = float32(binary.LittleEndian.Uint16(rowRaw[(x*channels+srcChan)*2:]))
			}
			out[(y-rect.Y0)*rect.Dx()+x] = v * scale
		}
	}
	return out, nil
}

// WriteFrame encodes img into slot index.
func (s *File) WriteFrame(index int, img *frame.Image) error {
	if index < 0 || index >= s.frameCount {
		return fmt.Errorf("ser: frame %d out of range [0,%d)", index, s.frameCount)
	}
	channels := s.Channels()
	if img.Width != s.width || img.Height != s.height || img.Channels != channels {
		return fmt.Errorf("ser: frame geometry %dx%dx%d does not match container %dx%dx%d",
			img.Width, img.Height, img.Channels, s.width, s.height, channels)
	}
	raw := make([]byte, s.frameBytes())
	n := s.width * s.height
	for i := 0; i < n; i++ {
		for c := 0; c < channels; c++ {
			plane := c
			if s.colorID == ColorBGR {
				plane = channels - 1 - c
			}
			v := img.Pix[plane*n+i]
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			if s.depth == 8 {
				raw[i*channels+c] = byte(v*255 + 0.5)
			} else {
				binary.LittleEndian.PutUint16(raw[(i*channels+c)*2:], uint16(v*65535+0.5))
			}
		}
	}
	_, err := s.f.WriteAt(raw, s.frameOffset(index))
	return err
}

// Compact shrinks the container to its first n frames.
func (s *File) Compact(n int) error {
	if n <= 0 || n > s.frameCount {
		return fmt.Errorf("ser: cannot compact %d-frame container to %d", s.frameCount, n)
	}
	if n == s.frameCount {
		return nil
	}
	s.frameCount = n
	if err := s.writeHeader(); err != nil {
		return err
	}
	return s.f.Truncate(headerSize + int64(n)*s.frameBytes())
}

// Close releases the underlying handle.
func (s *File) Close() error { return s.f.Close() }
