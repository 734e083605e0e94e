// Package framestore abstracts the physical backing of a sequence:
// a directory of one-file-per-frame FITS images, a single FITS cube,
// or a SER video container. All backings expose indexed reads that are
// safe to call from many workers at once (container stores maintain a
// pool of duplicate read-only handles, one per worker) and
// exactly-once writer semantics: WriteFrame must only ever be called
// from a single goroutine.
package framestore

import (
	"fmt"
	"strings"

	"astroseq/internal/frame"
)

// Format tags the physical backing of a sequence.
type Format int

const (
	MultiFITS Format = iota
	FITSCube
	SERVideo
)

func (f Format) String() string {
	switch f {
	case MultiFITS:
		return "fits-files"
	case FITSCube:
		return "fits-cube"
	case SERVideo:
		return "ser"
	default:
		return "unknown"
	}
}

// Geometry describes the uniform frame shape of a store. Uniform
// dimensions across a sequence are a precondition of every batch
// operation; the first frame is taken as authoritative.
type Geometry struct {
	Width         int
	Height        int
	Channels      int
	BitsPerSample int
}

// FrameBytes is the decoded in-memory cost of one frame.
func (g Geometry) FrameBytes() int64 {
	return int64(g.Width) * int64(g.Height) * int64(g.Channels) * 4
}

// Store is the engine's view of a sequence backing.
//
// Reads take a worker slot so container stores can hand each worker
// its own duplicate file handle; slot numbers must be dense in
// [0, workers). Multi-file stores ignore the slot.
type Store interface {
	Format() Format
	FrameCount() int
	Geometry() (Geometry, error)

	ReadFrame(worker, index int) (*frame.Image, error)
	ReadPartial(worker, index, channel int, rect frame.Rect) ([]float32, error)

	// WriteFrame stores img at index. Single-writer only.
	WriteFrame(index int, img *frame.Image) error

	// Compact shrinks a container that ended up with fewer written
	// frames than reserved. No-op for multi-file stores.
	Compact(written int) error

	Close() error
}

// DetectFormat guesses the backing from a path extension.
func DetectFormat(path string) (Format, error) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".ser"):
		return SERVideo, nil
	case strings.HasSuffix(lower, ".fit"), strings.HasSuffix(lower, ".fits"), strings.HasSuffix(lower, ".fts"):
		return FITSCube, nil
	default:
		return MultiFITS, fmt.Errorf("framestore: cannot detect format of %q", path)
	}
}
