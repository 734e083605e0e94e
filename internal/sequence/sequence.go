// Package sequence holds the ordered, filterable view of a set of
// frames: which frames exist, their per-frame quality metadata, and
// which are currently selected for processing.
package sequence

import (
	"fmt"
	"os"
	"time"

	"astroseq/internal/frame"
	"astroseq/internal/framestore"
)

// Sentinel values for Current: no sequence frame is loaded, or the
// loaded image is a freshly produced result outside any sequence.
const (
	UnrelatedImage = -1
	ResultImage    = -2
)

// FrameMeta is the per-frame metadata, index-aligned with frame
// position. Mutated only between jobs (finalize hooks or callers),
// never from workers.
type FrameMeta struct {
	Included  bool
	Stats     frame.Stats
	Reg       frame.RegData
	Exposure  float64
	Timestamp time.Time
}

// LayerRange is the display range of one channel.
type LayerRange struct {
	Lo, Hi float64
}

// Sequence is the descriptor for an open sequence.
type Sequence struct {
	Name   string
	Format framestore.Format

	store  framestore.Store
	Frames []FrameMeta
	// Selnum counts frames with Included set. Invariant: always
	// equals the number of true Included flags; CheckSelnum verifies
	// it after bulk mutations.
	Selnum  int
	Layers  int
	Ranges  []LayerRange
	Current int
}

// Open opens the sequence backing at path. Directories become
// one-file-per-frame sequences; files are sniffed by extension.
func Open(path string) (*Sequence, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	var store framestore.Store
	if info.IsDir() {
		store, err = framestore.ScanDirectory(path)
	} else {
		var format framestore.Format
		format, err = framestore.DetectFormat(path)
		if err != nil {
			return nil, err
		}
		switch format {
		case SERFormat:
			store, err = framestore.OpenSER(path)
		default:
			store, err = framestore.OpenCube(path)
		}
	}
	if err != nil {
		return nil, err
	}
	return FromStore(path, store)
}

// Aliases so callers don't need to import framestore for the tag.
const (
	MultiFormat = framestore.MultiFITS
	CubeFormat  = framestore.FITSCube
	SERFormat   = framestore.SERVideo
)

// FromStore builds a descriptor over an already-open store. All
// frames start included with no computed metrics.
func FromStore(name string, store framestore.Store) (*Sequence, error) {
	g, err := store.Geometry()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("sequence: %s: %w", name, err)
	}
	n := store.FrameCount()
	seq := &Sequence{
		Name:    name,
		Format:  store.Format(),
		store:   store,
		Frames:  make([]FrameMeta, n),
		Selnum:  n,
		Layers:  g.Channels,
		Ranges:  make([]LayerRange, g.Channels),
		Current: UnrelatedImage,
	}
	for i := range seq.Frames {
		seq.Frames[i].Included = true
		seq.Frames[i].Stats = frame.NoStats()
	}
	for i := range seq.Ranges {
		seq.Ranges[i] = LayerRange{Lo: 0, Hi: 1}
	}
	return seq, nil
}

// Store exposes the frame store backing this sequence.
func (s *Sequence) Store() framestore.Store { return s.store }

// FrameCount returns the number of addressable frames.
func (s *Sequence) FrameCount() int { return len(s.Frames) }

// SetIncluded flips one frame's inclusion flag, keeping Selnum in
// step.
func (s *Sequence) SetIncluded(index int, included bool) {
	if s.Frames[index].Included == included {
		return
	}
	s.Frames[index].Included = included
	if included {
		s.Selnum++
	} else {
		s.Selnum--
	}
}

// SelectAll re-includes every frame.
func (s *Sequence) SelectAll() {
	for i := range s.Frames {
		s.Frames[i].Included = true
	}
	s.Selnum = len(s.Frames)
}

// DeselectBy clears the inclusion flag of every frame a filter
// rejects, then verifies the selection invariant.
func (s *Sequence) DeselectBy(f Filter) error {
	for i := range s.Frames {
		if s.Frames[i].Included && !f(s, i) {
			s.Frames[i].Included = false
			s.Selnum--
		}
	}
	return s.CheckSelnum()
}

// CheckSelnum verifies Selnum against the inclusion flags. Called
// after any bulk filter operation.
func (s *Sequence) CheckSelnum() error {
	n := 0
	for i := range s.Frames {
		if s.Frames[i].Included {
			n++
		}
	}
	if n != s.Selnum {
		return fmt.Errorf("sequence: selection count %d does not match %d included frames", s.Selnum, n)
	}
	return nil
}

// InvalidateStats resets every frame's quality metrics. Called when a
// job rewrote frame content, since stale scores must not drive
// filtering of the new data.
func (s *Sequence) InvalidateStats() {
	for i := range s.Frames {
		s.Frames[i].Stats = frame.NoStats()
	}
}

// Close releases the store and all per-frame metadata.
func (s *Sequence) Close() error {
	s.Frames = nil
	s.Selnum = 0
	s.Current = UnrelatedImage
	if s.store == nil {
		return nil
	}
	err := s.store.Close()
	s.store = nil
	return err
}
