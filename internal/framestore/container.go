package framestore

import (
	"fmt"
	"os"
	"sync"

	"astroseq/internal/fits"
	"astroseq/internal/frame"
)

// readerPool hands each worker slot its own duplicate read-only file
// handle, created lazily on first use. The pool is owned by the store
// and closed with it, so handle lifetime never outlives the sequence.
type readerPool struct {
	path string
	mu   sync.Mutex
	fds  map[int]*os.File
}

func newReaderPool(path string) *readerPool {
	return &readerPool{path: path, fds: make(map[int]*os.File)}
}

func (p *readerPool) get(worker int) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd, ok := p.fds[worker]; ok {
		return fd, nil
	}
	fd, err := os.Open(p.path)
	if err != nil {
		return nil, fmt.Errorf("framestore: duplicate handle for worker %d: %w", worker, err)
	}
	p.fds[worker] = fd
	return fd, nil
}

func (p *readerPool) closeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for id, fd := range p.fds {
		if err := fd.Close(); err != nil && first == nil {
			first = err
		}
		delete(p.fds, id)
	}
	return first
}

// CubeStore backs a sequence with a single FITS cube.
type CubeStore struct {
	cube    *fits.Cube
	readers *readerPool
}

// OpenCube opens an existing cube container.
func OpenCube(path string) (*CubeStore, error) {
	c, err := fits.OpenCube(path)
	if err != nil {
		return nil, err
	}
	return &CubeStore{cube: c, readers: newReaderPool(path)}, nil
}

// CreateCube makes a cube container sized to count frames.
func CreateCube(path string, g Geometry, count int) (*CubeStore, error) {
	if g.Channels != 1 {
		return nil, fmt.Errorf("framestore: cube containers hold mono frames, got %d channels", g.Channels)
	}
	c, err := fits.CreateCube(path, g.Width, g.Height, g.BitsPerSample, count)
	if err != nil {
		return nil, err
	}
	return &CubeStore{cube: c, readers: newReaderPool(path)}, nil
}

func (s *CubeStore) Format() Format  { return FITSCube }
func (s *CubeStore) FrameCount() int { return s.cube.FrameCount() }
func (s *CubeStore) Path() string    { return s.cube.Path() }

func (s *CubeStore) Geometry() (Geometry, error) {
	return Geometry{
		Width:         s.cube.Width(),
		Height:        s.cube.Height(),
		Channels:      1,
		BitsPerSample: s.cube.BitsPerSample(),
	}, nil
}

func (s *CubeStore) ReadFrame(worker, index int) (*frame.Image, error) {
	fd, err := s.readers.get(worker)
	if err != nil {
		return nil, err
	}
	return s.cube.ReadFrameFrom(fd, index)
}

func (s *CubeStore) ReadPartial(worker, index, channel int, rect frame.Rect) ([]float32, error) {
	if channel != 0 {
		return nil, fmt.Errorf("framestore: cube frames are mono, channel %d out of range", channel)
	}
	fd, err := s.readers.get(worker)
	if err != nil {
		return nil, err
	}
	return s.cube.ReadPartialFrom(fd, index, rect)
}

func (s *CubeStore) WriteFrame(index int, img *frame.Image) error {
	return s.cube.WriteFrame(index, img)
}

func (s *CubeStore) Compact(written int) error {
	return s.cube.Compact(written)
}

func (s *CubeStore) Close() error {
	err := s.readers.closeAll()
	if cerr := s.cube.Close(); err == nil {
		err = cerr
	}
	return err
}
