package framestore

import (
	"astroseq/internal/frame"
	"astroseq/internal/ser"
)

// SERStore backs a sequence with a SER video container.
type SERStore struct {
	file    *ser.File
	readers *readerPool
}

// OpenSER opens an existing SER container.
func OpenSER(path string) (*SERStore, error) {
	f, err := ser.Open(path)
	if err != nil {
		return nil, err
	}
	return &SERStore{file: f, readers: newReaderPool(path)}, nil
}

// CreateSER makes a SER container sized to count frames.
func CreateSER(path string, g Geometry, count int) (*SERStore, error) {
	f, err := ser.Create(path, g.Width, g.Height, g.Channels, g.BitsPerSample, count)
	if err != nil {
		return nil, err
	}
	return &SERStore{file: f, readers: newReaderPool(path)}, nil
}

func (s *SERStore) Format() Format  { return SERVideo }
func (s *SERStore) FrameCount() int { return s.file.FrameCount() }
func (s *SERStore) Path() string    { return s.file.Path() }

func (s *SERStore) Geometry() (Geometry, error) {
	return Geometry{
		Width:         s.file.Width(),
		Height:        s.file.Height(),
		Channels:      s.file.Channels(),
		BitsPerSample: s.file.BitsPerSample(),
	}, nil
}

func (s *SERStore) ReadFrame(worker, index int) (*frame.Image, error) {
	fd, err := s.readers.get(worker)
	if err != nil {
		return nil, err
	}
	return s.file.ReadFrameFrom(fd, index)
}

func (s *SERStore) ReadPartial(worker, index, channel int, rect frame.Rect) ([]float32, error) {
	fd, err := s.readers.get(worker)
	if err != nil {
		return nil, err
	}
	return s.file.ReadPartialFrom(fd, index, channel, rect)
}

func (s *SERStore) WriteFrame(index int, img *frame.Image) error {
	return s.file.WriteFrame(index, img)
}

func (s *SERStore) Compact(written int) error {
	return s.file.Compact(written)
}

func (s *SERStore) Close() error {
	err := s.readers.closeAll()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}
