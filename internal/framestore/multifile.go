package framestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"astroseq/internal/fits"
	"astroseq/internal/frame"
)

// MultiFileStore backs a sequence with one FITS file per frame.
// Reads open the target file on demand, so no handle pool is needed
// and reads are naturally concurrent.
type MultiFileStore struct {
	dir   string
	paths []string
	geom  *Geometry
}

var fitsExtensions = []string{".fit", ".fits", ".fts"}

func isFITSFile(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range fitsExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// ScanDirectory builds a store from every FITS file in dir, sorted by
// name so frame order is stable across scans.
func ScanDirectory(dir string) (*MultiFileStore, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !isFITSFile(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("framestore: no FITS frames in %s", dir)
	}
	sort.Strings(paths)
	return &MultiFileStore{dir: dir, paths: paths}, nil
}

// NewMultiFileOutput prepares an output store whose frame k will land
// in a file named prefix + basename of sourceNames[k].
func NewMultiFileOutput(dir, prefix string, sourceNames []string) *MultiFileStore {
	paths := make([]string, len(sourceNames))
	for i, src := range sourceNames {
		paths[i] = filepath.Join(dir, prefix+filepath.Base(src))
	}
	return &MultiFileStore{dir: dir, paths: paths}
}

func (s *MultiFileStore) Format() Format  { return MultiFITS }
func (s *MultiFileStore) FrameCount() int { return len(s.paths) }
func (s *MultiFileStore) Dir() string     { return s.dir }

// FramePath returns the file backing frame index.
func (s *MultiFileStore) FramePath(index int) string { return s.paths[index] }

// FramePaths returns all backing files in frame order.
func (s *MultiFileStore) FramePaths() []string { return s.paths }

func (s *MultiFileStore) Geometry() (Geometry, error) {
	if s.geom != nil {
		return *s.geom, nil
	}
	img, err := fits.ReadImage(s.paths[0])
	if err != nil {
		return Geometry{}, fmt.Errorf("framestore: probe %s: %w", s.paths[0], err)
	}
	s.geom = &Geometry{
		Width:         img.Width,
		Height:        img.Height,
		Channels:      img.Channels,
		BitsPerSample: img.BitsPerSample,
	}
	return *s.geom, nil
}

func (s *MultiFileStore) ReadFrame(_, index int) (*frame.Image, error) {
	if index < 0 || index >= len(s.paths) {
		return nil, fmt.Errorf("framestore: frame %d out of range [0,%d)", index, len(s.paths))
	}
	return fits.ReadImage(s.paths[index])
}

// ReadPartial decodes the frame and crops. Per-frame files are small
// enough that a cropping read buys nothing over decode-and-crop.
func (s *MultiFileStore) ReadPartial(worker, index, channel int, rect frame.Rect) ([]float32, error) {
	img, err := s.ReadFrame(worker, index)
	if err != nil {
		return nil, err
	}
	if channel < 0 || channel >= img.Channels {
		return nil, fmt.Errorf("framestore: channel %d out of range", channel)
	}
	out := make([]float32, rect.Dx()*rect.Dy())
	plane := img.Plane(channel)
	for y := rect.Y0; y < rect.Y1; y++ {
		copy(out[(y-rect.Y0)*rect.Dx():], plane[y*img.Width+rect.X0:y*img.Width+rect.X1])
	}
	return out, nil
}

func (s *MultiFileStore) WriteFrame(index int, img *frame.Image) error {
	if index < 0 || index >= len(s.paths) {
		return fmt.Errorf("framestore: frame %d out of range [0,%d)", index, len(s.paths))
	}
	return fits.WriteImage(s.paths[index], img)
}

// Compact is a no-op: skipped frames simply have no file.
func (s *MultiFileStore) Compact(int) error { return nil }

func (s *MultiFileStore) Close() error { return nil }
