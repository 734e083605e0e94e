package sequence

import (
	"math"
	"testing"

	"astroseq/internal/frame"
	"astroseq/internal/framestore"
)

// stubStore is a minimal in-memory backing for selection tests.
type stubStore struct {
	n int
}

func (s *stubStore) Format() framestore.Format { return framestore.FITSCube }
func (s *stubStore) FrameCount() int           { return s.n }
func (s *stubStore) Geometry() (framestore.Geometry, error) {
	return framestore.Geometry{Width: 4, Height: 4, Channels: 1, BitsPerSample: 16}, nil
}
func (s *stubStore) ReadFrame(worker, index int) (*frame.Image, error) {
	return frame.New(4, 4, 1, 16), nil
}
func (s *stubStore) ReadPartial(worker, index, channel int, rect frame.Rect) ([]float32, error) {
	return make([]float32, rect.Dx()*rect.Dy()), nil
}
func (s *stubStore) WriteFrame(index int, img *frame.Image) error { return nil }
func (s *stubStore) Compact(written int) error                    { return nil }
func (s *stubStore) Close() error                                 { return nil }

func newTestSequence(t *testing.T, n int) *Sequence {
	t.Helper()
	seq, err := FromStore("test", &stubStore{n: n})
	if err != nil {
		t.Fatalf("from store: %v", err)
	}
	return seq
}

func TestFromStoreDefaults(t *testing.T) {
	seq := newTestSequence(t, 5)
	if seq.Selnum != 5 {
		t.Errorf("selnum = %d, want 5", seq.Selnum)
	}
	if seq.Current != UnrelatedImage {
		t.Errorf("current = %d, want UnrelatedImage", seq.Current)
	}
	for i, fm := range seq.Frames {
		if !fm.Included {
			t.Errorf("frame %d starts deselected", i)
		}
		if fm.Stats.HasQuality() || fm.Stats.HasFWHM() || fm.Stats.HasRoundness() {
			t.Errorf("frame %d starts with computed metrics", i)
		}
	}
}

func TestSetIncludedTracksSelnum(t *testing.T) {
	seq := newTestSequence(t, 4)

	seq.SetIncluded(1, false)
	seq.SetIncluded(3, false)
	if seq.Selnum != 2 {
		t.Errorf("selnum = %d, want 2", seq.Selnum)
	}
	// Repeating the same flip must not drift the count.
	seq.SetIncluded(1, false)
	if seq.Selnum != 2 {
		t.Errorf("selnum after repeat = %d, want 2", seq.Selnum)
	}
	seq.SetIncluded(1, true)
	if seq.Selnum != 3 {
		t.Errorf("selnum = %d, want 3", seq.Selnum)
	}
	if err := seq.CheckSelnum(); err != nil {
		t.Errorf("selnum invariant violated: %v", err)
	}
}

func TestDeselectByAndSelectAll(t *testing.T) {
	seq := newTestSequence(t, 6)
	for i := range seq.Frames {
		seq.Frames[i].Stats.Quality = float64(i) / 10
	}

	if err := seq.DeselectBy(MinQuality(0.25)); err != nil {
		t.Fatalf("deselect: %v", err)
	}
	// Frames 3, 4, 5 have quality > 0.25.
	if seq.Selnum != 3 {
		t.Errorf("selnum = %d, want 3", seq.Selnum)
	}
	for i := 0; i < 3; i++ {
		if seq.Frames[i].Included {
			t.Errorf("frame %d should be deselected", i)
		}
	}

	seq.SelectAll()
	if seq.Selnum != 6 {
		t.Errorf("selnum after select all = %d, want 6", seq.Selnum)
	}
	if err := seq.CheckSelnum(); err != nil {
		t.Errorf("selnum invariant violated: %v", err)
	}
}

func TestFiltersSkipUnmeasuredFrames(t *testing.T) {
	seq := newTestSequence(t, 3)
	seq.Frames[0].Stats = frame.Stats{Quality: 0.9, FWHM: 2.0, Roundness: 0.8}
	// Frames 1 and 2 keep NaN metrics.

	for name, f := range map[string]Filter{
		"quality":   MinQuality(0.1),
		"fwhm":      MaxFWHM(100),
		"roundness": MinRoundness(0.1),
	} {
		if !f(seq, 0) {
			t.Errorf("%s filter rejected a measured passing frame", name)
		}
		if f(seq, 1) {
			t.Errorf("%s filter passed an unmeasured frame", name)
		}
	}
}

func TestFilterThresholdsAreStrict(t *testing.T) {
	seq := newTestSequence(t, 1)
	seq.Frames[0].Stats = frame.Stats{Quality: 0.5, FWHM: 3.0, Roundness: 0.7}

	if MinQuality(0.5)(seq, 0) {
		t.Error("quality exactly at the threshold must not pass")
	}
	if !MinQuality(0.49)(seq, 0) {
		t.Error("quality above the threshold must pass")
	}
	if MaxFWHM(3.0)(seq, 0) {
		t.Error("FWHM exactly at the threshold must not pass")
	}
	if !MaxFWHM(3.1)(seq, 0) {
		t.Error("FWHM below the threshold must pass")
	}
}

func TestMultiFilterIntersects(t *testing.T) {
	seq := newTestSequence(t, 8)
	qualityPass := map[int]bool{1: true, 2: true, 4: true, 6: true}
	fwhmPass := map[int]bool{2: true, 4: true, 5: true}
	for i := range seq.Frames {
		if qualityPass[i] {
			seq.Frames[i].Stats.Quality = 0.9
		}
		if fwhmPass[i] {
			seq.Frames[i].Stats.FWHM = 1.5
		}
	}

	combined := MultiFilter(Included(), MinQuality(0.5), MaxFWHM(2.0))
	got := FilteredIndices(seq, combined)
	want := []int{2, 4}
	if len(got) != len(want) {
		t.Fatalf("filtered indices = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("filtered indices = %v, want %v", got, want)
		}
	}
	if n := CountFiltered(seq, combined); n != len(got) {
		t.Errorf("count = %d disagrees with indices %v", n, got)
	}
}

func TestFilteredIndicesMatchesCountForAllFilters(t *testing.T) {
	seq := newTestSequence(t, 10)
	for i := range seq.Frames {
		seq.Frames[i].Stats.Quality = float64(i) / 10
		if i%3 == 0 {
			seq.SetIncluded(i, false)
		}
	}
	for name, f := range map[string]Filter{
		"included": Included(),
		"all":      All(),
		"quality":  MinQuality(0.45),
		"combined": MultiFilter(Included(), MinQuality(0.45)),
	} {
		indices := FilteredIndices(seq, f)
		if n := CountFiltered(seq, f); n != len(indices) {
			t.Errorf("%s: count %d != len(indices) %d", name, n, len(indices))
		}
		for j := 1; j < len(indices); j++ {
			if indices[j] <= indices[j-1] {
				t.Errorf("%s: indices %v not strictly ascending", name, indices)
			}
		}
	}
}

func TestInvalidateStats(t *testing.T) {
	seq := newTestSequence(t, 3)
	for i := range seq.Frames {
		seq.Frames[i].Stats = frame.Stats{Quality: 0.5, FWHM: 2, Roundness: 0.9}
	}
	seq.InvalidateStats()
	for i, fm := range seq.Frames {
		if !math.IsNaN(fm.Stats.Quality) || !math.IsNaN(fm.Stats.FWHM) || !math.IsNaN(fm.Stats.Roundness) {
			t.Errorf("frame %d kept stale metrics after invalidation", i)
		}
	}
}

func TestCloseReleasesState(t *testing.T) {
	seq := newTestSequence(t, 3)
	if err := seq.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if seq.FrameCount() != 0 || seq.Selnum != 0 || seq.Store() != nil {
		t.Error("close left sequence state behind")
	}
	// Double close is harmless.
	if err := seq.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
