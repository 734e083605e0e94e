package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"astroseq/internal/frame"
	"astroseq/internal/framestore"
	"astroseq/internal/sequence"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// frameValue gives frame i a pixel level that survives 16-bit FITS
// encoding exactly.
func frameValue(i int) float32 {
	return float32(i) / 255.0
}

// makeCubeSeq builds a cube-backed sequence of n mono frames, frame i
// filled with frameValue(i).
func makeCubeSeq(t *testing.T, dir string, n int) *sequence.Sequence {
	t.Helper()
	path := filepath.Join(dir, "input.fit")
	geom := framestore.Geometry{Width: 8, Height: 6, Channels: 1, BitsPerSample: 16}
	store, err := framestore.CreateCube(path, geom, n)
	if err != nil {
		t.Fatalf("create cube: %v", err)
	}
	for i := 0; i < n; i++ {
		img := frame.New(8, 6, 1, 16)
		for j := range img.Pix {
			img.Pix[j] = frameValue(i)
		}
		if err := store.WriteFrame(i, img); err != nil {
			t.Fatalf("write frame %d: %v", i, err)
		}
	}
	seq, err := sequence.FromStore(path, store)
	if err != nil {
		t.Fatalf("from store: %v", err)
	}
	return seq
}

// readCubeValues reopens an output cube and returns each frame's first
// pixel.
func readCubeValues(t *testing.T, path string) []float32 {
	t.Helper()
	store, err := framestore.OpenCube(path)
	if err != nil {
		t.Fatalf("open output cube: %v", err)
	}
	defer store.Close()
	vals := make([]float32, store.FrameCount())
	for i := range vals {
		img, err := store.ReadFrame(0, i)
		if err != nil {
			t.Fatalf("read output frame %d: %v", i, err)
		}
		vals[i] = img.Pix[0]
	}
	return vals
}

func TestAdmission(t *testing.T) {
	frameBytes := int64(100 * 1024 * 1024) // 100 MB decoded

	cases := []struct {
		name        string
		availableMB int64
		availErr    error
		threadCap   int
		multiplier  float64
		eligible    int
		want        int
	}{
		{name: "memory bound", availableMB: 450, threadCap: 16, multiplier: 1, eligible: 100, want: 4},
		{name: "thread cap bound", availableMB: 100000, threadCap: 8, multiplier: 1, eligible: 100, want: 8},
		{name: "eligible bound", availableMB: 100000, threadCap: 16, multiplier: 1, eligible: 3, want: 3},
		{name: "multiplier shrinks budget", availableMB: 1000, threadCap: 16, multiplier: 3, eligible: 100, want: 3},
		{name: "huge frame still gets one worker", availableMB: 50, threadCap: 16, multiplier: 1, eligible: 100, want: 1},
		{name: "query failure uses fallback", availErr: errors.New("no meminfo"), threadCap: 16, multiplier: 1, eligible: 100, want: 5},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := New(testLogger(), Config{ThreadCap: tc.threadCap, FallbackAvailableMB: 512})
			e.availableMB = func() (int64, error) { return tc.availableMB, tc.availErr }
			got := e.admission(frameBytes, tc.multiplier, tc.eligible)
			if got != tc.want {
				t.Errorf("admission = %d, want %d", got, tc.want)
			}
		})
	}
}

// recordingStore captures WriteFrame calls for writer tests.
type recordingStore struct {
	framestore.Store
	indices []int
	values  []float32
	failAt  int // write number that fails, -1 never
}

func (r *recordingStore) WriteFrame(index int, img *frame.Image) error {
	if r.failAt >= 0 && len(r.indices) == r.failAt {
		return errors.New("disk full")
	}
	r.indices = append(r.indices, index)
	r.values = append(r.values, img.Pix[0])
	return nil
}

func onePixel(v float32) *frame.Image {
	img := frame.New(1, 1, 1, 16)
	img.Pix[0] = v
	return img
}

func TestOrderedWriterReordersRanks(t *testing.T) {
	store := &recordingStore{failAt: -1}
	w := newOrderedWriter(store, 4, nil)
	ctx := context.Background()

	// Ranks arrive shuffled, as a parallel pool would deliver them.
	for _, rank := range []int{2, 0, 3, 1, 4} {
		if err := w.push(ctx, writeRequest{rank: rank, index: rank, img: onePixel(float32(rank))}); err != nil {
			t.Fatalf("push rank %d: %v", rank, err)
		}
	}
	written, err := w.finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if written != 5 {
		t.Fatalf("written = %d, want 5", written)
	}
	for i, v := range store.values {
		if v != float32(i) {
			t.Errorf("write %d carried rank value %v, want %v", i, v, float32(i))
		}
		if store.indices[i] != i {
			t.Errorf("write %d landed at output index %d, want %d", i, store.indices[i], i)
		}
	}
}

func TestOrderedWriterTombstonesSkipRanks(t *testing.T) {
	store := &recordingStore{failAt: -1}
	w := newOrderedWriter(store, 4, nil)
	ctx := context.Background()

	// Rank 1 failed upstream; its tombstone must not stall rank 2, and
	// the output must stay contiguous.
	w.push(ctx, writeRequest{rank: 0, index: 0, img: onePixel(0)})
	w.push(ctx, writeRequest{rank: 2, index: 2, img: onePixel(2)})
	w.push(ctx, writeRequest{rank: 1, index: 1})
	written, err := w.finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if written != 2 {
		t.Fatalf("written = %d, want 2", written)
	}
	if store.indices[0] != 0 || store.indices[1] != 1 {
		t.Errorf("output indices = %v, want contiguous [0 1]", store.indices)
	}
	if store.values[1] != 2 {
		t.Errorf("second write carried %v, want frame value 2", store.values[1])
	}
}

func TestOrderedWriterFatalError(t *testing.T) {
	store := &recordingStore{failAt: 1}
	fatal := false
	w := newOrderedWriter(store, 4, func(error) { fatal = true })
	ctx := context.Background()

	for rank := 0; rank < 4; rank++ {
		w.push(ctx, writeRequest{rank: rank, index: rank, img: onePixel(float32(rank))})
	}
	written, err := w.finish()
	if err == nil {
		t.Fatal("finish returned nil error after failed write")
	}
	if written != 1 {
		t.Errorf("written = %d, want 1", written)
	}
	if !fatal {
		t.Error("onFatal was not invoked")
	}
}

func TestRunCountsAndStatus(t *testing.T) {
	seq := makeCubeSeq(t, t.TempDir(), 8)
	defer seq.Close()

	var calls atomic.Int64
	job := &Job{
		Name:   "count",
		Seq:    seq,
		Filter: sequence.All(),
		Image: ImageFunc(func(ctx context.Context, rank, index int, img *frame.Image) (*frame.Image, error) {
			calls.Add(1)
			return nil, nil
		}),
		Parallel: true,
	}
	e := New(testLogger(), Config{ThreadCap: 4})
	sum, err := e.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", sum.Status)
	}
	if sum.Total != 8 || sum.Processed != 8 || calls.Load() != 8 {
		t.Errorf("total=%d processed=%d calls=%d, want 8 each", sum.Total, sum.Processed, calls.Load())
	}
	if sum.Failed() != 0 {
		t.Errorf("failed = %d, want 0", sum.Failed())
	}
}

func TestRunOutputPreservesFrameOrder(t *testing.T) {
	dir := t.TempDir()
	seq := makeCubeSeq(t, dir, 12)
	defer seq.Close()

	// Uneven per-frame latency so completion order differs from claim
	// order under parallelism.
	job := &Job{
		Name:   "jitter",
		Seq:    seq,
		Filter: sequence.All(),
		Image: ImageFunc(func(ctx context.Context, rank, index int, img *frame.Image) (*frame.Image, error) {
			time.Sleep(time.Duration(rank%4) * 2 * time.Millisecond)
			return img, nil
		}),
		Output:   &OutputSpec{Prefix: "out_"},
		Parallel: true,
	}
	e := New(testLogger(), Config{ThreadCap: 4})
	sum, err := e.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Written != 12 {
		t.Fatalf("written = %d, want 12", sum.Written)
	}
	vals := readCubeValues(t, sum.OutputSeq)
	for i, v := range vals {
		if v != frameValue(i) {
			t.Errorf("output frame %d = %v, want %v (order not preserved)", i, v, frameValue(i))
		}
	}
}

func TestRunFrameFailureIsolation(t *testing.T) {
	dir := t.TempDir()
	seq := makeCubeSeq(t, dir, 20)
	defer seq.Close()

	bad := map[int]bool{3: true, 7: true}
	job := &Job{
		Name:   "isolate",
		Seq:    seq,
		Filter: sequence.All(),
		Image: ImageFunc(func(ctx context.Context, rank, index int, img *frame.Image) (*frame.Image, error) {
			if bad[index] {
				return nil, fmt.Errorf("synthetic failure on %d", index)
			}
			return img, nil
		}),
		Output:   &OutputSpec{Prefix: "ok_"},
		Parallel: true,
	}
	e := New(testLogger(), Config{ThreadCap: 4})
	sum, err := e.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Status != StatusCompleted {
		t.Errorf("status = %s, want completed (failures are isolated)", sum.Status)
	}
	if sum.Written != 18 {
		t.Errorf("written = %d, want 18", sum.Written)
	}
	if len(sum.FailedFrames) != 2 || sum.FailedFrames[0] != 3 || sum.FailedFrames[1] != 7 {
		t.Errorf("failed frames = %v, want [3 7]", sum.FailedFrames)
	}

	vals := readCubeValues(t, sum.OutputSeq)
	if len(vals) != 18 {
		t.Fatalf("output has %d frames after compaction, want 18", len(vals))
	}
	want := 0
	for _, v := range vals {
		for bad[want] {
			want++
		}
		if v != frameValue(want) {
			t.Errorf("output frame value %v, want %v", v, frameValue(want))
		}
		want++
	}
}

func TestRunStopOnError(t *testing.T) {
	dir := t.TempDir()
	seq := makeCubeSeq(t, dir, 10)
	defer seq.Close()

	job := &Job{
		Name:   "stop",
		Seq:    seq,
		Filter: sequence.All(),
		Image: ImageFunc(func(ctx context.Context, rank, index int, img *frame.Image) (*frame.Image, error) {
			if index == 2 {
				return nil, errors.New("boom")
			}
			return nil, nil
		}),
		StopOnError: true,
	}
	e := New(testLogger(), Config{})
	sum, err := e.Run(context.Background(), job)
	if err == nil {
		t.Fatal("run returned nil error with StopOnError")
	}
	if sum.Status != StatusFailed {
		t.Errorf("status = %s, want failed", sum.Status)
	}
	if sum.Failed() != 1 {
		t.Errorf("failed = %d, want 1", sum.Failed())
	}
}

func TestRunCancellationKeepsPrefix(t *testing.T) {
	dir := t.TempDir()
	seq := makeCubeSeq(t, dir, 30)
	defer seq.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Single worker, hook cancels after frame 4: frames 0..4 complete,
	// the rest are never claimed.
	job := &Job{
		Name:   "cancel",
		Seq:    seq,
		Filter: sequence.All(),
		Image: ImageFunc(func(_ context.Context, rank, index int, img *frame.Image) (*frame.Image, error) {
			if index == 4 {
				cancel()
			}
			return img, nil
		}),
		Output: &OutputSpec{Prefix: "part_"},
	}
	e := New(testLogger(), Config{})
	sum, _ := e.Run(ctx, job)
	if sum.Status != StatusIncomplete {
		t.Fatalf("status = %s, want incomplete", sum.Status)
	}
	if sum.Written < 4 || sum.Written > 5 {
		t.Fatalf("written = %d, want the prefix before cancellation", sum.Written)
	}
	vals := readCubeValues(t, sum.OutputSeq)
	if len(vals) != sum.Written {
		t.Fatalf("output has %d frames, summary says %d", len(vals), sum.Written)
	}
	for i, v := range vals {
		if v != frameValue(i) {
			t.Errorf("output frame %d = %v, want contiguous prefix value %v", i, v, frameValue(i))
		}
	}
}

func TestRunNoEligibleFrames(t *testing.T) {
	seq := makeCubeSeq(t, t.TempDir(), 4)
	defer seq.Close()
	for i := 0; i < 4; i++ {
		seq.SetIncluded(i, false)
	}

	job := &Job{
		Name: "empty",
		Seq:  seq,
		Image: ImageFunc(func(ctx context.Context, rank, index int, img *frame.Image) (*frame.Image, error) {
			return nil, nil
		}),
	}
	e := New(testLogger(), Config{})
	completions := 0
	job.OnComplete = func(sum *Summary) { completions++ }
	_, err := e.Run(context.Background(), job)
	if !errors.Is(err, ErrNoFrames) {
		t.Fatalf("err = %v, want ErrNoFrames", err)
	}
	if completions != 1 {
		t.Errorf("completion callback fired %d times, want exactly 1", completions)
	}
}

func TestRunDroppedFramesCompact(t *testing.T) {
	dir := t.TempDir()
	seq := makeCubeSeq(t, dir, 6)
	defer seq.Close()

	// Hook drops odd frames (nil image, nil error): not failures, but
	// they consume no output slot.
	job := &Job{
		Name:   "drop",
		Seq:    seq,
		Filter: sequence.All(),
		Image: ImageFunc(func(ctx context.Context, rank, index int, img *frame.Image) (*frame.Image, error) {
			if index%2 == 1 {
				return nil, nil
			}
			return img, nil
		}),
		Output:   &OutputSpec{Prefix: "even_"},
		Parallel: true,
	}
	e := New(testLogger(), Config{ThreadCap: 2})
	sum, err := e.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Written != 3 || sum.Failed() != 0 {
		t.Fatalf("written=%d failed=%d, want 3 written, 0 failed", sum.Written, sum.Failed())
	}
	vals := readCubeValues(t, sum.OutputSeq)
	for i, v := range vals {
		if v != frameValue(2*i) {
			t.Errorf("output frame %d = %v, want %v", i, v, frameValue(2*i))
		}
	}
}

func TestRunFinalizeErrorFailsJob(t *testing.T) {
	seq := makeCubeSeq(t, t.TempDir(), 3)
	defer seq.Close()

	job := &Job{
		Name:   "finalize",
		Seq:    seq,
		Filter: sequence.All(),
		Image: ImageFunc(func(ctx context.Context, rank, index int, img *frame.Image) (*frame.Image, error) {
			return nil, nil
		}),
		Finalize: FinalizeFunc(func(ctx context.Context, job *Job, sum *Summary) error {
			return errors.New("persist failed")
		}),
	}
	e := New(testLogger(), Config{})
	sum, _ := e.Run(context.Background(), job)
	if sum.Status != StatusFailed {
		t.Errorf("status = %s, want failed after finalize error", sum.Status)
	}
}

func TestRunRejectsOutputOverInput(t *testing.T) {
	seq := makeCubeSeq(t, t.TempDir(), 5)
	defer seq.Close()

	// Empty prefix and no output directory resolve the container path
	// to the input file itself; creating it would truncate the input.
	job := &Job{
		Name:   "convert",
		Seq:    seq,
		Filter: sequence.All(),
		Image: ImageFunc(func(ctx context.Context, rank, index int, img *frame.Image) (*frame.Image, error) {
			return img, nil
		}),
		Output:   &OutputSpec{Prefix: ""},
		Parallel: true,
	}

	e := New(testLogger(), Config{ThreadCap: 2})
	sum, err := e.Run(context.Background(), job)
	if err == nil {
		t.Fatal("a job writing over its own input must be rejected")
	}
	if sum.Status != StatusFailed {
		t.Errorf("status = %s, want failed", sum.Status)
	}
	if sum.Written != 0 {
		t.Errorf("written = %d, want 0", sum.Written)
	}

	// The input survives untouched.
	vals := readCubeValues(t, seq.Name)
	if len(vals) != 5 {
		t.Fatalf("input has %d frames, want 5", len(vals))
	}
	for i, v := range vals {
		if v != frameValue(i) {
			t.Errorf("input frame %d = %v, want %v", i, v, frameValue(i))
		}
	}
}
