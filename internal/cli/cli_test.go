package cli

import (
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"

	"astroseq/internal/config"
	"astroseq/internal/engine"
	"astroseq/internal/frame"
	"astroseq/internal/framestore"
	"astroseq/internal/sequence"
	"astroseq/internal/storage"
)

func testSequence(t *testing.T) *sequence.Sequence {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subs.fit")
	geom := framestore.Geometry{Width: 4, Height: 4, Channels: 1, BitsPerSample: 16}
	store, err := framestore.CreateCube(path, geom, 3)
	if err != nil {
		t.Fatalf("create cube: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.WriteFrame(i, frame.New(4, 4, 1, 16)); err != nil {
			t.Fatal(err)
		}
	}
	seq, err := sequence.FromStore(path, store)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { seq.Close() })
	return seq
}

func TestSelectionFlagsFilter(t *testing.T) {
	seq := testSequence(t)
	seq.Frames[0].Stats = frame.Stats{Quality: 0.8, FWHM: 3, Roundness: 0.9}
	seq.Frames[1].Stats = frame.Stats{Quality: 0.4, FWHM: 6, Roundness: 0.9}
	// Frame 2 was never measured.
	seq.SetIncluded(2, false)

	f := (&selectionFlags{}).filter()
	if !f(seq, 0) || !f(seq, 1) {
		t.Error("default filter must pass included frames")
	}
	if f(seq, 2) {
		t.Error("default filter passed a deselected frame")
	}

	f = (&selectionFlags{includeAll: true}).filter()
	if !f(seq, 2) {
		t.Error("--all must pass deselected frames")
	}

	f = (&selectionFlags{minQuality: 0.5}).filter()
	if !f(seq, 0) || f(seq, 1) {
		t.Error("--min-quality thresholding wrong")
	}

	f = (&selectionFlags{minQuality: 0.5, maxFWHM: 4}).filter()
	if !f(seq, 0) || f(seq, 1) {
		t.Error("combined criteria wrong")
	}
}

func TestOutputFlagsSpec(t *testing.T) {
	spec, err := (&outputFlags{dir: "/out", prefix: "cc_"}).spec()
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	if spec.Directory != "/out" || spec.Prefix != "cc_" || spec.ForceContainer {
		t.Errorf("spec = %+v", spec)
	}

	spec, err = (&outputFlags{container: "fits-cube"}).spec()
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	if !spec.ForceContainer || spec.ContainerFormat != framestore.FITSCube {
		t.Errorf("cube spec = %+v", spec)
	}

	spec, err = (&outputFlags{container: "ser"}).spec()
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	if spec.ContainerFormat != framestore.SERVideo {
		t.Errorf("ser spec = %+v", spec)
	}

	if _, err := (&outputFlags{container: "avi"}).spec(); err == nil {
		t.Error("unknown container accepted")
	}
}

func TestMetricFormatting(t *testing.T) {
	if got := metric(math.NaN()); got != "-" {
		t.Errorf("NaN formatted as %q, want -", got)
	}
	if got := metric(0.5); got != "0.500" {
		t.Errorf("0.5 formatted as %q", got)
	}
}

func TestRunJobSurvivesBrokenStore(t *testing.T) {
	seq := testSequence(t)

	// A closed database makes every record call fail; the job itself
	// must still run and report its outcome.
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	store.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := NewRoot(config.Default(), log, store, engine.New(log, engine.Config{ThreadCap: 2}))

	job := &engine.Job{
		Name:   "stats",
		Seq:    seq,
		Filter: sequence.All(),
		Image: engine.ImageFunc(func(ctx context.Context, rank, index int, img *frame.Image) (*frame.Image, error) {
			return nil, nil
		}),
		Parallel: true,
	}
	if err := root.runJob(context.Background(), job, "stats", nil); err != nil {
		t.Errorf("job failed because of the job database: %v", err)
	}
}
