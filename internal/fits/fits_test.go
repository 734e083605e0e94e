package fits

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"astroseq/internal/frame"
)

func fillRamp(img *frame.Image) {
	for i := range img.Pix {
		// Multiples of 1/65535 survive 16-bit encoding exactly.
		img.Pix[i] = float32(i%65536) / 65535.0
	}
}

func TestImageRoundTrip16(t *testing.T) {
	img := frame.New(16, 9, 1, 16)
	fillRamp(img)
	img.Exposure = 2.5
	img.Timestamp = time.Date(2026, 3, 14, 1, 59, 26, 0, time.UTC)

	var buf bytes.Buffer
	if err := EncodeImage(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if buf.Len()%blockSize != 0 {
		t.Errorf("encoded size %d is not block aligned", buf.Len())
	}

	got, err := DecodeImage(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.SameGeometry(img) {
		t.Fatalf("geometry %dx%dx%d, want %dx%dx%d",
			got.Width, got.Height, got.Channels, img.Width, img.Height, img.Channels)
	}
	if got.BitsPerSample != 16 {
		t.Errorf("bits = %d, want 16", got.BitsPerSample)
	}
	if got.Exposure != 2.5 {
		t.Errorf("exposure = %v, want 2.5", got.Exposure)
	}
	if !got.Timestamp.Equal(img.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, img.Timestamp)
	}
	for i := range img.Pix {
		if got.Pix[i] != img.Pix[i] {
			t.Fatalf("pixel %d = %v, want %v", i, got.Pix[i], img.Pix[i])
		}
	}
}

func TestImageRoundTripFloat(t *testing.T) {
	img := frame.New(7, 5, 1, 32)
	for i := range img.Pix {
		img.Pix[i] = 0.123 + float32(i)*1e-4
	}

	var buf bytes.Buffer
	if err := EncodeImage(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeImage(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.BitsPerSample != 32 {
		t.Errorf("bits = %d, want 32", got.BitsPerSample)
	}
	for i := range img.Pix {
		if got.Pix[i] != img.Pix[i] {
			t.Fatalf("pixel %d = %v, want %v (float data must be lossless)", i, got.Pix[i], img.Pix[i])
		}
	}
}

func TestImageRoundTripRGB(t *testing.T) {
	img := frame.New(4, 3, 3, 16)
	for c := 0; c < 3; c++ {
		plane := img.Plane(c)
		for i := range plane {
			plane[i] = float32(c) / 3.0
		}
	}

	var buf bytes.Buffer
	if err := EncodeImage(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeImage(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Channels != 3 {
		t.Fatalf("channels = %d, want 3 (NAXIS3=3 without IMSEQ is RGB)", got.Channels)
	}
}

func TestEncodeClampsOutOfRange(t *testing.T) {
	img := frame.New(2, 1, 1, 16)
	img.Pix[0] = -0.5
	img.Pix[1] = 1.5

	var buf bytes.Buffer
	if err := EncodeImage(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeImage(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Pix[0] != 0 {
		t.Errorf("negative pixel decoded to %v, want 0", got.Pix[0])
	}
	if got.Pix[1] != 1 {
		t.Errorf("overrange pixel decoded to %v, want 1", got.Pix[1])
	}
}

func TestCubeWriteReadCompact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cube.fit")
	c, err := CreateCube(path, 6, 4, 16, 5)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 5; i++ {
		img := frame.New(6, 4, 1, 16)
		for j := range img.Pix {
			img.Pix[j] = float32(i) / 255.0
		}
		if err := c.WriteFrame(i, img); err != nil {
			t.Fatalf("write frame %d: %v", i, err)
		}
	}

	// Frames read back by index, not by write order.
	for _, i := range []int{3, 0, 4, 2, 1} {
		img, err := c.ReadFrame(i)
		if err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		if img.Pix[0] != float32(i)/255.0 {
			t.Errorf("frame %d = %v, want %v", i, img.Pix[0], float32(i)/255.0)
		}
	}

	if err := c.Compact(3); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	re, err := OpenCube(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer re.Close()
	if re.FrameCount() != 3 {
		t.Errorf("frame count after compaction = %d, want 3", re.FrameCount())
	}
	img, err := re.ReadFrame(2)
	if err != nil {
		t.Fatalf("read after compact: %v", err)
	}
	if img.Pix[0] != float32(2)/255.0 {
		t.Errorf("frame 2 after compact = %v, want %v", img.Pix[0], float32(2)/255.0)
	}
	if _, err := re.ReadFrame(3); err == nil {
		t.Error("reading a truncated frame must fail")
	}
}

func TestCubePartialRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cube.fit")
	c, err := CreateCube(path, 8, 8, 16, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer c.Close()

	img := frame.New(8, 8, 1, 16)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, 0, float32(y*8+x)/255.0)
		}
	}
	if err := c.WriteFrame(0, img); err != nil {
		t.Fatalf("write: %v", err)
	}

	rect := frame.Rect{X0: 2, Y0: 3, X1: 5, Y1: 6}
	got, err := c.ReadPartialFrom(cubeHandle(t, path), 0, rect)
	if err != nil {
		t.Fatalf("partial read: %v", err)
	}
	if len(got) != rect.Dx()*rect.Dy() {
		t.Fatalf("partial read returned %d samples, want %d", len(got), rect.Dx()*rect.Dy())
	}
	for y := rect.Y0; y < rect.Y1; y++ {
		for x := rect.X0; x < rect.X1; x++ {
			want := float32(y*8+x) / 255.0
			v := got[(y-rect.Y0)*rect.Dx()+(x-rect.X0)]
			if v != want {
				t.Errorf("partial (%d,%d) = %v, want %v", x, y, v, want)
			}
		}
	}
}

func cubeHandle(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open handle: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestOpenCubeRejectsRGBImage(t *testing.T) {
	// A 3-plane image without the sequence marker is channel data, not
	// a 3-frame cube.
	path := filepath.Join(t.TempDir(), "rgb.fit")
	img := frame.New(4, 4, 3, 16)
	if err := WriteImage(path, img); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := OpenCube(path); err == nil {
		t.Error("OpenCube accepted an RGB image")
	}
}

func TestCubeRejectsBadFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cube.fit")
	c, err := CreateCube(path, 4, 4, 16, 2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer c.Close()

	if err := c.WriteFrame(2, frame.New(4, 4, 1, 16)); err == nil {
		t.Error("out-of-range write must fail")
	}
	if err := c.WriteFrame(0, frame.New(5, 4, 1, 16)); err == nil {
		t.Error("geometry mismatch must fail")
	}
	if err := c.WriteFrame(0, frame.New(4, 4, 3, 16)); err == nil {
		t.Error("color frame into mono cube must fail")
	}
	if _, err := c.ReadFrame(-1); err == nil {
		t.Error("negative index read must fail")
	}
	if err := c.Compact(0); err == nil {
		t.Error("compacting to zero frames must fail")
	}
}
