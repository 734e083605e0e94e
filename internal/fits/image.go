package fits

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"astroseq/internal/frame"
)

// ReadImage decodes a single-image FITS file. A 3-plane NAXIS3 without
// the IMSEQ marker is treated as RGB channel data.
func ReadImage(path string) (*frame.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeImage(f)
}

// DecodeImage decodes a single image from r.
func DecodeImage(r io.Reader) (*frame.Image, error) {
	br := bufio.NewReader(r)
	h, err := ReadHeader(br)
	if err != nil {
		return nil, err
	}
	channels := 1
	switch {
	case h.Naxis <= 2:
	case h.Naxis == 3 && h.Naxis3 == 3 && !h.ImSeq:
		channels = 3
	default:
		return nil, fmt.Errorf("fits: file is a cube, not a single image")
	}

	bits := 16
	if h.Bitpix == -32 {
		bits = 32
	}
	img := frame.New(h.Naxis1, h.Naxis2, channels, bits)
	img.Exposure = h.Exposure
	img.Timestamp = h.DateObs

	raw := make([]byte, len(img.Pix)*h.bytesPerSample())
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, fmt.Errorf("fits: short data: %w", err)
	}
	decodeSamples(h, raw, img.Pix)
	return img, nil
}

// WriteImage encodes img into a new single-image FITS file at path.
func WriteImage(path string, img *frame.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := EncodeImage(f, img); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// EncodeImage encodes img to w.
func EncodeImage(w io.Writer, img *frame.Image) error {
	h := &Header{
		Bitpix: 16,
		Naxis:  2,
		Naxis1: img.Width,
		Naxis2: img.Height,
		BZero:  32768,
		BScale: 1,
	}
	if img.BitsPerSample > 16 {
		h.Bitpix = -32
		h.BZero = 0
	}
	if img.Channels == 3 {
		h.Naxis = 3
		h.Naxis3 = 3
	}
	h.Exposure = img.Exposure
	h.DateObs = img.Timestamp

	if err := writeHeader(w, h); err != nil {
		return err
	}
	raw := make([]byte, len(img.Pix)*h.bytesPerSample())
	encodeSamples(h, img.Pix, raw)
	if _, err := w.Write(raw); err != nil {
		return err
	}
	// Data unit padding to the 2880-byte boundary.
	if pad := padTo(int64(len(raw))) - int64(len(raw)); pad > 0 {
		_, err := w.Write(make([]byte, pad))
		return err
	}
	return nil
}
