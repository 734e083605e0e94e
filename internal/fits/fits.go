// Package fits implements the minimal FITS subset the sequence engine
// needs: single-HDU images (16-bit integer or 32-bit float, mono or
// 3-plane RGB) and fixed-count mono cubes used as sequence containers.
// It is a thin codec collaborator, not a general FITS library.
package fits

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	blockSize = 2880
	cardSize  = 80
)

// Header carries the subset of FITS keywords the engine reads.
type Header struct {
	Bitpix   int
	Naxis    int
	Naxis1   int
	Naxis2   int
	Naxis3   int
	BZero    float64
	BScale   float64
	Exposure float64 // EXPTIME, seconds
	DateObs  time.Time
	ImSeq    bool // IMSEQ marker: NAXIS3 counts frames, not channels
}

func (h *Header) bytesPerSample() int {
	if h.Bitpix == -32 {
		return 4
	}
	return 2
}

func (h *Header) planeSamples() int { return h.Naxis1 * h.Naxis2 }

// ReadHeader parses one header unit from r.
func ReadHeader(r io.Reader) (*Header, error) {
	h := &Header{BScale: 1}
	block := make([]byte, blockSize)
	sawEnd := false
	for !sawEnd {
		if _, err := io.ReadFull(r, block); err != nil {
			return nil, fmt.Errorf("fits: short header: %w", err)
		}
		for i := 0; i < blockSize; i += cardSize {
			card := string(block[i : i+cardSize])
			key := strings.TrimSpace(card[:8])
			if key == "END" {
				sawEnd = true
				break
			}
			value := cardValue(card)
			switch key {
			case "SIMPLE":
				if !strings.HasPrefix(value, "T") {
					return nil, fmt.Errorf("fits: not a standard file")
				}
			case "BITPIX":
				h.Bitpix, _ = strconv.Atoi(value)
			case "NAXIS":
				h.Naxis, _ = strconv.Atoi(value)
			case "NAXIS1":
				h.Naxis1, _ = strconv.Atoi(value)
			case "NAXIS2":
				h.Naxis2, _ = strconv.Atoi(value)
			case "NAXIS3":
				h.Naxis3, _ = strconv.Atoi(value)
			case "BZERO":
				h.BZero, _ = strconv.ParseFloat(value, 64)
			case "BSCALE":
				h.BScale, _ = strconv.ParseFloat(value, 64)
			case "EXPTIME":
				h.Exposure, _ = strconv.ParseFloat(value, 64)
			case "IMSEQ":
				h.ImSeq = strings.HasPrefix(value, "T")
			case "DATE-OBS":
				if t, err := time.Parse("2006-01-02T15:04:05", strings.Trim(value, "'")); err == nil {
					h.DateObs = t
				}
			}
		}
	}
	switch h.Bitpix {
	case 16, -32:
	default:
		return nil, fmt.Errorf("fits: unsupported BITPIX %d", h.Bitpix)
	}
	if h.Naxis1 <= 0 || h.Naxis2 <= 0 {
		return nil, fmt.Errorf("fits: bad dimensions %dx%d", h.Naxis1, h.Naxis2)
	}
	return h, nil
}

func cardValue(card string) string {
	rest := card[8:]
	if !strings.HasPrefix(rest, "=") {
		return ""
	}
	v := strings.TrimSpace(rest[1:])
	if i := strings.Index(v, " /"); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	return v
}

func putCard(block []byte, n int, key, value string) {
	card := fmt.Sprintf("%-8s= %20s", key, value)
	copy(block[n*cardSize:], pad80(card))
}

func pad80(s string) []byte {
	b := make([]byte, cardSize)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	return b
}

// writeHeader emits a single-block header. The keyword set is small
// enough that one 2880-byte block (36 cards) always suffices, which
// keeps data offsets fixed for in-place frame writes.
func writeHeader(w io.Writer, h *Header) error {
	block := make([]byte, blockSize)
	for i := range block {
		block[i] = ' '
	}
	n := 0
	putCard(block, n, "SIMPLE", "T")
	n++
	putCard(block, n, "BITPIX", strconv.Itoa(h.Bitpix))
	n++
	putCard(block, n, "NAXIS", strconv.Itoa(h.Naxis))
	n++
	putCard(block, n, "NAXIS1", strconv.Itoa(h.Naxis1))
	n++
	putCard(block, n, "NAXIS2", strconv.Itoa(h.Naxis2))
	n++
	if h.Naxis >= 3 {
		putCard(block, n, "NAXIS3", strconv.Itoa(h.Naxis3))
		n++
	}
	if h.Bitpix == 16 {
		putCard(block, n, "BZERO", "32768")
		n++
		putCard(block, n, "BSCALE", "1")
		n++
	}
	if h.Exposure > 0 {
		putCard(block, n, "EXPTIME", strconv.FormatFloat(h.Exposure, 'f', 6, 64))
		n++
	}
	if h.ImSeq {
		putCard(block, n, "IMSEQ", "T")
		n++
	}
	if !h.DateObs.IsZero() {
		putCard(block, n, "DATE-OBS", "'"+h.DateObs.UTC().Format("2006-01-02T15:04:05")+"'")
		n++
	}
	copy(block[n*cardSize:], pad80("END"))
	_, err := w.Write(block)
	return err
}

func decodeSamples(h *Header, raw []byte, dst []float32) {
	switch h.Bitpix {
	case 16:
		for i := range dst {
			v := int16(binary.BigEndian.Uint16(raw[2*i:]))
			phys := h.BZero + h.BScale*float64(v)
			dst[i] = float32(phys / 65535.0)
		}
	case -32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.BigEndian.Uint32(raw[4*i:]))
		}
	}
}

func encodeSamples(h *Header, src []float32, raw []byte) {
	switch h.Bitpix {
	case 16:
		for i, v := range src {
			phys := clamp01(float64(v)) * 65535.0
			stored := int16(math.Round((phys - h.BZero) / h.BScale))
			binary.BigEndian.PutUint16(raw[2*i:], uint16(stored))
		}
	case -32:
		for i, v := range src {
			binary.BigEndian.PutUint32(raw[4*i:], math.Float32bits(v))
		}
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func padTo(n int64) int64 {
	if rem := n % blockSize; rem != 0 {
		return n + blockSize - rem
	}
	return n
}
