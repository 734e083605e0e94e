package ops

import (
	"context"

	"astroseq/internal/frame"
)

// Convert is the identity operation used for format conversion: the
// engine does the real work by reading from one backing and writing
// into another. Paired with the all-frames filter so bad frames are
// carried over too.
type Convert struct{}

// ProcessImage returns the frame unchanged.
func (Convert) ProcessImage(ctx context.Context, rank, index int, img *frame.Image) (*frame.Image, error) {
	return img, nil
}
