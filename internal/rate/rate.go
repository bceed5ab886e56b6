// Package rate provides the tracking-rating strategies applied to newly
// uploaded target images.
package rate

import (
	"math/rand"

	"github.com/vwsmock/vwsmock/internal/imagecheck"
)

// Rater assigns a tracking rating (0 to 5) to a target image. The rating is
// drawn once when the target is created or updated and does not change
// afterwards.
type Rater interface {
	Rate(image []byte) int
}

// HardcodedRater always returns the same rating.
type HardcodedRater struct {
	Rating int
}

func (r HardcodedRater) Rate(_ []byte) int {
	return r.Rating
}

// RandomRater returns a uniformly random rating between 0 and 5.
type RandomRater struct{}

func (RandomRater) Rate(_ []byte) int {
	return rand.Intn(6)
}

// QualityRater rates the image by how much contrast it carries: the mean
// per-channel standard deviation of the pixel values, scaled to 0..5. A
// near-uniform image rates 0.
type QualityRater struct{}

func (QualityRater) Rate(image []byte) int {
	stddev, err := imagecheck.MeanStdDev(image)
	if err != nil {
		return 0
	}
	rating := int(stddev / 12.75)
	if rating > 5 {
		rating = 5
	}
	return rating
}
