// Package match provides the image matching strategies used by the query
// endpoint and the duplicate check.
package match

import (
	"bytes"
	"sort"

	"github.com/rivo/duplo"

	"github.com/vwsmock/vwsmock/internal/imagecheck"
)

// Matcher reports whether two encoded images depict the same target.
type Matcher interface {
	Match(a, b []byte) bool
}

// ExactMatcher matches only byte-identical images.
type ExactMatcher struct{}

func (ExactMatcher) Match(a, b []byte) bool {
	return bytes.Equal(a, b)
}

// SimilarityMatcher matches perceptually similar images using Haar-wavelet
// hashes. Lower scores mean closer images; two images match when the best
// score is below Threshold.
type SimilarityMatcher struct {
	Threshold float64
}

func (m SimilarityMatcher) Match(a, b []byte) bool {
	imgA, _, err := imagecheck.Decode(a)
	if err != nil {
		return false
	}
	imgB, _, err := imagecheck.Decode(b)
	if err != nil {
		return false
	}

	hashA, _ := duplo.CreateHash(imgA)
	hashB, _ := duplo.CreateHash(imgB)

	pool := duplo.New()
	pool.Add("candidate", hashB)
	matches := pool.Query(hashA)
	if len(matches) == 0 {
		return false
	}
	sort.Sort(matches)
	return matches[0].Score < m.Threshold
}
