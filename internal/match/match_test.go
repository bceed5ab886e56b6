package match

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grayPNG(t *testing.T, pixel func(x, y int) uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.SetGray(x, y, color.Gray{Y: pixel(x, y)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestExactMatcher(t *testing.T) {
	a := []byte{1, 2, 3}
	b := []byte{1, 2, 3}
	c := []byte{1, 2, 4}

	m := ExactMatcher{}
	assert.True(t, m.Match(a, b))
	assert.False(t, m.Match(a, c))
	assert.False(t, m.Match(a, nil))
}

func TestSimilarityMatcherMatchesSameImage(t *testing.T) {
	img := grayPNG(t, func(x, y int) uint8 {
		if (x/4+y/4)%2 == 0 {
			return 230
		}
		return 20
	})

	m := SimilarityMatcher{Threshold: 60}
	assert.True(t, m.Match(img, img))
}

func TestSimilarityMatcherRejectsUndecodableInput(t *testing.T) {
	img := grayPNG(t, func(x, y int) uint8 { return uint8(x * 8) })

	m := SimilarityMatcher{Threshold: 60}
	assert.False(t, m.Match([]byte("not an image"), img))
	assert.False(t, m.Match(img, []byte("not an image")))
}
