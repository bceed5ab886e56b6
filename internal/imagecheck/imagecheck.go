// Package imagecheck provides image decoding and inspection helpers shared
// by the validators, the target store and the quality rater.
package imagecheck

import (
	"bytes"
	"image"
	"math"

	_ "image/jpeg"
	_ "image/png"
)

// Decode decodes data as an image and reports the registered format name.
// Only PNG and JPEG decoders are registered.
func Decode(data []byte) (image.Image, string, error) {
	return image.Decode(bytes.NewReader(data))
}

// DecodeConfig reads the image header without decoding the full pixel data.
func DecodeConfig(data []byte) (image.Config, string, error) {
	return image.DecodeConfig(bytes.NewReader(data))
}

// FormatAllowed reports whether the decoded format is one of the accepted
// upload formats.
func FormatAllowed(format string) bool {
	return format == "png" || format == "jpeg"
}

// ColorModeAllowed reports whether the image is greyscale or RGB.
// The png decoder produces *image.RGBA for truecolor images and *image.NRGBA
// for images with an alpha channel, so alpha, palette and CMYK images are
// all rejected here.
func ColorModeAllowed(img image.Image) bool {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return true
	case *image.RGBA, *image.RGBA64:
		return true
	case *image.YCbCr:
		return true
	default:
		return false
	}
}

// MeanStdDev decodes data and returns the per-channel standard deviation of
// the pixel values, averaged over the red, green and blue channels. For
// greyscale images all three channels are equal, so the result is the
// single-channel standard deviation.
func MeanStdDev(data []byte) (float64, error) {
	img, _, err := Decode(data)
	if err != nil {
		return 0, err
	}

	bounds := img.Bounds()
	n := float64(bounds.Dx() * bounds.Dy())
	if n == 0 {
		return 0, nil
	}

	var sum, sumSq [3]float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			for i, v := range [3]float64{float64(r >> 8), float64(g >> 8), float64(b >> 8)} {
				sum[i] += v
				sumSq[i] += v * v
			}
		}
	}

	var total float64
	for i := 0; i < 3; i++ {
		mean := sum[i] / n
		variance := sumSq[i]/n - mean*mean
		if variance < 0 {
			variance = 0
		}
		total += math.Sqrt(variance)
	}
	return total / 3, nil
}
