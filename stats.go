package fic

import (
	"fmt"
	"image"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
)

// Stats summarises an encode.
type Stats struct {
	Elapsed time.Duration
	Threads int
	Jobs    int
	// Leaves is the leaf count per plane.
	Leaves []int
	// CollageSE is the per plane square error on [0,1] samples of every
	// mapping applied once to the source image. It estimates the
	// decoded error; decoding iterates on the reconstruction instead, so
	// compare decoded images with PSNR for the real figure.
	CollageSE []float64
	// CollagePSNR is the PSNR derived from CollageSE.
	CollagePSNR []float64
	// Unmet counts leaves left above their threshold at minimum size.
	Unmet int
}

// planePSNR is the PSNR of a plane of pixels samples in [0,1] with total
// square error se.
func planePSNR(se float64, pixels int) float64 {
	if se <= 0 {
		return math.Inf(1)
	}
	return 10 * math.Log10(float64(pixels)/se)
}

// PSNR compares two images of equal size and returns the PSNR in dB of the
// red, green, blue and gray (Rec. 601 luma) channels.
func PSNR(a, b image.Image) ([]float64, error) {
	ab, bb := a.Bounds(), b.Bounds()
	if ab.Size() != bb.Size() {
		return nil, &ShapeMismatchError{Want: ab.Size(), Got: bb.Size()}
	}
	w, h := ab.Dx(), ab.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("empty image")
	}
	diff := make([][]float64, 4)
	for c := range diff {
		diff[c] = make([]float64, w*h)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r0, g0, b0 := rgbAt(a, ab.Min.X+x, ab.Min.Y+y)
			r1, g1, b1 := rgbAt(b, bb.Min.X+x, bb.Min.Y+y)
			i := y*w + x
			diff[0][i] = float64(r0) - float64(r1)
			diff[1][i] = float64(g0) - float64(g1)
			diff[2][i] = float64(b0) - float64(b1)
			diff[3][i] = 0.299*diff[0][i] + 0.587*diff[1][i] + 0.114*diff[2][i]
		}
	}
	out := make([]float64, 4)
	for c, d := range diff {
		mse := floats.Dot(d, d) / float64(w*h)
		if mse == 0 {
			out[c] = math.Inf(1)
			continue
		}
		out[c] = 10 * math.Log10(255*255/mse)
	}
	return out, nil
}
