package fic

import (
	"image"
	"runtime"
	"sync"
)

// ColorTransformer splits an image into independent planes and merges
// planes back into an image.
type ColorTransformer interface {
	Planes() int
	Split(img image.Image) []*Plane
	Merge(planes []*Plane) *image.RGBA
}

var colorModels = map[ColorModel]func() ColorTransformer{
	ColorRGB: func() ColorTransformer {
		return &linearColorModel{
			fwd: [][4]float64{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}},
			inv: [][4]float64{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}},
		}
	},
	ColorYCbCr: func() ColorTransformer {
		return &linearColorModel{
			fwd: [][4]float64{
				{0.299, 0.587, 0.114, 0},
				{-0.168736, -0.331264, 0.5, 0.5},
				{0.5, -0.418688, -0.081312, 0.5},
			},
			inv: [][4]float64{
				{1, 1, 1, 0},
				{0, -0.34414, 1.772, -0.5},
				{1.402, -0.71414, 0, -0.5},
			},
		}
	},
	ColorGray: func() ColorTransformer {
		return &linearColorModel{
			fwd: [][4]float64{{0.299, 0.587, 0.114, 0}},
			inv: [][4]float64{{1, 1, 1, 0}},
		}
	},
}

// linearColorModel maps 8-bit RGB to planes in [0,1]:
// plane_i = fwd[i][3] + (0.5 + r*fwd[i][0] + g*fwd[i][1] + b*fwd[i][2]) / 256.
// Row i of inv holds the contribution of plane_i+inv[i][3] to R, G and B.
type linearColorModel struct {
	fwd [][4]float64
	inv [][4]float64
}

func (m *linearColorModel) Planes() int { return len(m.fwd) }

func (m *linearColorModel) Split(img image.Image) []*Plane {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	planes := make([]*Plane, len(m.fwd))
	for i := range planes {
		planes[i] = NewPlane(w, h)
	}
	forStripes(h, func(y0, y1 int) {
		var rgb [3]float64
		for y := y0; y < y1; y++ {
			for x := 0; x < w; x++ {
				r, g, bl := rgbAt(img, b.Min.X+x, b.Min.Y+y)
				rgb[0], rgb[1], rgb[2] = float64(r), float64(g), float64(bl)
				idx := y*w + x
				for i, k := range m.fwd {
					planes[i].Pix[idx] = k[3] + (0.5+rgb[0]*k[0]+rgb[1]*k[1]+rgb[2]*k[2])/256
				}
			}
		}
	})
	return planes
}

func (m *linearColorModel) Merge(planes []*Plane) *image.RGBA {
	w, h := planes[0].W, planes[0].H
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	forStripes(h, func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			row := out.Pix[y*out.Stride:]
			for x := 0; x < w; x++ {
				var rgb [3]float64
				idx := y*w + x
				for i, k := range m.inv {
					v := planes[i].Pix[idx] + k[3]
					rgb[0] += v * k[0]
					rgb[1] += v * k[1]
					rgb[2] += v * k[2]
				}
				row[4*x+0] = toByte(rgb[0])
				row[4*x+1] = toByte(rgb[1])
				row[4*x+2] = toByte(rgb[2])
				row[4*x+3] = 0xff
			}
		}
	})
	return out
}

func toByte(v float64) uint8 {
	v *= 256
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v)
}

// rgbAt reads one pixel, bypassing img.At for the common concrete types.
func rgbAt(img image.Image, x, y int) (r, g, b uint8) {
	switch src := img.(type) {
	case *image.RGBA:
		i := src.PixOffset(x, y)
		return src.Pix[i], src.Pix[i+1], src.Pix[i+2]
	case *image.NRGBA:
		i := src.PixOffset(x, y)
		return src.Pix[i], src.Pix[i+1], src.Pix[i+2]
	case *image.Gray:
		v := src.Pix[src.PixOffset(x, y)]
		return v, v, v
	}
	r16, g16, b16, _ := img.At(x, y).RGBA()
	return uint8(r16 >> 8), uint8(g16 >> 8), uint8(b16 >> 8)
}

// forStripes runs fn over horizontal stripes of [0,h) in parallel.
func forStripes(h int, fn func(y0, y1 int)) {
	workers := min(runtime.NumCPU(), h)
	if workers <= 1 {
		fn(0, h)
		return
	}
	rowsPerWorker := (h + workers - 1) / workers
	var wg sync.WaitGroup
	for y0 := 0; y0 < h; y0 += rowsPerWorker {
		y1 := min(y0+rowsPerWorker, h)
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(y0, y1)
		}()
	}
	wg.Wait()
}
