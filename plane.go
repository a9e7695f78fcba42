package fic

import "image"

// Plane is a single colour channel with samples in [0,1], stored row-major.
type Plane struct {
	W, H int
	Pix  []float64
}

// NewPlane returns a w x h plane of zero samples.
func NewPlane(w, h int) *Plane {
	return &Plane{W: w, H: h, Pix: make([]float64, w*h)}
}

// At returns the sample at (x, y), which must lie inside the plane.
func (p *Plane) At(x, y int) float64 { return p.Pix[y*p.W+x] }

// Set stores v at (x, y) without clamping.
func (p *Plane) Set(x, y int, v float64) { p.Pix[y*p.W+x] = v }

// Fill sets every sample to v.
func (p *Plane) Fill(v float64) {
	for i := range p.Pix {
		p.Pix[i] = v
	}
}

// SubPlane copies r (in p's coordinates) into a new plane.
func (p *Plane) SubPlane(r image.Rectangle) *Plane {
	out := NewPlane(r.Dx(), r.Dy())
	for y := 0; y < out.H; y++ {
		copy(out.Pix[y*out.W:(y+1)*out.W], p.Pix[(r.Min.Y+y)*p.W+r.Min.X:])
	}
	return out
}

// Paste copies src into p with its top-left corner at at.
func (p *Plane) Paste(src *Plane, at image.Point) {
	for y := 0; y < src.H; y++ {
		copy(p.Pix[(at.Y+y)*p.W+at.X:(at.Y+y)*p.W+at.X+src.W], src.Pix[y*src.W:(y+1)*src.W])
	}
}

// summer holds summed-area tables of a plane and of its squares.
type summer struct {
	stride int
	sum    []float64
	sq     []float64
}

func newSummer(w, h int) *summer {
	return &summer{
		stride: w + 1,
		sum:    make([]float64, (w+1)*(h+1)),
		sq:     make([]float64, (w+1)*(h+1)),
	}
}

// fill rebuilds the tables from pix, a w*h row-major buffer.
func (s *summer) fill(pix []float64, w, h int) {
	for y := 0; y < h; y++ {
		var row, rowSq float64
		up := y * s.stride
		cur := up + s.stride
		for x := 0; x < w; x++ {
			v := pix[y*w+x]
			row += v
			rowSq += v * v
			s.sum[cur+x+1] = s.sum[up+x+1] + row
			s.sq[cur+x+1] = s.sq[up+x+1] + rowSq
		}
	}
}

// sums returns the sum and the sum of squares over [x0,x1)x[y0,y1).
func (s *summer) sums(x0, y0, x1, y1 int) (sum, sq float64) {
	a, b := y0*s.stride, y1*s.stride
	sum = s.sum[b+x1] - s.sum[b+x0] - s.sum[a+x1] + s.sum[a+x0]
	sq = s.sq[b+x1] - s.sq[b+x0] - s.sq[a+x1] + s.sq[a+x0]
	return sum, sq
}
