package fic

import (
	"fmt"
	"image"
	"runtime"
	"sync"
)

// partDecoder reconstructs one part by iterating its mappings.
type partDecoder struct {
	cur, next *Plane
	pools     *poolSet
	quant     coeffQuant
	ops       []leafOp
}

// leafOp is a range block with its mapping resolved to a pool location.
type leafOp struct {
	rect   image.Rectangle
	side   int
	m      Mapping
	sym    uint8
	pool   *pool
	x0, y0 int
}

func newPartDecoder(pm PartMapping, params StreamParams) (*partDecoder, error) {
	w, h := pm.Rect.Dx(), pm.Rect.Dy()
	if _, err := treeFromLeaves(w, h, pm.Leaves); err != nil {
		return nil, FormatError(err.Error())
	}
	pd := &partDecoder{
		cur:   NewPlane(w, h),
		next:  NewPlane(w, h),
		pools: params.newPoolSet(w, h),
		ops:   make([]leafOp, len(pm.Leaves)),
	}
	pd.quant = params.quant()
	q := pd.quant
	syms := params.symmetries()
	for k, l := range pm.Leaves {
		m := l.Mapping
		if m.Average < 0 || m.Average >= q.aLevels || m.Deviation < 0 || m.Deviation >= q.dLevels {
			return nil, FormatError(fmt.Sprintf("leaf %d: statistics out of range", k))
		}
		if m.Flat() && (m.Deviation != 0 || m.Inverted) {
			return nil, FormatError(fmt.Sprintf("leaf %d: flat block with deviation", k))
		}
		op := leafOp{rect: l.Rect, side: 1 << l.Level, m: m}
		if !m.Flat() {
			ld := pd.pools.level(l.Level)
			if m.Domain >= ld.count || int(m.Symmetry) >= syms || m.Deviation == 0 || m.Inverted && !params.Inversion {
				return nil, FormatError(fmt.Sprintf("leaf %d: invalid domain reference", k))
			}
			op.sym = m.Symmetry
			op.pool, op.x0, op.y0 = ld.domainAt(m.Domain)
		}
		pd.ops[k] = op
	}
	pd.clear()
	return pd, nil
}

// clear resets the part to the neutral grey every decode starts from.
func (pd *partDecoder) clear() {
	pd.cur.Fill(0.5)
}

// step applies every mapping once, reading cur and writing next.
func (pd *partDecoder) step() {
	pd.pools.fill(pd.cur)
	out := pd.next
	for i := range pd.ops {
		op := &pd.ops[i]
		s, b, ok := pd.coefficients(op)
		for y := op.rect.Min.Y; y < op.rect.Max.Y; y++ {
			row := out.Pix[y*out.W:]
			for x := op.rect.Min.X; x < op.rect.Max.X; x++ {
				v := b
				if ok {
					v += s * op.domainAt(x, y)
				}
				row[x] = min(max(v, 0), 1)
			}
		}
	}
	pd.cur, pd.next = pd.next, pd.cur
}

// coefficients measures the domain of op over the visible part of its
// range and returns the linear map onto the stored statistics.
func (pd *partDecoder) coefficients(op *leafOp) (s, b float64, ok bool) {
	if op.m.Flat() {
		return pd.quant.linear(op.m, 0, 0, 0)
	}
	var sum, sq float64
	for y := op.rect.Min.Y; y < op.rect.Max.Y; y++ {
		for x := op.rect.Min.X; x < op.rect.Max.X; x++ {
			d := op.domainAt(x, y)
			sum += d
			sq += d * d
		}
	}
	return pd.quant.linear(op.m, float64(op.rect.Dx()*op.rect.Dy()), sum, sq)
}

// domainAt is the domain sample mapped onto part pixel (x, y).
func (op *leafOp) domainAt(x, y int) float64 {
	sx, sy := src(op.sym, x-op.rect.Min.X, y-op.rect.Min.Y, op.side)
	p := op.pool
	return p.pix[(op.y0+sy)*p.w+op.x0+sx]
}

// Decoder reconstructs an image from a MappingSet. Clear and Iterate
// expose the single decode step so callers can watch the attractor form.
type Decoder struct {
	ms    *MappingSet
	color ColorTransformer
	parts [][]*partDecoder
}

// NewDecoder validates ms and prepares a decoder cleared to grey.
func NewDecoder(ms *MappingSet) (*Decoder, error) {
	newColor, ok := colorModels[ms.Params.ColorModel]
	if !ok {
		return nil, FormatError(fmt.Sprintf("unknown color model %q", ms.Params.ColorModel))
	}
	d := &Decoder{ms: ms, color: newColor()}
	if len(ms.Planes) != d.color.Planes() {
		return nil, FormatError(fmt.Sprintf("%d planes, color model needs %d", len(ms.Planes), d.color.Planes()))
	}
	rects := splitParts(ms.Width, ms.Height, ms.Params.MaxPartSizeLog2)
	d.parts = make([][]*partDecoder, len(ms.Planes))
	for i, plane := range ms.Planes {
		if len(plane) != len(rects) {
			return nil, FormatError(fmt.Sprintf("plane %d has %d parts, want %d", i, len(plane), len(rects)))
		}
		d.parts[i] = make([]*partDecoder, len(plane))
		for k, pm := range plane {
			if pm.Rect != rects[k] {
				return nil, &ShapeMismatchError{Want: rects[k].Size(), Got: pm.Rect.Size()}
			}
			pd, err := newPartDecoder(pm, ms.Params)
			if err != nil {
				return nil, fmt.Errorf("plane %d part %d: %w", i, k, err)
			}
			d.parts[i][k] = pd
		}
	}
	return d, nil
}

// Clear resets every plane to neutral grey.
func (d *Decoder) Clear() {
	for _, plane := range d.parts {
		for _, pd := range plane {
			pd.clear()
		}
	}
}

// Iterate runs n decode steps. Parts are processed in parallel; the steps
// of one part run in sequence.
func (d *Decoder) Iterate(n int) {
	var all []*partDecoder
	for _, plane := range d.parts {
		all = append(all, plane...)
	}
	workers := min(runtime.NumCPU(), len(all))
	jobs := make(chan *partDecoder)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pd := range jobs {
				for range n {
					pd.step()
				}
			}
		}()
	}
	for _, pd := range all {
		jobs <- pd
	}
	close(jobs)
	wg.Wait()
}

// Plane assembles plane i from its parts.
func (d *Decoder) Plane(i int) *Plane {
	out := NewPlane(d.ms.Width, d.ms.Height)
	for k, pd := range d.parts[i] {
		out.Paste(pd.cur, d.ms.Planes[i][k].Rect.Min)
	}
	return out
}

// Image converts the current planes to RGB.
func (d *Decoder) Image() *image.RGBA {
	planes := make([]*Plane, len(d.parts))
	for i := range planes {
		planes[i] = d.Plane(i)
	}
	return d.color.Merge(planes)
}

// Decode runs iterations decode steps from grey and returns the image.
func Decode(ms *MappingSet, iterations int) (*image.RGBA, error) {
	d, err := NewDecoder(ms)
	if err != nil {
		return nil, err
	}
	d.Iterate(iterations)
	return d.Image(), nil
}

// DecodeInto decodes ms into dst, which must have the encoded size.
func DecodeInto(dst *image.RGBA, ms *MappingSet, iterations int) error {
	want := image.Pt(ms.Width, ms.Height)
	if got := dst.Bounds().Size(); got != want {
		return &ShapeMismatchError{Want: want, Got: got}
	}
	img, err := Decode(ms, iterations)
	if err != nil {
		return err
	}
	b := dst.Bounds()
	for y := 0; y < want.Y; y++ {
		copy(dst.Pix[dst.PixOffset(b.Min.X, b.Min.Y+y):][:4*want.X], img.Pix[y*img.Stride:])
	}
	return nil
}

// DecodePart reconstructs a single part of shape from its mappings.
func DecodePart(pm PartMapping, shape image.Rectangle, params StreamParams, iterations int) (*Plane, error) {
	if pm.Rect.Size() != shape.Size() {
		return nil, &ShapeMismatchError{Want: pm.Rect.Size(), Got: shape.Size()}
	}
	pd, err := newPartDecoder(pm, params)
	if err != nil {
		return nil, err
	}
	for range iterations {
		pd.step()
	}
	return pd.cur, nil
}
