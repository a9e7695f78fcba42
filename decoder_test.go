package fic

import (
	"errors"
	"image"
	"math"
	"math/rand/v2"
	"testing"
)

// randomPartMapping builds a w x h part split to level with random
// mappings whose deviation level stays below maxDev.
func randomPartMapping(w, h, level int, p StreamParams, maxDev int, seed uint64) PartMapping {
	rng := rand.New(rand.NewPCG(seed, 99))
	tr := newRangeTree(w, h)
	divideTo(tr, level)
	leaves := tr.rangeBlocks()
	pools := p.newPoolSet(w, h)
	q := p.quant()
	for k := range leaves {
		m := Mapping{Domain: -1, Average: q.aLevels/4 + rng.IntN(q.aLevels/2)}
		if count := pools.level(leaves[k].Level).count; count > 0 && rng.IntN(5) > 0 {
			m.Domain = rng.IntN(count)
			m.Symmetry = uint8(rng.IntN(p.symmetries()))
			m.Deviation = 1 + rng.IntN(maxDev)
			m.Inverted = p.Inversion && rng.IntN(2) == 0
		}
		leaves[k].Mapping = m
	}
	return PartMapping{Rect: image.Rect(0, 0, w, h), Leaves: leaves}
}

func maxAbsDiff(a, b *Plane) float64 {
	var d float64
	for i := range a.Pix {
		d = math.Max(d, math.Abs(a.Pix[i]-b.Pix[i]))
	}
	return d
}

// Every step gives each leaf its stored average, and its stored deviation
// unless the domain is flat or the result had to be clamped.
func TestDecoder_StepMatchesStatistics(t *testing.T) {
	for _, tc := range []struct {
		name string
		edit func(c *Config)
		w, h int
	}{
		{"standard", func(c *Config) {}, 64, 64},
		{"clipped", func(c *Config) {}, 61, 45},
		{"all_shapes", func(c *Config) {
			c.Domains.Portions = Portions{Standard: 1, Diamond: 1, Horizontal: 1, Vertical: 1}
			c.Domains.MultiScale = MultiScaleHalf
		}, 96, 64},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.edit(&cfg)
			p := streamParams(cfg)
			q := p.quant()
			pm := randomPartMapping(tc.w, tc.h, 3, p, 8, 1)
			pd, err := newPartDecoder(pm, p)
			if err != nil {
				t.Fatalf("newPartDecoder: %v", err)
			}

			stretched := 0
			for it := 0; it < 6; it++ {
				pd.step()
				for _, l := range pm.Leaves {
					var sum, sq float64
					clamped := false
					for y := l.Rect.Min.Y; y < l.Rect.Max.Y; y++ {
						for x := l.Rect.Min.X; x < l.Rect.Max.X; x++ {
							v := pd.cur.At(x, y)
							clamped = clamped || v == 0 || v == 1
							sum += v
							sq += v * v
						}
					}
					if clamped {
						continue
					}
					n := float64(l.Rect.Dx() * l.Rect.Dy())
					mean := sum / n
					dev := math.Sqrt(math.Max(sq/n-mean*mean, 0))
					if math.Abs(mean-q.average(l.Mapping.Average)) > 1e-9 {
						t.Fatalf("iteration %d leaf %v: mean %v, want %v", it, l.Rect, mean, q.average(l.Mapping.Average))
					}
					if dev < 1e-9 {
						continue
					}
					stretched++
					if want := q.deviation(l.Mapping.Deviation); math.Abs(dev-want) > 1e-6 {
						t.Fatalf("iteration %d leaf %v: deviation %v, want %v", it, l.Rect, dev, want)
					}
				}
			}
			if stretched == 0 {
				t.Fatal("no leaf was stretched to its deviation")
			}
			for _, v := range pd.cur.Pix {
				if v < 0 || v > 1 {
					t.Fatalf("sample %v outside [0,1]", v)
				}
			}
		})
	}
}

// On an encoded set the decode settles: later iterations sit much closer to
// the attractor than the first ones.
func TestDecoder_ConvergesToAttractor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Color.Model = ColorGray
	cfg.DomainCountLog2 = 12
	cfg.Encoder.MaxLinCoeff = 0.5
	ms, _ := mustEncode(t, cfg, makeSmoothImage(64, 48))

	d, err := NewDecoder(ms)
	if err != nil {
		t.Fatal(err)
	}
	d.Iterate(300)
	attractor := d.Plane(0)

	d.Clear()
	var dists []float64
	done := 0
	for _, at := range []int{1, 64} {
		d.Iterate(at - done)
		done = at
		dists = append(dists, maxAbsDiff(d.Plane(0), attractor))
	}
	if dists[1] >= dists[0] || dists[1] > 0.01 {
		t.Fatalf("distances to the attractor %v", dists)
	}
}

func TestDecodePart_Flat(t *testing.T) {
	p := streamParams(DefaultConfig())
	q := p.quant()
	tr := newRangeTree(16, 16)
	divideTo(tr, 2)
	leaves := tr.rangeBlocks()
	for k := range leaves {
		leaves[k].Mapping = Mapping{Domain: -1, Average: k % q.aLevels}
	}
	pm := PartMapping{Rect: image.Rect(0, 0, 16, 16), Leaves: leaves}
	plane, err := DecodePart(pm, image.Rect(0, 0, 16, 16), p, 1)
	if err != nil {
		t.Fatalf("DecodePart: %v", err)
	}
	for _, l := range leaves {
		want := q.average(l.Mapping.Average)
		for y := l.Rect.Min.Y; y < l.Rect.Max.Y; y++ {
			for x := l.Rect.Min.X; x < l.Rect.Max.X; x++ {
				if got := plane.At(x, y); got != want {
					t.Fatalf("(%d,%d) = %v, want %v", x, y, got, want)
				}
			}
		}
	}

	if _, err := DecodePart(pm, image.Rect(0, 0, 16, 8), p, 1); err == nil {
		t.Fatal("DecodePart accepted a wrong shape")
	}
}

func TestNewDecoder_Rejects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Color.Model = ColorGray
	p := streamParams(cfg)
	good := func() *MappingSet {
		return &MappingSet{
			Width: 32, Height: 32, Params: p,
			Planes: [][]PartMapping{{randomPartMapping(32, 32, 3, p, 4, 2)}},
		}
	}
	if _, err := NewDecoder(good()); err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	for _, tc := range []struct {
		name string
		edit func(ms *MappingSet)
	}{
		{"plane_count", func(ms *MappingSet) { ms.Planes = append(ms.Planes, ms.Planes[0]) }},
		{"part_count", func(ms *MappingSet) { ms.Planes[0] = nil }},
		{"missing_leaf", func(ms *MappingSet) { ms.Planes[0][0].Leaves = ms.Planes[0][0].Leaves[1:] }},
		{"domain_range", func(ms *MappingSet) { ms.Planes[0][0].Leaves[0].Mapping = Mapping{Domain: 1 << 20, Deviation: 1} }},
		{"average_range", func(ms *MappingSet) { ms.Planes[0][0].Leaves[0].Mapping = Mapping{Domain: -1, Average: 1 << 20} }},
		{"deviation_range", func(ms *MappingSet) { ms.Planes[0][0].Leaves[0].Mapping = Mapping{Domain: 0, Deviation: 1 << 20} }},
		{"flat_with_deviation", func(ms *MappingSet) { ms.Planes[0][0].Leaves[0].Mapping = Mapping{Domain: -1, Deviation: 2} }},
		{"domain_without_deviation", func(ms *MappingSet) { ms.Planes[0][0].Leaves[0].Mapping = Mapping{Domain: 0} }},
		{"color_model", func(ms *MappingSet) { ms.Params.ColorModel = "cmyk" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ms := good()
			tc.edit(ms)
			if _, err := NewDecoder(ms); err == nil {
				t.Fatal("NewDecoder accepted an invalid mapping set")
			}
		})
	}

	ms := good()
	ms.Planes[0][0].Rect = image.Rect(0, 0, 32, 16)
	var sm *ShapeMismatchError
	if _, err := NewDecoder(ms); !errors.As(err, &sm) {
		t.Fatalf("err = %v, want *ShapeMismatchError", err)
	}
}

func TestDecodeInto_ShapeMismatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Color.Model = ColorGray
	p := streamParams(cfg)
	ms := &MappingSet{
		Width: 32, Height: 32, Params: p,
		Planes: [][]PartMapping{{randomPartMapping(32, 32, 3, p, 4, 3)}},
	}

	err := DecodeInto(image.NewRGBA(image.Rect(0, 0, 32, 31)), ms, 2)
	var sm *ShapeMismatchError
	if !errors.As(err, &sm) {
		t.Fatalf("err = %v, want *ShapeMismatchError", err)
	}
	if sm.Want != image.Pt(32, 32) || sm.Got != image.Pt(32, 31) {
		t.Fatalf("ShapeMismatchError = %+v", sm)
	}

	dst := image.NewRGBA(image.Rect(10, 10, 42, 42))
	if err := DecodeInto(dst, ms, 2); err != nil {
		t.Fatalf("DecodeInto: %v", err)
	}
	want, err := Decode(ms, 2)
	if err != nil {
		t.Fatal(err)
	}
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			if dst.RGBAAt(10+x, 10+y) != want.RGBAAt(x, y) {
				t.Fatalf("pixel (%d,%d) differs", x, y)
			}
		}
	}
}

func TestDecoder_IterateMatchesDecode(t *testing.T) {
	cfg := DefaultConfig()
	p := streamParams(cfg)
	ms := &MappingSet{Width: 64, Height: 48, Params: p}
	for i := 0; i < 3; i++ {
		ms.Planes = append(ms.Planes, []PartMapping{randomPartMapping(64, 48, 3, p, 20, uint64(10+i))})
	}
	d, err := NewDecoder(ms)
	if err != nil {
		t.Fatal(err)
	}
	d.Iterate(3)
	d.Iterate(4)
	want, err := Decode(ms, 7)
	if err != nil {
		t.Fatal(err)
	}
	if got := d.Image(); !equalRGBA(got, want) {
		t.Fatal("3+4 iterations differ from 7")
	}
	d.Clear()
	d.Iterate(7)
	if got := d.Image(); !equalRGBA(got, want) {
		t.Fatal("Clear did not restart the decode")
	}
}

func equalRGBA(a, b *image.RGBA) bool {
	if a.Bounds() != b.Bounds() {
		return false
	}
	for i := range a.Pix {
		if a.Pix[i] != b.Pix[i] {
			return false
		}
	}
	return true
}
