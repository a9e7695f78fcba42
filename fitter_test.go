package fic

import (
	"image"
	"math"
	"testing"
)

type fitterSetup struct {
	cfg    Config
	params StreamParams
	part   *Plane
	pools  *poolSet
}

func newFitterSetup(cfg Config, part *Plane) *fitterSetup {
	params := streamParams(cfg)
	pools := params.newPoolSet(part.W, part.H)
	pools.fill(part)
	return &fitterSetup{cfg: cfg, params: params, part: part, pools: pools}
}

func (s *fitterSetup) fitter() *fitter {
	ec := s.cfg.Encoder
	pred := predictors[ec.Predictor.Kind](ec.Predictor, s.pools, s.params.symmetries(), ec.Inversion)
	return newFitter(ec, s.params, constantSE{}, 0.9, s.part, s.pools, pred)
}

// directSE stretches the domain of m over the visible part of r and
// measures the square error against the part.
func (s *fitterSetup) directSE(r image.Rectangle, level int, m Mapping) float64 {
	q := s.params.quant()
	var p *pool
	var x0, y0 int
	if !m.Flat() {
		p, x0, y0 = s.pools.level(level).domainAt(m.Domain)
	}
	domain := func(x, y int) float64 {
		sx, sy := src(m.Symmetry, x-r.Min.X, y-r.Min.Y, 1<<level)
		return p.pix[(y0+sy)*p.w+x0+sx]
	}
	var dSum, d2Sum float64
	if !m.Flat() {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				d := domain(x, y)
				dSum += d
				d2Sum += d * d
			}
		}
	}
	sc, b, ok := q.linear(m, float64(r.Dx()*r.Dy()), dSum, d2Sum)
	var se float64
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			v := b
			if ok {
				v += sc * domain(x, y)
			}
			d := v - s.part.At(x, y)
			se += d * d
		}
	}
	return se
}

func bruteForceConfig() Config {
	cfg := DefaultConfig()
	cfg.DomainCountLog2 = 11
	cfg.Encoder.Predictor.Kind = BruteForce
	return cfg
}

func TestFitter_ErrorMatchesMapping(t *testing.T) {
	for _, tc := range []struct {
		name  string
		w, h  int
		r     image.Rectangle
		level int
	}{
		{"regular", 64, 64, image.Rect(8, 8, 16, 16), 3},
		{"regular_small", 64, 64, image.Rect(20, 36, 24, 40), 2},
		{"clipped", 60, 60, image.Rect(56, 48, 60, 56), 3},
		{"clipped_corner", 60, 60, image.Rect(56, 56, 60, 60), 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := newFitterSetup(bruteForceConfig(), randomPlane(tc.w, tc.h, 5))
			f := s.fitter()
			res := f.fit(tc.r, tc.level)
			want := s.directSE(tc.r, tc.level, res.m)
			if math.Abs(res.err-want) > 1e-9*math.Max(1, want) {
				t.Fatalf("fit error %v, direct %v (mapping %+v)", res.err, want, res.m)
			}
			var st fitStats
			st.n = float64(tc.r.Dx() * tc.r.Dy())
			st.rSum, st.r2Sum = f.rsum.sums(tc.r.Min.X, tc.r.Min.Y, tc.r.Max.X, tc.r.Max.Y)
			avg := f.quant.average(f.quant.quantAverage(st.rSum / st.n))
			if flat := st.averageSE(avg); res.err > flat+1e-12 {
				t.Fatalf("fit error %v above flat error %v", res.err, flat)
			}
		})
	}
}

func TestFitter_FindsPlantedMapping(t *testing.T) {
	for _, want := range []Mapping{
		{Symmetry: 3, Average: 64, Deviation: 10},
		{Symmetry: 6, Average: 50, Deviation: 7, Inverted: true},
	} {
		cfg := bruteForceConfig()
		cfg.Encoder.BigScaleCoeff = 0
		cfg.Encoder.SufficientSEQuotient = 0
		s := newFitterSetup(cfg, randomPlane(64, 64, 9))

		const level = 2
		ld := s.pools.level(level)
		want.Domain = ld.count / 2
		r := image.Rect(40, 40, 44, 44)
		p, x0, y0 := ld.domainAt(want.Domain)
		var dSum, d2Sum float64
		for i := 0; i < 16; i++ {
			d := p.pix[(y0+i/4)*p.w+x0+i%4]
			dSum += d
			d2Sum += d * d
		}
		sc, b, ok := s.params.quant().linear(want, 16, dSum, d2Sum)
		if !ok {
			t.Fatal("planted domain is flat")
		}
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				sx, sy := src(want.Symmetry, x, y, 4)
				s.part.Set(r.Min.X+x, r.Min.Y+y, sc*p.pix[(y0+sy)*p.w+x0+sx]+b)
			}
		}

		res := s.fitter().fit(r, level)
		if res.m != want {
			t.Fatalf("fit mapping %+v, want %+v", res.m, want)
		}
		if res.err > 1e-9 {
			t.Fatalf("fit error %v, want 0", res.err)
		}
		if direct := s.directSE(r, level, res.m); math.Abs(direct-res.err) > 1e-9 {
			t.Fatalf("fit error %v, direct %v", res.err, direct)
		}
	}
}

func TestFitter_FlatBlock(t *testing.T) {
	part := randomPlane(64, 64, 13)
	r := image.Rect(16, 16, 24, 24)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			part.Set(x, y, 0.6)
		}
	}
	s := newFitterSetup(bruteForceConfig(), part)
	res := s.fitter().fit(r, 3)
	if !res.m.Flat() || res.m.Deviation != 0 || res.m.Inverted {
		t.Fatalf("uniform block mapped to %+v", res.m)
	}
	half := 0.5 / float64(s.params.quant().aLevels)
	if res.err > 64*half*half+1e-12 {
		t.Fatalf("flat error %v above quantization bound", res.err)
	}
}

// fixedPredictor serves a fixed candidate list one candidate per chunk and
// counts what the fitter pulled.
type fixedPredictor struct {
	cands  []candidate
	calls  int
	served int
}

func (p *fixedPredictor) predict(*rangeQuery) candidateSource {
	p.calls++
	return &fixedSource{p: p}
}

type fixedSource struct {
	p   *fixedPredictor
	pos int
}

func (s *fixedSource) next(dst []candidate) []candidate {
	dst = dst[:0]
	if s.pos < len(s.p.cands) {
		dst = append(dst, s.p.cands[s.pos])
		s.pos++
		s.p.served++
	}
	return dst
}

// Patterns on a 4x4 block: ring is -1 at the corners, 0 on the edges and
// +1 in the centre; tilt grows along x and is orthogonal to ring.
var (
	ring = [16]float64{
		-1, 0, 0, -1,
		0, 1, 1, 0,
		0, 1, 1, 0,
		-1, 0, 0, -1,
	}
	tilt = [16]float64{
		-1.5, -0.5, 0.5, 1.5,
		-1.5, -0.5, 0.5, 1.5,
		-1.5, -0.5, 0.5, 1.5,
		-1.5, -0.5, 0.5, 1.5,
	}
)

// searchScene is a 4x4 range 0.5+ring/4 with three hand-made domains:
//   - exact: the range shape at a quarter of its contrast (lin 4)
//   - rough: high contrast with a tilt added (lin about 0.65)
//   - twin: a copy of exact at a higher index
type searchScene struct {
	s                  *fitterSetup
	r                  image.Rectangle
	exact, rough, twin int
}

const sceneLevel = 2

func newSearchScene(t *testing.T, cfg Config) *searchScene {
	t.Helper()
	part := randomPlane(64, 64, 21)
	r := image.Rect(40, 40, 44, 44)
	for i, v := range ring {
		part.Set(r.Min.X+i%4, r.Min.Y+i/4, 0.5+v/4)
	}
	s := newFitterSetup(cfg, part)
	ld := s.pools.level(sceneLevel)
	sc := &searchScene{s: s, r: r, exact: 0, rough: ld.count / 2, twin: ld.count - 1}

	var exact, rough [16]float64
	for i := range exact {
		exact[i] = 0.5 + ring[i]/16
		rough[i] = 0.5 + 0.375*ring[i] + tilt[i]/16
	}
	// dyadic samples keep every domain sum exact, so equal domains score
	// bit for bit the same wherever they sit
	first, _, _ := ld.domainAt(sc.exact)
	for i, v := range first.pix {
		first.pix[i] = math.Round(v*64) / 64
	}
	var placed []image.Rectangle
	for _, d := range []struct {
		idx  int
		vals [16]float64
	}{{sc.exact, exact}, {sc.rough, rough}, {sc.twin, exact}} {
		p, x0, y0 := ld.domainAt(d.idx)
		if p != first {
			t.Fatalf("domain %d is in another pool", d.idx)
		}
		rect := image.Rect(x0, y0, x0+4, y0+4)
		for _, o := range placed {
			if rect.Overlaps(o) {
				t.Fatalf("domain %d overlaps another scene domain", d.idx)
			}
		}
		placed = append(placed, rect)
		for i, v := range d.vals {
			p.pix[(y0+i/4)*p.w+x0+i%4] = v
		}
	}
	for i, v := range first.pix {
		first.sq[i] = v * v
	}
	first.sums.fill(first.pix, first.w, first.h)
	return sc
}

func (sc *searchScene) fit(ec EncoderConfig, cands ...candidate) (fitResult, *fixedPredictor) {
	pred := &fixedPredictor{cands: cands}
	f := newFitter(ec, sc.s.params, constantSE{}, 0.9, sc.s.part, sc.s.pools, pred)
	return f.fit(sc.r, sceneLevel), pred
}

func searchConfig() Config {
	cfg := DefaultConfig()
	cfg.DomainCountLog2 = 11
	cfg.Encoder.BigScaleCoeff = 0
	cfg.Encoder.SufficientSEQuotient = 0
	cfg.Encoder.MaxLinCoeff = 5
	return cfg
}

func TestFitter_Search(t *testing.T) {
	sc := newSearchScene(t, searchConfig())
	exact := candidate{domain: sc.exact}
	rough := candidate{domain: sc.rough}
	twin := candidate{domain: sc.twin}

	// errors without penalty, used to size the penalty weight
	base := sc.s.cfg.Encoder
	exactRes, _ := sc.fit(base, exact)
	roughRes, _ := sc.fit(base, rough)
	gap := roughRes.err - exactRes.err
	if exactRes.m.Flat() || roughRes.m.Flat() || !(gap > 0) {
		t.Fatalf("scene errors exact %v rough %v", exactRes, roughRes)
	}
	// with this weight the penalty gap between lin 4 and lin 0.65 is
	// about 2*gap for the quadratic shape and 0.4*gap for the linear one
	p, _, _ := sc.s.pools.level(sceneLevel).domainAt(sc.exact)
	weight := gap / 8 / (constantSE{}.RangeSE(0.9, 16) * p.contr * p.contr)

	for _, tc := range []struct {
		name       string
		edit       func(ec *EncoderConfig)
		cands      []candidate
		wantDomain int
		wantSym    uint8
		wantServed int
	}{
		{"best_of_all", func(ec *EncoderConfig) {}, []candidate{rough, exact, twin, rough}, sc.exact, 0, 4},
		{"sufficient_stops_search", func(ec *EncoderConfig) { ec.SufficientSEQuotient = 0.05 },
			[]candidate{rough, exact, twin, rough}, sc.exact, 0, 2},
		{"sufficient_not_reached", func(ec *EncoderConfig) { ec.SufficientSEQuotient = 0.05 },
			[]candidate{rough, rough, rough}, sc.rough, 0, 3},
		{"quadratic_penalty_prefers_small_scale", func(ec *EncoderConfig) {
			ec.BigScaleCoeff = weight
			ec.Penalty = PenaltyQuadratic
		}, []candidate{exact, rough}, sc.rough, 0, 2},
		{"linear_penalty_keeps_exact", func(ec *EncoderConfig) {
			ec.BigScaleCoeff = weight
			ec.Penalty = PenaltyLinear
		}, []candidate{exact, rough}, sc.exact, 0, 2},
		{"tie_lowest_domain", func(ec *EncoderConfig) {}, []candidate{twin, exact}, sc.exact, 0, 2},
		{"tie_lowest_domain_first", func(ec *EncoderConfig) {}, []candidate{exact, twin}, sc.exact, 0, 2},
		{"tie_lowest_symmetry", func(ec *EncoderConfig) {},
			[]candidate{{domain: sc.exact, sym: 5}, {domain: sc.exact, sym: 2}, {domain: sc.twin, sym: 1}}, sc.exact, 2, 3},
		{"max_lin_rejects_exact", func(ec *EncoderConfig) { ec.MaxLinCoeff = 3 }, []candidate{exact, rough}, sc.rough, 0, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ec := base
			tc.edit(&ec)
			res, pred := sc.fit(ec, tc.cands...)
			if pred.served != tc.wantServed {
				t.Errorf("%d candidates consumed, want %d", pred.served, tc.wantServed)
			}
			if res.m.Domain != tc.wantDomain || res.m.Symmetry != tc.wantSym || res.m.Inverted {
				t.Fatalf("chose %+v, want domain %d symmetry %d", res.m, tc.wantDomain, tc.wantSym)
			}
		})
	}
}

func TestFitter_AllRejectedFallsBackToFlat(t *testing.T) {
	cfg := searchConfig()
	cfg.Encoder.MaxLinCoeff = 0.5
	sc := newSearchScene(t, cfg)
	res, pred := sc.fit(cfg.Encoder, candidate{domain: sc.exact}, candidate{domain: sc.rough})
	if !res.m.Flat() || pred.served != 2 {
		t.Fatalf("chose %+v after %d candidates", res.m, pred.served)
	}
	if direct := sc.s.directSE(sc.r, sceneLevel, res.m); math.Abs(direct-res.err) > 1e-9 {
		t.Fatalf("flat error %v, direct %v", res.err, direct)
	}
}

func TestFitter_FlatRangeSkipsSearch(t *testing.T) {
	cfg := searchConfig()
	sc := newSearchScene(t, cfg)
	for y := sc.r.Min.Y; y < sc.r.Max.Y; y++ {
		for x := sc.r.Min.X; x < sc.r.Max.X; x++ {
			sc.s.part.Set(x, y, 0.3)
		}
	}
	res, pred := sc.fit(cfg.Encoder, candidate{domain: sc.exact})
	if !res.m.Flat() || pred.calls != 0 {
		t.Fatalf("chose %+v with %d predictor calls", res.m, pred.calls)
	}
}

func TestFitter_NoInversion(t *testing.T) {
	cfg := bruteForceConfig()
	cfg.Encoder.Inversion = false
	cfg.Encoder.Rotations = IdentityOnly
	s := newFitterSetup(cfg, randomPlane(64, 64, 17))
	f := s.fitter()
	for x := 0; x < 64; x += 8 {
		res := f.fit(image.Rect(x, 0, x+8, 8), 3)
		if res.m.Inverted || res.m.Symmetry != 0 {
			t.Fatalf("mapping %+v uses a disabled transform", res.m)
		}
	}
}

func TestQualityConverters(t *testing.T) {
	if got := (constantSE{}).RangeSE(1, 64); got != 0 {
		t.Fatalf("constant-se at quality 1 = %v, want 0", got)
	}
	if got, want := (constantSE{}).RangeSE(0, 64), 4.0/64*63; math.Abs(got-want) > 1e-12 {
		t.Fatalf("constant-se at quality 0 = %v, want %v", got, want)
	}
	se := constantSE{}.RangeSE(0.5, 81)
	if got := (constantMSE{}).RangeSE(0.5, 81); math.Abs(got-se) > 1e-12 {
		t.Fatalf("constant-mse at 81 pixels = %v, want %v", got, se)
	}
	if got := (constantMSE{}).RangeSE(0.5, 162); math.Abs(got-2*se) > 1e-12 {
		t.Fatalf("constant-mse at 162 pixels = %v, want %v", got, 2*se)
	}
}
