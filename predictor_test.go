package fic

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func randomPlane(w, h int, seed uint64) *Plane {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	p := NewPlane(w, h)
	for i := range p.Pix {
		p.Pix[i] = rng.Float64()
	}
	return p
}

// drain collects every candidate of src.
func drain(src candidateSource) []candidate {
	var all, buf []candidate
	for {
		buf = src.next(buf)
		if len(buf) == 0 {
			return all
		}
		all = append(all, buf...)
	}
}

// domainQuery builds a query whose range block is domain d of ld as seen
// through every symmetry.
func domainQuery(ld *levelDomains, d, syms int) *rangeQuery {
	p, x0, y0 := ld.domainAt(d)
	n := ld.side * ld.side
	block := make([]float64, n)
	for y := 0; y < ld.side; y++ {
		copy(block[y*ld.side:(y+1)*ld.side], p.pix[(y0+y)*p.w+x0:])
	}
	q := &rangeQuery{ld: ld, side: ld.side, regular: true, rv: make([][]float64, syms)}
	for s := range q.rv {
		q.rv[s] = make([]float64, n)
		scatter(q.rv[s], nil, block, nil, uint8(s), ld.side)
	}
	return q
}

func TestBruteForce_Enumerates(t *testing.T) {
	ps := newPoolSet(DomainsConfig{MultiScale: MultiScaleNone, Portions: Portions{Standard: 1}}, 64, 64, 8)
	ld := ps.level(2)
	got := drain(predictors[BruteForce](PredictorConfig{}, ps, 8, true).predict(&rangeQuery{ld: ld}))
	if len(got) != ld.count*8 {
		t.Fatalf("%d candidates, want %d", len(got), ld.count*8)
	}
	for i, c := range got {
		if c.domain != i/8 || int(c.sym) != i%8 {
			t.Fatalf("candidate %d = %+v", i, c)
		}
	}
}

func TestSaupe_FindsExactDomain(t *testing.T) {
	part := randomPlane(64, 64, 7)
	ps := newPoolSet(DomainsConfig{MultiScale: MultiScaleNone, Portions: Portions{Standard: 1}}, part.W, part.H, 12)
	ps.fill(part)
	cfg := PredictorConfig{Kind: Saupe, ChunkSize: 4, MaxPredictionsPercent: 2}

	for _, level := range []int{2, 3} {
		ld := ps.level(level)
		for _, d := range []int{0, ld.count / 3, ld.count - 1} {
			pred := newSaupePredictor(cfg, ps, 8, true)
			got := drain(pred.predict(domainQuery(ld, d, 8)))
			if len(got) == 0 {
				t.Fatalf("level %d domain %d: no candidates", level, d)
			}
			if got[0] != (candidate{domain: d, sym: 0}) {
				t.Fatalf("level %d domain %d: first candidate %+v", level, d, got[0])
			}
			maxPred := int(math.Ceil(cfg.MaxPredictionsPercent / 100 * float64(ld.count*8)))
			if len(got) > maxPred {
				t.Fatalf("level %d: %d candidates, limit %d", level, len(got), maxPred)
			}
			seen := map[candidate]bool{}
			for _, c := range got {
				if c.domain < 0 || c.domain >= ld.count || c.sym >= 8 || seen[c] {
					t.Fatalf("bad or repeated candidate %+v", c)
				}
				seen[c] = true
			}
		}
	}
}

func TestSaupe_Repeatable(t *testing.T) {
	part := randomPlane(96, 64, 11)
	cfg := DomainsConfig{MultiScale: MultiScaleHalf, Portions: Portions{Standard: 1, Diamond: 1}}
	pc := PredictorConfig{Kind: Saupe, ChunkSize: 8, MaxPredictionsPercent: 5}
	run := func() []candidate {
		ps := newPoolSet(cfg, part.W, part.H, 11)
		ps.fill(part)
		ld := ps.level(3)
		q := domainQuery(ld, ld.count/2, 8)
		// perturb so the query is not itself a domain
		for _, rv := range q.rv {
			rv[0] += 0.25
		}
		return drain(newSaupePredictor(pc, ps, 8, true).predict(q))
	}
	if diff := cmp.Diff(run(), run(), cmp.AllowUnexported(candidate{})); diff != "" {
		t.Fatalf("predictions differ between runs (-first +second):\n%s", diff)
	}
}

func TestSaupe_FlatRange(t *testing.T) {
	part := randomPlane(64, 64, 3)
	ps := newPoolSet(DomainsConfig{MultiScale: MultiScaleNone, Portions: Portions{Standard: 1}}, part.W, part.H, 10)
	ps.fill(part)
	ld := ps.level(2)
	q := &rangeQuery{ld: ld, side: 4, regular: true, rv: make([][]float64, 1)}
	q.rv[0] = make([]float64, 16)
	for i := range q.rv[0] {
		q.rv[0][i] = 0.4
	}
	pred := newSaupePredictor(PredictorConfig{ChunkSize: 8, MaxPredictionsPercent: 50}, ps, 1, false)
	if got := drain(pred.predict(q)); len(got) != 0 {
		t.Fatalf("flat range got %d candidates", len(got))
	}
}
