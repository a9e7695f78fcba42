package fic

import (
	"cmp"
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// saupePredictor ranks domains by the distance between normalised
// low-resolution feature vectors, searched with one kd-tree per level.
type saupePredictor struct {
	cfg       PredictorConfig
	ps        *poolSet
	syms      int
	inversion bool
	levels    map[int]*saupeLevel
	feat      []float64
}

type saupeLevel struct {
	tree  *kdtree.Tree
	cells int
}

func newSaupePredictor(cfg PredictorConfig, ps *poolSet, syms int, inversion bool) predictor {
	return &saupePredictor{
		cfg:       cfg,
		ps:        ps,
		syms:      syms,
		inversion: inversion,
		levels:    make(map[int]*saupeLevel),
	}
}

// featureCells is the edge of the feature grid for blocks of edge side.
func featureCells(side int) int { return min(side, 4) }

func (sp *saupePredictor) level(ld *levelDomains) *saupeLevel {
	if sl, ok := sp.levels[ld.level]; ok {
		return sl
	}
	cells := featureCells(ld.side)
	cs := ld.side / cells
	var points featurePoints
	for i := 0; i < ld.count; i++ {
		p, x0, y0 := ld.domainAt(i)
		vec := make([]float64, cells*cells)
		for cy := 0; cy < cells; cy++ {
			for cx := 0; cx < cells; cx++ {
				s, _ := p.sums.sums(x0+cx*cs, y0+cy*cs, x0+(cx+1)*cs, y0+(cy+1)*cs)
				vec[cy*cells+cx] = s
			}
		}
		if normalizeFeature(vec) {
			points = append(points, featurePoint{vec: vec, domain: i})
		}
	}
	sl := &saupeLevel{cells: cells}
	if len(points) > 0 {
		sl.tree = kdtree.New(points, false)
	}
	sp.levels[ld.level] = sl
	return sl
}

// normalizeFeature removes the mean and scales to unit length; it
// reports false for flat blocks.
func normalizeFeature(vec []float64) bool {
	floats.AddConst(-floats.Sum(vec)/float64(len(vec)), vec)
	n := floats.Norm(vec, 2)
	if n < 1e-9 {
		return false
	}
	floats.Scale(1/n, vec)
	return true
}

func (sp *saupePredictor) predict(q *rangeQuery) candidateSource {
	if !q.regular || q.ld.count == 0 {
		return &sequentialSource{count: q.ld.count, syms: sp.syms}
	}
	sl := sp.level(q.ld)
	maxPred := int(math.Ceil(sp.cfg.MaxPredictionsPercent / 100 * float64(q.ld.count*sp.syms)))
	if sl.tree == nil || maxPred == 0 {
		return &listSource{}
	}
	type scored struct {
		candidate
		dist float64
	}
	var found []scored
	cs := q.side / sl.cells
	for s := 0; s < sp.syms; s++ {
		sp.feat = rangeFeature(sp.feat, q.rv[s], q.side, sl.cells, cs)
		if !normalizeFeature(sp.feat) {
			// a flat range is served by the flat mapping
			return &listSource{}
		}
		signs := []float64{1}
		if sp.inversion {
			signs = append(signs, -1)
		}
		for _, sign := range signs {
			query := featurePoint{vec: slices.Clone(sp.feat)}
			floats.Scale(sign, query.vec)
			keep := kdtree.NewNKeeper(maxPred)
			sl.tree.NearestSet(keep, query)
			for _, c := range keep.Heap {
				if c.Comparable == nil {
					continue
				}
				found = append(found, scored{
					candidate: candidate{domain: c.Comparable.(featurePoint).domain, sym: uint8(s)},
					dist:      c.Dist,
				})
			}
		}
	}
	slices.SortFunc(found, func(a, b scored) int {
		return cmp.Or(cmp.Compare(a.dist, b.dist), cmp.Compare(a.domain, b.domain), cmp.Compare(a.sym, b.sym))
	})
	list := make([]candidate, 0, min(len(found), maxPred))
	seen := make(map[candidate]bool, len(found))
	for _, f := range found {
		if len(list) == maxPred {
			break
		}
		if !seen[f.candidate] {
			seen[f.candidate] = true
			list = append(list, f.candidate)
		}
	}
	return &listSource{list: list, chunk: sp.cfg.ChunkSize}
}

// rangeFeature averages the scattered range block into cells x cells.
func rangeFeature(dst, rv []float64, side, cells, cs int) []float64 {
	dst = slices.Grow(dst[:0], cells*cells)[:cells*cells]
	clear(dst)
	for y := 0; y < side; y++ {
		row := rv[y*side : (y+1)*side]
		for x, v := range row {
			dst[(y/cs)*cells+x/cs] += v
		}
	}
	return dst
}

type listSource struct {
	list  []candidate
	chunk int
	pos   int
}

func (l *listSource) next(dst []candidate) []candidate {
	end := min(l.pos+max(l.chunk, 1), len(l.list))
	dst = append(dst[:0], l.list[l.pos:end]...)
	l.pos = end
	return dst
}

type featurePoint struct {
	vec    []float64
	domain int
}

func (p featurePoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.vec[d] - c.(featurePoint).vec[d]
}

func (p featurePoint) Dims() int { return len(p.vec) }

func (p featurePoint) Distance(c kdtree.Comparable) float64 {
	q := c.(featurePoint)
	var sum float64
	for i, v := range p.vec {
		d := v - q.vec[i]
		sum += d * d
	}
	return sum
}

// featurePoints implements kdtree.Interface with a sorting pivot, so
// the tree shape does not depend on random pivot selection.
type featurePoints []featurePoint

func (p featurePoints) Index(i int) kdtree.Comparable { return p[i] }
func (p featurePoints) Len() int                      { return len(p) }
func (p featurePoints) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}

func (p featurePoints) Pivot(d kdtree.Dim) int {
	sort.Sort(byDim{points: p, dim: d})
	return len(p) / 2
}

type byDim struct {
	points featurePoints
	dim    kdtree.Dim
}

func (b byDim) Len() int      { return len(b.points) }
func (b byDim) Swap(i, j int) { b.points[i], b.points[j] = b.points[j], b.points[i] }
func (b byDim) Less(i, j int) bool {
	vi, vj := b.points[i].vec[b.dim], b.points[j].vec[b.dim]
	if vi != vj {
		return vi < vj
	}
	return b.points[i].domain < b.points[j].domain
}
