package fic

import (
	"math"
	"slices"
)

const (
	minDomainSize = 8
	minRangeSize  = 4
	// diamond pools need a source square of at least this edge
	minDiamondSource = 15
)

type poolKind uint8

const (
	poolStandard poolKind = iota
	poolDiamond
	poolHorizontal
	poolVertical
)

// pool is a shrunk copy of (a region of) the part that domain blocks are
// cut from.
type pool struct {
	kind  poolKind
	scale int
	// contr is the source-to-pool area factor.
	contr float64
	w, h  int

	// parent is the pool a further downscaled pool is shrunk from; nil
	// means the part itself.
	parent *pool
	// x0, y0 and side locate the source square of a diamond pool.
	x0, y0, side int
	// xTaps and yTaps hold the area-averaging weights of rectangular pools.
	xTaps, yTaps [][]tap

	pix  []float64
	sq   []float64
	sums *summer
	tmp  []float64
}

type tap struct {
	idx int
	w   float64
}

// poolSet owns every pool of one part together with the per-level domain
// layouts. The geometry depends only on the part size and the settings,
// so the encoder and decoder derive identical index spaces.
type poolSet struct {
	cfg       DomainsConfig
	countLog2 int
	pools     []*pool
	levels    []*levelDomains
}

// levelDomains is the domain pool of one range level.
type levelDomains struct {
	level int
	side  int
	count int
	infos []poolLevel
}

type poolLevel struct {
	pool    *pool
	density int
	perRow  int
	begin   int
	count   int
}

func newPoolSet(cfg DomainsConfig, w, h, countLog2 int) *poolSet {
	ps := &poolSet{cfg: cfg, countLog2: countLog2}
	if min(w, h)/2 < minDomainSize {
		return ps
	}
	var base []*pool
	if cfg.Portions.Standard > 0 {
		base = append(base, newShrunkPool(poolStandard, nil, w, h, 2, 2))
	}
	if cfg.Portions.Horizontal > 0 && w/3 >= minDomainSize && h*2/3 >= minDomainSize {
		base = append(base, newShrunkPool(poolHorizontal, nil, w, h, 3, 1.5))
	}
	if cfg.Portions.Vertical > 0 && w*2/3 >= minDomainSize && h/3 >= minDomainSize {
		base = append(base, newShrunkPool(poolVertical, nil, w, h, 1.5, 3))
	}
	if cfg.Portions.Diamond > 0 {
		base = append(base, diamondPools(w, h)...)
	}
	for _, p := range base {
		ps.pools = append(ps.pools, p)
		if cfg.MultiScale == MultiScaleNone {
			continue
		}
		for parent := p; parent.w/2 >= minDomainSize && parent.h/2 >= minDomainSize; {
			child := newShrunkPool(p.kind, parent, parent.w, parent.h, 2, 2)
			child.scale = parent.scale + 1
			child.contr = parent.contr / 4
			ps.pools = append(ps.pools, child)
			parent = child
		}
	}
	slices.SortStableFunc(ps.pools, func(a, b *pool) int {
		if a.kind != b.kind {
			return int(a.kind) - int(b.kind)
		}
		return a.scale - b.scale
	})
	return ps
}

func newShrunkPool(kind poolKind, parent *pool, sw, sh int, fx, fy float64) *pool {
	p := &pool{
		kind:   kind,
		scale:  1,
		contr:  1 / (fx * fy),
		w:      int(float64(sw) / fx),
		h:      int(float64(sh) / fy),
		parent: parent,
	}
	p.xTaps = areaTaps(p.w, fx)
	p.yTaps = areaTaps(p.h, fy)
	p.alloc()
	p.tmp = make([]float64, sh*p.w)
	return p
}

// diamondPools cuts squares with edge equal to the shorter side out of
// the part, stepping along the longer side, and turns each by 45 degrees.
func diamondPools(w, h int) []*pool {
	shorter, longer := min(w, h), max(w, h)
	side := diamondSize(shorter)
	if side == 0 {
		return nil
	}
	shift := (side - minRangeSize + 1) * 2
	var pools []*pool
	for off := 0; longer-off >= minDiamondSource; off += shift {
		s := diamondSize(min(longer-off, shorter))
		if s == 0 {
			break
		}
		p := &pool{kind: poolDiamond, scale: 1, contr: 0.5, w: s, h: s, side: s}
		if w >= h {
			p.x0 = off
		} else {
			p.y0 = off
		}
		p.alloc()
		pools = append(pools, p)
	}
	return pools
}

func diamondSize(from int) int {
	if from < minDiamondSource {
		return 0
	}
	return from / 2
}

func (p *pool) alloc() {
	p.pix = make([]float64, p.w*p.h)
	p.sq = make([]float64, p.w*p.h)
	p.sums = newSummer(p.w, p.h)
}

// areaTaps returns, for each of n destination samples, the source
// samples covering [i*f,(i+1)*f) and their normalised overlaps.
func areaTaps(n int, f float64) [][]tap {
	taps := make([][]tap, n)
	for i := range taps {
		a, b := float64(i)*f, float64(i+1)*f
		for k := int(a); float64(k) < b; k++ {
			ov := math.Min(float64(k+1), b) - math.Max(float64(k), a)
			if ov > 1e-12 {
				taps[i] = append(taps[i], tap{idx: k, w: ov / f})
			}
		}
	}
	return taps
}

// fill recomputes every pool from part.
func (ps *poolSet) fill(part *Plane) {
	for _, p := range ps.pools {
		switch {
		case p.parent != nil:
			p.fillShrunk(p.parent.pix, p.parent.w)
		case p.kind == poolDiamond:
			p.fillDiamond(part)
		default:
			p.fillShrunk(part.Pix, part.W)
		}
		for i, v := range p.pix {
			p.sq[i] = v * v
		}
		p.sums.fill(p.pix, p.w, p.h)
	}
}

func (p *pool) fillShrunk(src []float64, sw int) {
	sh := len(p.tmp) / p.w
	for y := 0; y < sh; y++ {
		row := src[y*sw:]
		out := p.tmp[y*p.w:]
		for x, taps := range p.xTaps {
			var acc float64
			for _, t := range taps {
				acc += row[t.idx] * t.w
			}
			out[x] = acc
		}
	}
	for y, taps := range p.yTaps {
		out := p.pix[y*p.w : (y+1)*p.w]
		clear(out)
		for _, t := range taps {
			in := p.tmp[t.idx*p.w : (t.idx+1)*p.w]
			for x := range out {
				out[x] += in[x] * t.w
			}
		}
	}
}

func (p *pool) fillDiamond(part *Plane) {
	s := p.side
	for j := 0; j < s; j++ {
		for i := 0; i < s; i++ {
			x := p.x0 + s - 1 + i - j
			y := p.y0 + i + j
			a := part.Pix[y*part.W+x:]
			b := part.Pix[(y+1)*part.W+x:]
			p.pix[j*s+i] = (a[0] + a[1] + b[0] + b[1]) / 4
		}
	}
}

// level returns the domain layout for ranges of edge 1<<level.
func (ps *poolSet) level(level int) *levelDomains {
	for len(ps.levels) <= level {
		ps.levels = append(ps.levels, nil)
	}
	if ld := ps.levels[level]; ld != nil {
		return ld
	}
	ld := &levelDomains{level: level, side: 1 << level}
	densities := ps.levelDensities(level)
	for i, p := range ps.pools {
		d := densities[i]
		if d == 0 || p.w < ld.side || p.h < ld.side {
			continue
		}
		perRow := (p.w-ld.side)/d + 1
		perCol := (p.h-ld.side)/d + 1
		ld.infos = append(ld.infos, poolLevel{
			pool:    p,
			density: d,
			perRow:  perRow,
			begin:   ld.count,
			count:   perRow * perCol,
		})
		ld.count += perRow * perCol
	}
	ps.levels[level] = ld
	return ld
}

func (ps *poolSet) portion(k poolKind) int {
	switch k {
	case poolStandard:
		return ps.cfg.Portions.Standard
	case poolDiamond:
		return ps.cfg.Portions.Diamond
	case poolHorizontal:
		return ps.cfg.Portions.Horizontal
	}
	return ps.cfg.Portions.Vertical
}

// levelDensities distributes the level's domain budget between shapes in
// proportion to their portions and returns the grid step of every pool
// (0 for unused pools).
func (ps *poolSet) levelDensities(level int) []int {
	densities := make([]int, len(ps.pools))
	countLog2 := ps.countLog2 - max(level-2, 0)*ps.cfg.LevelDivisorLog2
	if len(ps.pools) == 0 || countLog2 < 0 {
		return densities
	}
	totalShares := 0
	for i, p := range ps.pools {
		if i == 0 || ps.pools[i-1].kind != p.kind {
			totalShares += ps.portion(p.kind)
		}
	}
	left := 1 << countLog2
	for begin := 0; begin < len(ps.pools) && totalShares > 0; {
		end := begin + 1
		for end < len(ps.pools) && ps.pools[end].kind == ps.pools[begin].kind {
			end++
		}
		share := ps.portion(ps.pools[begin].kind)
		left -= ps.divideInKind(densities, begin, end, left*share/totalShares, level)
		totalShares -= share
		begin = end
	}
	return densities
}

// divideInKind splits maxCount between the scales of one shape and then
// between the pools of each scale; it returns the number of domains used.
func (ps *poolSet) divideInKind(densities []int, begin, end, maxCount, level int) int {
	pools := ps.pools
	scales := pools[end-1].scale - pools[begin].scale + 1
	generated := 0
	for i := begin; i < end; {
		j := i + 1
		for j < end && pools[j].scale == pools[i].scale {
			j++
		}
		var toGenerate int
		switch {
		case scales == 1:
			toGenerate = maxCount - generated
		case ps.cfg.MultiScale == MultiScaleHalf:
			toGenerate = (maxCount - generated) / 2
		default:
			toGenerate = (maxCount - generated) / scales
		}
		generated += toGenerate
		for k := i; k < j; k++ {
			d, n := bestDensity(pools[k], 1<<level, toGenerate/(j-k))
			densities[k] = d
			toGenerate -= n
		}
		generated -= toGenerate
		scales--
		i = j
	}
	return generated
}

// bestDensity returns the smallest grid step that yields at most maxCount
// domains of edge side in p, together with that count.
func bestDensity(p *pool, side, maxCount int) (density, count int) {
	wms, hms := p.w-side, p.h-side
	if wms < 0 || hms < 0 || maxCount <= 0 {
		return 0, 0
	}
	if maxCount > 1 {
		a, b, m := float64(wms), float64(hms), float64(maxCount-1)
		density = int(math.Ceil((a + b + math.Sqrt((a+b)*(a+b)+4*a*b*m)) / (2 * m)))
	} else {
		density = 1 + max(wms, hms)
	}
	density = max(density, 1)
	count = (wms/density + 1) * (hms/density + 1)
	return density, count
}

// domainAt returns the pool and top-left corner of domain index i.
func (ld *levelDomains) domainAt(i int) (p *pool, x0, y0 int) {
	k, _ := slices.BinarySearchFunc(ld.infos, i, func(pl poolLevel, i int) int {
		if pl.begin+pl.count <= i {
			return -1
		}
		if pl.begin > i {
			return 1
		}
		return 0
	})
	pl := ld.infos[k]
	j := i - pl.begin
	return pl.pool, (j % pl.perRow) * pl.density, (j / pl.perRow) * pl.density
}
