package fic

import (
	"image"
	"math"

	"gonum.org/v1/gonum/floats"
)

// penaltyFunc shapes the big-scale penalty as a function of |s|.
type penaltyFunc func(s float64) float64

var penalties = map[PenaltyKind]penaltyFunc{
	PenaltyQuadratic: func(s float64) float64 { return s * s },
	PenaltyLinear:    func(s float64) float64 { return s },
}

// fitter searches the best mapping for range blocks of one part.
type fitter struct {
	cfg     EncoderConfig
	quant   coeffQuant
	penalty penaltyFunc
	conv    QualityConverter
	quality float64
	syms    int

	part  *Plane
	rsum  *summer
	pools *poolSet
	pred  predictor

	block []float64
	mask  []float64
	rv    [][]float64
	rm    [][]float64
	cands []candidate
}

// fitResult is a chosen mapping with the square error it produces.
type fitResult struct {
	m   Mapping
	err float64
}

// fitStats are the block statistics a candidate is scored with.
type fitStats struct {
	n           float64
	rSum, r2Sum float64
	dSum, d2Sum float64
	rdSum       float64
}

// averageSE is the square error of filling the range with avg.
func (st fitStats) averageSE(avg float64) float64 {
	return math.Max(st.r2Sum+avg*(st.n*avg-2*st.rSum), 0)
}

// quantizedSE is the square error of the domain stretched to average avg
// and deviation dev, with the sign of the range/domain covariance.
func (st fitStats) quantizedSE(avg, dev float64) float64 {
	test := st.n*st.d2Sum - st.dSum*st.dSum
	cov := st.n*st.rdSum - st.rSum*st.dSum
	se := st.averageSE(avg) + dev*(st.n*dev-2*math.Abs(cov)/math.Sqrt(test))
	return math.Max(se, 0)
}

// idealSE is the square error with the exact range average and deviation.
func (st fitStats) idealSE() float64 {
	rnDev2 := st.n*st.r2Sum - st.rSum*st.rSum
	test := st.n*st.d2Sum - st.dSum*st.dSum
	cov := st.n*st.rdSum - st.rSum*st.dSum
	return math.Max(2*(rnDev2-math.Sqrt(rnDev2)*math.Abs(cov)/math.Sqrt(test))/st.n, 0)
}

func newFitter(cfg EncoderConfig, params StreamParams, conv QualityConverter, quality float64,
	part *Plane, pools *poolSet, pred predictor) *fitter {
	f := &fitter{
		cfg:     cfg,
		quant:   params.quant(),
		penalty: penalties[cfg.Penalty],
		conv:    conv,
		quality: quality,
		syms:    params.symmetries(),
		part:    part,
		rsum:    newSummer(part.W, part.H),
		pools:   pools,
		pred:    pred,
	}
	f.rsum.fill(part.Pix, part.W, part.H)
	f.rv = make([][]float64, f.syms)
	f.rm = make([][]float64, f.syms)
	return f
}

// threshold is the square error a block of n visible pixels may reach.
func (f *fitter) threshold(n int) float64 {
	return f.conv.RangeSE(f.quality, n)
}

// fit returns the best mapping for the range r of edge 1<<level, r being
// clipped to the part.
func (f *fitter) fit(r image.Rectangle, level int) fitResult {
	side := 1 << level
	w, h := r.Dx(), r.Dy()
	st := fitStats{n: float64(w * h)}
	st.rSum, st.r2Sum = f.rsum.sums(r.Min.X, r.Min.Y, r.Max.X, r.Max.Y)
	thr := f.threshold(w * h)

	mean := st.rSum / st.n
	dev := math.Sqrt(math.Max(st.r2Sum/st.n-mean*mean, 0))
	qa, qd := f.quant.quantAverage(mean), f.quant.quantDeviation(dev)
	avg := f.quant.average(qa)
	flat := fitResult{m: Mapping{Domain: -1, Average: qa}, err: st.averageSE(avg)}
	ld := f.pools.level(level)
	if qd == 0 || ld.count == 0 {
		return flat
	}
	qdev := f.quant.deviation(qd)
	// flat blocks compete with their exact error when quantization
	// errors are ignored
	bestRank := flat.err
	if !f.cfg.QuantErrors {
		bestRank = math.Max(st.r2Sum-st.rSum*st.rSum/st.n, 0)
	}
	sufficient := f.cfg.SufficientSEQuotient * thr
	if bestRank <= sufficient {
		return flat
	}

	regular := w == side && h == side
	f.loadRange(r, side, regular)
	best := flat
	var bestStats fitStats
	src := f.pred.predict(&rangeQuery{ld: ld, side: side, regular: regular, rv: f.rv})
	for {
		f.cands = src.next(f.cands)
		if len(f.cands) == 0 {
			break
		}
		for _, c := range f.cands {
			cst, lin, contr, ok := f.score(st, ld, c, side, regular)
			if !ok {
				continue
			}
			var se float64
			if f.cfg.QuantErrors {
				se = cst.quantizedSE(avg, qdev)
			} else {
				se = cst.idealSE()
			}
			rank := se + f.cfg.BigScaleCoeff*thr*contr*contr*f.penalty(lin)
			if rank < bestRank || rank == bestRank && !best.m.Flat() && lessCandidate(c, best.m) {
				bestRank = rank
				best.m = Mapping{Domain: c.domain, Symmetry: c.sym}
				bestStats = cst
			}
			if bestRank <= sufficient {
				return f.finish(best, bestStats, avg, qdev, qa, qd)
			}
		}
	}
	return f.finish(best, bestStats, avg, qdev, qa, qd)
}

func lessCandidate(c candidate, m Mapping) bool {
	if c.domain != m.Domain {
		return c.domain < m.Domain
	}
	return c.sym < m.Symmetry
}

// finish stores the quantized statistics in the chosen mapping and
// measures its error.
func (f *fitter) finish(best fitResult, st fitStats, avg, dev float64, qa, qd int) fitResult {
	if best.m.Flat() {
		return best
	}
	best.m.Average, best.m.Deviation = qa, qd
	best.m.Inverted = st.n*st.rdSum < st.rSum*st.dSum
	best.err = st.quantizedSE(avg, dev)
	return best
}

// score gathers the statistics of candidate c, the magnitude of the
// linear coefficient stretching it to the range and the area factor of
// its pool; ok is false when the candidate violates the constraints.
func (f *fitter) score(st fitStats, ld *levelDomains, c candidate, side int, regular bool) (_ fitStats, lin, contr float64, ok bool) {
	p, x0, y0 := ld.domainAt(c.domain)
	rv := f.rv[c.sym]
	if regular {
		st.dSum, st.d2Sum = p.sums.sums(x0, y0, x0+side, y0+side)
	} else {
		rm := f.rm[c.sym]
		st.dSum, st.d2Sum = 0, 0
		for y := 0; y < side; y++ {
			off := (y0+y)*p.w + x0
			m := rm[y*side : (y+1)*side]
			st.dSum += floats.Dot(m, p.pix[off:off+side])
			st.d2Sum += floats.Dot(m, p.sq[off:off+side])
		}
	}
	st.rdSum = 0
	for y := 0; y < side; y++ {
		off := (y0+y)*p.w + x0
		st.rdSum += floats.Dot(rv[y*side:(y+1)*side], p.pix[off:off+side])
	}
	test := st.n*st.d2Sum - st.dSum*st.dSum
	if test <= flatDomain*st.n*st.n {
		return st, 0, 0, false
	}
	cov := st.n*st.rdSum - st.rSum*st.dSum
	if cov < 0 && !f.cfg.Inversion {
		return st, 0, 0, false
	}
	lin = math.Sqrt((st.n*st.r2Sum - st.rSum*st.rSum) / test)
	if lin > f.cfg.MaxLinCoeff {
		return st, 0, 0, false
	}
	return st, lin, p.contr, true
}

// loadRange copies the range block and scatters it for every symmetry.
func (f *fitter) loadRange(r image.Rectangle, side int, regular bool) {
	n := side * side
	f.block = resize(f.block, n)
	f.mask = resize(f.mask, n)
	clear(f.block)
	clear(f.mask)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			i := (y-r.Min.Y)*side + x - r.Min.X
			f.block[i] = f.part.At(x, y)
			f.mask[i] = 1
		}
	}
	for s := range f.rv {
		f.rv[s] = resize(f.rv[s], n)
		var rm []float64
		if !regular {
			f.rm[s] = resize(f.rm[s], n)
			rm = f.rm[s]
		}
		scatter(f.rv[s], rm, f.block, f.mask, uint8(s), side)
	}
}

func resize(buf []float64, n int) []float64 {
	if cap(buf) < n {
		return make([]float64, n)
	}
	return buf[:n]
}
