package fic

// candidate is one domain in one orientation.
type candidate struct {
	domain int
	sym    uint8
}

// rangeQuery describes the range block a predictor ranks domains for.
type rangeQuery struct {
	ld      *levelDomains
	side    int
	regular bool
	// rv[s] is the range block scattered into domain coordinates for
	// symmetry s.
	rv [][]float64
}

// predictor produces the domain candidates tried for a range block.
type predictor interface {
	predict(q *rangeQuery) candidateSource
}

// candidateSource yields candidates chunk by chunk; an empty chunk ends
// the sequence.
type candidateSource interface {
	next(dst []candidate) []candidate
}

type predictorFactory func(cfg PredictorConfig, ps *poolSet, syms int, inversion bool) predictor

var predictors = map[PredictorKind]predictorFactory{
	BruteForce: func(_ PredictorConfig, _ *poolSet, syms int, _ bool) predictor {
		return bruteForce{syms: syms}
	},
	Saupe: newSaupePredictor,
}

// bruteForce proposes every domain in every allowed symmetry, in index
// order.
type bruteForce struct {
	syms int
}

const bruteForceChunk = 1024

func (b bruteForce) predict(q *rangeQuery) candidateSource {
	return &sequentialSource{count: q.ld.count, syms: b.syms}
}

type sequentialSource struct {
	count, syms int
	pos         int
}

func (s *sequentialSource) next(dst []candidate) []candidate {
	dst = dst[:0]
	total := s.count * s.syms
	for ; s.pos < total && len(dst) < bruteForceChunk; s.pos++ {
		dst = append(dst, candidate{domain: s.pos / s.syms, sym: uint8(s.pos % s.syms)})
	}
	return dst
}
