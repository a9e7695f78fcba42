package fic

import (
	"context"
	"fmt"
	"image"
	"log"
	"math"
	"runtime"
	"sync"
	"time"
)

// Encoder turns images into mapping sets. It is safe for concurrent use
// once configured.
type Encoder struct {
	// Logger receives one line per finished job; nil keeps the encoder
	// silent.
	Logger *log.Logger

	cfg          Config
	params       StreamParams
	newColor     func() ColorTransformer
	conv         QualityConverter
	newPredictor predictorFactory
}

// NewEncoder validates cfg and resolves every named module.
func NewEncoder(cfg Config) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Encoder{
		cfg:          cfg,
		params:       streamParams(cfg),
		newColor:     colorModels[cfg.Color.Model],
		conv:         qualityConverters[cfg.QualityConverter],
		newPredictor: predictors[cfg.Encoder.Predictor.Kind],
	}, nil
}

// Config returns the configuration the encoder was built with.
func (e *Encoder) Config() Config { return e.cfg }

type encodeJob struct {
	plane, part int
}

type jobResult struct {
	pm    PartMapping
	se    float64
	unmet int
	err   error
}

// Encode partitions every (plane, part) of img and fits its range blocks.
// Jobs run on a bounded pool; a cancelled ctx stops dispatch and the
// partial results are dropped.
func (e *Encoder) Encode(ctx context.Context, img image.Image) (*MappingSet, *Stats, error) {
	start := time.Now()
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, nil, fmt.Errorf("image too small: %dx%d", w, h)
	}
	if w > math.MaxUint16 || h > math.MaxUint16 {
		return nil, nil, fmt.Errorf("image too large: %dx%d", w, h)
	}

	ct := e.newColor()
	planes := ct.Split(img)
	rects := splitParts(w, h, e.params.MaxPartSizeLog2)

	results := make([][]jobResult, len(planes))
	for i := range results {
		results[i] = make([]jobResult, len(rects))
	}
	total := len(planes) * len(rects)
	workers := e.cfg.MaxThreads
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	workers = max(min(workers, total), 1)

	jobs := make(chan encodeJob)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results[j.plane][j.part] = e.encodePart(planes[j.plane], j.plane, rects[j.part])
				if e.Logger != nil {
					r := &results[j.plane][j.part]
					e.Logger.Printf("plane %d part %d: %d leaves, se %.4f, %d unmet",
						j.plane, j.part, len(r.pm.Leaves), r.se, r.unmet)
				}
			}
		}()
	}

	var cancelled error
dispatch:
	for i := range planes {
		for k := range rects {
			if err := ctx.Err(); err != nil {
				cancelled = err
				break dispatch
			}
			select {
			case <-ctx.Done():
				cancelled = ctx.Err()
				break dispatch
			case jobs <- encodeJob{plane: i, part: k}:
			}
		}
	}
	close(jobs)
	wg.Wait()
	if cancelled != nil {
		return nil, nil, cancelled
	}

	ms := &MappingSet{Width: w, Height: h, Params: e.params, Planes: make([][]PartMapping, len(planes))}
	st := &Stats{
		Threads:     workers,
		Jobs:        total,
		Leaves:      make([]int, len(planes)),
		CollageSE:   make([]float64, len(planes)),
		CollagePSNR: make([]float64, len(planes)),
	}
	for i := range planes {
		ms.Planes[i] = make([]PartMapping, len(rects))
		for k := range rects {
			r := results[i][k]
			if r.err != nil {
				return nil, nil, &JobError{Plane: i, Part: k, Err: r.err}
			}
			ms.Planes[i][k] = r.pm
			st.Leaves[i] += len(r.pm.Leaves)
			st.CollageSE[i] += r.se
			st.Unmet += r.unmet
		}
		st.CollagePSNR[i] = planePSNR(st.CollageSE[i], w*h)
	}
	if st.Unmet > 0 && e.Logger != nil {
		e.Logger.Printf("%d range blocks above their error threshold at minimum size", st.Unmet)
	}
	st.Elapsed = time.Since(start)
	return ms, st, nil
}

// encodePart builds the quad-tree of one part of plane i.
func (e *Encoder) encodePart(plane *Plane, i int, rect image.Rectangle) (r jobResult) {
	defer func() {
		if v := recover(); v != nil {
			r = jobResult{err: fmt.Errorf("panic: %v", v)}
		}
	}()
	part := plane.SubPlane(rect)
	pools := e.params.newPoolSet(part.W, part.H)
	pools.fill(part)
	ec := e.cfg.Encoder
	pred := e.newPredictor(ec.Predictor, pools, e.params.symmetries(), ec.Inversion)
	quality := float64(e.cfg.Quality) / 100 * e.cfg.Color.QualityMul[i]
	f := newFitter(ec, e.params, e.conv, quality, part, pools, pred)
	pt := &partitioner{cfg: e.cfg.QuadTree, f: f}
	t := pt.partition(part.W, part.H)

	r.pm = PartMapping{Rect: rect, Leaves: t.rangeBlocks()}
	for _, l := range t.leaves() {
		r.se += t.nodes[l].res.err
	}
	r.unmet = pt.unmet
	return r
}
