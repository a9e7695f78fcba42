package fic

import (
	"fmt"
	"image"
)

// maxRefinePasses bounds the split/merge refinement of the heuristic mode.
const maxRefinePasses = 16

// rangeNode is a quad-tree node stored in a rangeTree arena.
type rangeNode struct {
	rect  image.Rectangle
	level int
	// children in TL, TR, BL, BR order; -1 when clipped away or a leaf
	children [4]int32
	leaf     bool
	dead     bool
	fitted   bool
	res      fitResult
}

// rangeTree is a quad-tree over one part. Node 0 is the root.
type rangeTree struct {
	nodes []rangeNode
}

func newRangeTree(w, h int) *rangeTree {
	t := &rangeTree{}
	t.nodes = append(t.nodes, rangeNode{
		rect:     image.Rect(0, 0, w, h),
		level:    log2ceil(max(w, h)),
		children: [4]int32{-1, -1, -1, -1},
		leaf:     true,
	})
	return t
}

// divide splits leaf i into up to four children clipped to its rect.
func (t *rangeTree) divide(i int32) {
	n := t.nodes[i]
	half := 1 << (n.level - 1)
	r := n.rect
	xmid := min(r.Min.X+half, r.Max.X)
	ymid := min(r.Min.Y+half, r.Max.Y)
	rects := [4]image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, xmid, ymid),
		image.Rect(xmid, r.Min.Y, r.Max.X, ymid),
		image.Rect(r.Min.X, ymid, xmid, r.Max.Y),
		image.Rect(xmid, ymid, r.Max.X, r.Max.Y),
	}
	children := [4]int32{-1, -1, -1, -1}
	for k, cr := range rects {
		if cr.Empty() {
			continue
		}
		children[k] = int32(len(t.nodes))
		t.nodes = append(t.nodes, rangeNode{
			rect:     cr,
			level:    n.level - 1,
			children: [4]int32{-1, -1, -1, -1},
			leaf:     true,
		})
	}
	t.nodes[i].children = children
	t.nodes[i].leaf = false
}

// merge turns node i back into a leaf.
func (t *rangeTree) merge(i int32) {
	for _, c := range t.nodes[i].children {
		if c >= 0 {
			t.nodes[c].dead = true
		}
	}
	t.nodes[i].children = [4]int32{-1, -1, -1, -1}
	t.nodes[i].leaf = true
}

// hilbertChild maps a clockwise position (TL, TR, BR, BL) to a child slot.
var hilbertChild = [4]int{0, 1, 3, 2}

// leaves returns the leaves in Hilbert-curve order.
func (t *rangeTree) leaves() []int32 {
	var out []int32
	var walk func(i int32, start, cw int)
	walk = func(i int32, start, cw int) {
		n := &t.nodes[i]
		if n.leaf {
			out = append(out, i)
			return
		}
		visit := func(pos, start, cw int) {
			if c := n.children[hilbertChild[pos]]; c >= 0 {
				walk(c, start, cw)
			}
		}
		start %= 4
		pos := start
		visit(pos, start, -cw)
		for range 2 {
			pos = (pos + 4 + cw) % 4
			visit(pos, start, cw)
		}
		pos = (pos + 4 + cw) % 4
		visit(pos, start+2, -cw)
	}
	walk(0, 0, 1)
	return out
}

// rangeBlocks exports the leaves with their mappings.
func (t *rangeTree) rangeBlocks() []RangeBlock {
	idx := t.leaves()
	out := make([]RangeBlock, len(idx))
	for k, i := range idx {
		n := &t.nodes[i]
		out[k] = RangeBlock{Rect: n.rect, Level: n.level, Mapping: n.res.m}
	}
	return out
}

// treeFromLeaves rebuilds the tree shape of a w x h part from its leaves
// and returns it with the leaf mappings attached.
func treeFromLeaves(w, h int, leaves []RangeBlock) (*rangeTree, error) {
	type key struct {
		at    image.Point
		level int
	}
	byKey := make(map[key]int, len(leaves))
	for k, l := range leaves {
		byKey[key{l.Rect.Min, l.Level}] = k
	}
	t := newRangeTree(w, h)
	used := 0
	stack := []int32{0}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := t.nodes[i]
		if k, ok := byKey[key{n.rect.Min, n.level}]; ok {
			if leaves[k].Rect != n.rect {
				return nil, fmt.Errorf("leaf %v does not match tree block %v", leaves[k].Rect, n.rect)
			}
			t.nodes[i].res.m = leaves[k].Mapping
			used++
			continue
		}
		if n.level == 0 {
			return nil, fmt.Errorf("no leaf covers %v", n.rect)
		}
		t.divide(i)
		for k := 3; k >= 0; k-- {
			if c := t.nodes[i].children[k]; c >= 0 {
				stack = append(stack, c)
			}
		}
	}
	if used != len(leaves) {
		return nil, fmt.Errorf("%d of %d leaves outside the tree", len(leaves)-used, len(leaves))
	}
	return t, nil
}

// rangeFitter is what the partitioner needs from the transform fitter.
type rangeFitter interface {
	fit(r image.Rectangle, level int) fitResult
	threshold(pixels int) float64
}

// partitioner builds the quad-tree of one part.
type partitioner struct {
	cfg QuadTreeConfig
	f   rangeFitter
	// unmet counts leaves accepted above their threshold
	unmet int
}

func (pt *partitioner) fitNode(t *rangeTree, i int32) fitResult {
	n := &t.nodes[i]
	if !n.fitted {
		n.res = pt.f.fit(n.rect, n.level)
		n.fitted = true
	}
	return n.res
}

func (pt *partitioner) acceptable(t *rangeTree, i int32) bool {
	n := &t.nodes[i]
	return n.res.err <= pt.f.threshold(n.rect.Dx()*n.rect.Dy())
}

// partition splits a w x h part into range blocks.
func (pt *partitioner) partition(w, h int) *rangeTree {
	t := newRangeTree(w, h)
	if pt.cfg.Heuristic {
		pt.refine(t)
	} else {
		pt.topDown(t)
	}
	for _, i := range t.leaves() {
		if !pt.acceptable(t, i) {
			pt.unmet++
		}
	}
	return t
}

func (pt *partitioner) topDown(t *rangeTree) {
	stack := []int32{0}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		level := t.nodes[i].level
		if level <= pt.cfg.MaxLevel {
			pt.fitNode(t, i)
			if level <= pt.cfg.MinLevel || pt.acceptable(t, i) {
				continue
			}
		}
		t.divide(i)
		for k := 3; k >= 0; k-- {
			if c := t.nodes[i].children[k]; c >= 0 {
				stack = append(stack, c)
			}
		}
	}
}

// refine pre-divides to an intermediate level and then alternates a split
// scan and a merge scan over the arena.
func (pt *partitioner) refine(t *rangeTree) {
	root := t.nodes[0].level
	pre := (pt.cfg.MinLevel + min(pt.cfg.MaxLevel, root) + 1) / 2
	pre = max(min(pre, pt.cfg.MaxLevel), pt.cfg.MinLevel)
	stack := []int32{0}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if t.nodes[i].level <= pre {
			continue
		}
		t.divide(i)
		for _, c := range t.nodes[i].children {
			if c >= 0 {
				stack = append(stack, c)
			}
		}
	}

	for pass := 0; pass < maxRefinePasses; pass++ {
		changed := false
		for i := int32(0); int(i) < len(t.nodes); i++ {
			n := &t.nodes[i]
			if !n.leaf || n.dead {
				continue
			}
			pt.fitNode(t, i)
			if t.nodes[i].level > pt.cfg.MinLevel && !pt.acceptable(t, i) {
				t.divide(i)
				changed = true
			}
		}
		for i := int32(0); int(i) < len(t.nodes); i++ {
			n := &t.nodes[i]
			if n.leaf || n.dead || n.level > pt.cfg.MaxLevel || !pt.childrenAreLeaves(t, i) {
				continue
			}
			if n.fitted && !pt.acceptable(t, i) {
				continue
			}
			pt.fitNode(t, i)
			if pt.acceptable(t, i) {
				t.merge(i)
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	for _, i := range t.leaves() {
		pt.fitNode(t, i)
	}
}

func (pt *partitioner) childrenAreLeaves(t *rangeTree, i int32) bool {
	for _, c := range t.nodes[i].children {
		if c >= 0 && !t.nodes[c].leaf {
			return false
		}
	}
	return true
}
