package fic

import "fmt"

// intCodec serializes sequences of integers drawn from [0, possib).
type intCodec interface {
	Encode(bw *bitWriter, values []int, possib int) error
	Decode(br *bitReader, count, possib int) ([]int, error)
}

// vliCodec is a differential variable-length integer codec.
//
// Each value is coded as the difference to its predecessor, wrapped around
// possib and folded to a non-negative index. Indices are
// grouped in levels of doubling width starting at 2^firstLog2; the level
// numbers of all symbols are written first in fixed width, followed by the
// offsets inside each level.
type vliCodec struct {
	firstLog2 int
}

func newVLICodec(cfg VLIConfig) *vliCodec {
	return &vliCodec{firstLog2: cfg.FirstLevelLog2}
}

type vliLayout struct {
	possib    int
	maxLevel  int
	levelBits uint8
	lastBits  uint8
}

func (c *vliCodec) layout(possib int) vliLayout {
	l := vliLayout{possib: possib}
	top := maxFolded(possib)
	l.maxLevel = c.level(top)
	l.levelBits = uint8(log2ceil(l.maxLevel + 1))
	l.lastBits = uint8(log2ceil(top + 1 - c.base(l.maxLevel)))
	return l
}

// maxFolded is the largest index a wrapped difference folds to. Odd counts
// reach one past possib-1.
func maxFolded(possib int) int {
	if possib%2 == 1 {
		return possib
	}
	return possib - 1
}

func (c *vliCodec) level(pos int) int {
	return log2ceil(pos+1<<c.firstLog2+1) - c.firstLog2 - 1
}

func (c *vliCodec) base(level int) int {
	return 1<<(level+c.firstLog2) - 1<<c.firstLog2
}

func (c *vliCodec) dataBits(l vliLayout, level int) uint8 {
	if level == l.maxLevel {
		return l.lastBits
	}
	return uint8(level + c.firstLog2)
}

func fold(v int) int {
	if v >= 0 {
		return 2 * v
	}
	return -2*v - 1
}

func unfold(p int) int {
	if p&1 == 0 {
		return p / 2
	}
	return -(p + 1) / 2
}

// wrapDiff reduces cur-last modulo possib: differences below -possib/2
// gain possib, those from possib/2 up lose it. For even possib the result
// lies in [-possib/2, possib/2).
func wrapDiff(cur, last, possib int) int {
	d := cur - last
	half := possib / 2
	if d < -half {
		d += possib
	} else if d >= half {
		d -= possib
	}
	return d
}

func (c *vliCodec) Encode(bw *bitWriter, values []int, possib int) error {
	if possib < 1 {
		return fmt.Errorf("vli: invalid symbol count %d", possib)
	}
	l := c.layout(possib)
	pos := make([]int, len(values))
	levels := make([]int, len(values))
	last := possib / 2
	for i, v := range values {
		if v < 0 || v >= possib {
			return &CodecRangeError{Value: v, Possib: possib}
		}
		pos[i] = fold(wrapDiff(v, last, possib))
		levels[i] = c.level(pos[i])
		last = v
	}
	for _, lv := range levels {
		bw.writeBits(uint64(lv), l.levelBits)
	}
	for i, p := range pos {
		bw.writeBits(uint64(p-c.base(levels[i])), c.dataBits(l, levels[i]))
	}
	return nil
}

func (c *vliCodec) Decode(br *bitReader, count, possib int) ([]int, error) {
	if possib < 1 {
		return nil, fmt.Errorf("vli: invalid symbol count %d", possib)
	}
	l := c.layout(possib)
	levels := make([]int, count)
	for i := range levels {
		v, err := br.readBits(l.levelBits)
		if err != nil {
			return nil, fmt.Errorf("vli levels: %w", err)
		}
		if int(v) > l.maxLevel {
			return nil, FormatError(fmt.Sprintf("vli level %d above %d", v, l.maxLevel))
		}
		levels[i] = int(v)
	}
	out := make([]int, count)
	last := possib / 2
	for i, lv := range levels {
		d, err := br.readBits(c.dataBits(l, lv))
		if err != nil {
			return nil, fmt.Errorf("vli data: %w", err)
		}
		v := last + unfold(c.base(lv)+int(d))
		if v >= possib {
			v -= possib
		} else if v < 0 {
			v += possib
		}
		if v < 0 || v >= possib {
			return nil, FormatError(fmt.Sprintf("vli symbol %d outside [0,%d)", v, possib))
		}
		out[i] = v
		last = v
	}
	return out, nil
}
