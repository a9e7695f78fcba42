package fic

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"math"
)

const streamMagic = 65535 - 4063

const headerSize = 2 + 2 + 2 + 4 + 6 + 4 + 2

// WriteTo serializes the mapping set: a fixed header followed by one
// length-prefixed section per (plane, part).
func (ms *MappingSet) WriteTo(w io.Writer) (int64, error) {
	data, err := ms.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// MarshalBinary implements encoding.BinaryMarshaler. The result is the
// raw stream, without the container framing.
func (ms *MappingSet) MarshalBinary() ([]byte, error) {
	if ms.Width <= 0 || ms.Height <= 0 || ms.Width > math.MaxUint16 || ms.Height > math.MaxUint16 {
		return nil, fmt.Errorf("image size %dx%d not representable", ms.Width, ms.Height)
	}
	p := ms.Params
	var buf bytes.Buffer
	putU16BE(&buf, streamMagic)
	putU16BE(&buf, uint16(ms.Width))
	putU16BE(&buf, uint16(ms.Height))
	buf.Write([]byte{
		colorModelIDs[p.ColorModel],
		byte(len(ms.Planes)),
		byte(p.MaxPartSizeLog2),
		byte(p.DomainCountLog2),
		byte(p.Domains.LevelDivisorLog2),
		multiScaleIDs[p.Domains.MultiScale],
		byte(p.Domains.Portions.Standard),
		byte(p.Domains.Portions.Diamond),
		byte(p.Domains.Portions.Horizontal),
		byte(p.Domains.Portions.Vertical),
		rotationIDs[p.Rotations],
		boolByte(p.Inversion),
		byte(p.AverageStepsLog2),
		byte(p.DeviationStepsLog2),
		byte(p.AverageCodec.FirstLevelLog2),
		byte(p.DeviationCodec.FirstLevelLog2),
	})

	var part bytes.Buffer
	for i, plane := range ms.Planes {
		for k, pm := range plane {
			part.Reset()
			if err := encodePart(&part, pm, p); err != nil {
				return nil, fmt.Errorf("plane %d part %d: %w", i, k, err)
			}
			putU32BE(&buf, uint32(part.Len()))
			buf.Write(part.Bytes())
		}
	}
	return buf.Bytes(), nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// encodePart writes the tree shape, the block statistics and the domain
// references of one part, each section byte aligned.
func encodePart(buf *bytes.Buffer, pm PartMapping, p StreamParams) error {
	w, h := pm.Rect.Dx(), pm.Rect.Dy()
	t, err := treeFromLeaves(w, h, pm.Leaves)
	if err != nil {
		return err
	}
	order := t.leaves()
	minL, maxL := math.MaxInt, 0
	for _, i := range order {
		minL = min(minL, t.nodes[i].level)
		maxL = max(maxL, t.nodes[i].level)
	}
	buf.WriteByte(byte(minL))
	buf.WriteByte(byte(maxL))

	bw := newBitWriter(buf)
	stack := []int32{0}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := &t.nodes[i]
		if n.leaf {
			if n.level > minL {
				bw.writeBit(false)
			}
			continue
		}
		if n.level <= maxL {
			bw.writeBit(true)
		}
		for k := 3; k >= 0; k-- {
			if c := n.children[k]; c >= 0 {
				stack = append(stack, c)
			}
		}
	}
	bw.flush()

	averages := make([]int, len(order))
	deviations := make([]int, len(order))
	for k, i := range order {
		averages[k] = t.nodes[i].res.m.Average
		deviations[k] = t.nodes[i].res.m.Deviation
	}
	q := p.quant()
	ac, dc := p.codecs()
	if err := ac.Encode(&bw, averages, q.aLevels); err != nil {
		return fmt.Errorf("averages: %w", err)
	}
	bw.flush()
	if err := dc.Encode(&bw, deviations, q.dLevels); err != nil {
		return fmt.Errorf("deviations: %w", err)
	}
	bw.flush()

	pools := p.newPoolSet(w, h)
	syms := p.symmetries()
	for _, i := range order {
		n := &t.nodes[i]
		m := n.res.m
		if m.Flat() {
			if m.Deviation != 0 {
				return fmt.Errorf("flat block %v with deviation %d", n.rect, m.Deviation)
			}
			continue
		}
		if m.Deviation == 0 {
			return fmt.Errorf("block %v references a domain without deviation", n.rect)
		}
		count := pools.level(n.level).count
		if m.Domain >= count || int(m.Symmetry) >= syms {
			return &CodecRangeError{Value: m.Domain, Possib: count}
		}
		if p.Inversion {
			bw.writeBit(m.Inverted)
		}
		if syms > 1 {
			bw.writeBits(uint64(m.Symmetry), 3)
		}
		bw.writeBits(uint64(m.Domain), uint8(log2ceil(count)))
	}
	bw.flush()
	return nil
}

// ReadMappingSet parses a stream written by MappingSet.WriteTo.
func ReadMappingSet(r io.Reader) (*MappingSet, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return parseMappingSet(data)
}

func parseMappingSet(data []byte) (*MappingSet, error) {
	if len(data) < 2 || binary.BigEndian.Uint16(data) != streamMagic {
		return nil, ErrInvalidMagic
	}
	if len(data) < headerSize {
		return nil, FormatError("short header")
	}
	ms := &MappingSet{
		Width:  int(binary.BigEndian.Uint16(data[2:])),
		Height: int(binary.BigEndian.Uint16(data[4:])),
	}
	hd := data[6:]
	var ok [3]bool
	p := &ms.Params
	p.ColorModel, ok[0] = enumByID(colorModelIDs, hd[0])
	planes := int(hd[1])
	p.MaxPartSizeLog2 = int(hd[2])
	p.DomainCountLog2 = int(hd[3])
	p.Domains.LevelDivisorLog2 = int(hd[4])
	p.Domains.MultiScale, ok[1] = enumByID(multiScaleIDs, hd[5])
	p.Domains.Portions = Portions{
		Standard:   int(hd[6]),
		Diamond:    int(hd[7]),
		Horizontal: int(hd[8]),
		Vertical:   int(hd[9]),
	}
	p.Rotations, ok[2] = enumByID(rotationIDs, hd[10])
	p.Inversion = hd[11] != 0
	p.AverageStepsLog2 = int(hd[12])
	p.DeviationStepsLog2 = int(hd[13])
	p.AverageCodec.FirstLevelLog2 = int(hd[14])
	p.DeviationCodec.FirstLevelLog2 = int(hd[15])
	if ok != [3]bool{true, true, true} {
		return nil, FormatError("unknown module id in header")
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	if ms.Width == 0 || ms.Height == 0 {
		return nil, FormatError("empty image")
	}

	rects := splitParts(ms.Width, ms.Height, p.MaxPartSizeLog2)
	pos := headerSize
	ms.Planes = make([][]PartMapping, planes)
	for i := range ms.Planes {
		ms.Planes[i] = make([]PartMapping, len(rects))
		for k, rect := range rects {
			if len(data)-pos < 4 {
				return nil, FormatError("truncated part length")
			}
			n := int(binary.BigEndian.Uint32(data[pos:]))
			pos += 4
			if n > len(data)-pos {
				return nil, FormatError("truncated part")
			}
			pm, err := decodePart(data[pos:pos+n], rect, *p)
			if err != nil {
				return nil, fmt.Errorf("plane %d part %d: %w", i, k, err)
			}
			ms.Planes[i][k] = pm
			pos += n
		}
	}
	return ms, nil
}

// check bounds the header values the parser relies on.
func (p StreamParams) check() error {
	switch {
	case p.MaxPartSizeLog2 < 8 || p.MaxPartSizeLog2 > 24:
		return FormatError("part size out of range")
	case p.AverageStepsLog2 < 2 || p.AverageStepsLog2 > 10 || p.DeviationStepsLog2 < 2 || p.DeviationStepsLog2 > 10:
		return FormatError("quantization steps out of range")
	case p.AverageCodec.FirstLevelLog2 > 8 || p.DeviationCodec.FirstLevelLog2 > 8:
		return FormatError("codec setting out of range")
	case p.DomainCountLog2 > 24 || p.Domains.LevelDivisorLog2 > 4:
		return FormatError("domain budget out of range")
	}
	return nil
}

func decodePart(data []byte, rect image.Rectangle, p StreamParams) (PartMapping, error) {
	pm := PartMapping{Rect: rect}
	if len(data) < 2 {
		return pm, FormatError("short part")
	}
	minL, maxL := int(data[0]), int(data[1])
	if minL > maxL {
		return pm, FormatError("leaf levels inverted")
	}
	w, h := rect.Dx(), rect.Dy()
	br := newBitReader(data[2:])
	t := newRangeTree(w, h)
	stack := []int32{0}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		level := t.nodes[i].level
		div := level > maxL
		if !div && level > minL {
			bit, err := br.readBit()
			if err != nil {
				return pm, fmt.Errorf("tree: %w", err)
			}
			div = bit
		}
		if !div {
			continue
		}
		if level == 0 {
			return pm, FormatError("tree divides a single pixel")
		}
		t.divide(i)
		for k := 3; k >= 0; k-- {
			if c := t.nodes[i].children[k]; c >= 0 {
				stack = append(stack, c)
			}
		}
	}
	br.align()

	order := t.leaves()
	q := p.quant()
	ac, dc := p.codecs()
	averages, err := ac.Decode(&br, len(order), q.aLevels)
	if err != nil {
		return pm, fmt.Errorf("averages: %w", err)
	}
	br.align()
	deviations, err := dc.Decode(&br, len(order), q.dLevels)
	if err != nil {
		return pm, fmt.Errorf("deviations: %w", err)
	}
	br.align()

	pools := p.newPoolSet(w, h)
	syms := p.symmetries()
	pm.Leaves = make([]RangeBlock, len(order))
	for k, i := range order {
		n := &t.nodes[i]
		m := Mapping{Domain: -1, Average: averages[k], Deviation: deviations[k]}
		if m.Deviation != 0 {
			if p.Inversion {
				if m.Inverted, err = br.readBit(); err != nil {
					return pm, fmt.Errorf("inversion: %w", err)
				}
			}
			if syms > 1 {
				s, err := br.readBits(3)
				if err != nil {
					return pm, fmt.Errorf("symmetry: %w", err)
				}
				m.Symmetry = uint8(s)
			}
			count := pools.level(n.level).count
			d, err := br.readBits(uint8(log2ceil(count)))
			if err != nil {
				return pm, fmt.Errorf("domain: %w", err)
			}
			if int(d) >= count {
				return pm, FormatError(fmt.Sprintf("domain %d outside pool of %d", d, count))
			}
			m.Domain = int(d)
		}
		pm.Leaves[k] = RangeBlock{Rect: n.rect, Level: n.level, Mapping: m}
	}
	return pm, nil
}
