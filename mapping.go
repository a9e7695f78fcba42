package fic

import "image"

// Mapping is the affine map approximating one range block. It stores the
// quantized average and standard deviation of the block; the decoder
// stretches the domain to them:
// range(p) = avg ± dev*(domain(sym(p)) - mean(domain))/stddev(domain).
type Mapping struct {
	// Domain is the index in the level's domain pool; -1 marks a flat
	// block that only carries Average.
	Domain   int
	Symmetry uint8
	// Inverted selects the minus sign, i.e. a negative linear coefficient.
	Inverted bool
	// Deviation is the quantized standard deviation; 0 only for flat
	// blocks.
	Deviation int
	Average   int
}

// Flat reports whether m ignores its domain.
func (m Mapping) Flat() bool { return m.Domain < 0 }

// RangeBlock is a leaf of a part's quad-tree.
type RangeBlock struct {
	// Rect is the block clipped to the part, in part coordinates.
	Rect    image.Rectangle
	Level   int
	Mapping Mapping
}

// PartMapping is the encoded form of one part of one plane.
type PartMapping struct {
	// Rect locates the part inside its plane.
	Rect image.Rectangle
	// Leaves lists the quad-tree leaves in Hilbert order.
	Leaves []RangeBlock
}

// StreamParams holds the settings the decoder needs to rebuild the
// domain pools and dequantize the block statistics.
type StreamParams struct {
	ColorModel         ColorModel
	MaxPartSizeLog2    int
	DomainCountLog2    int
	Domains            DomainsConfig
	Rotations          RotationMode
	Inversion          bool
	AverageStepsLog2   int
	DeviationStepsLog2 int
	AverageCodec       VLIConfig
	DeviationCodec     VLIConfig
}

func streamParams(c Config) StreamParams {
	return StreamParams{
		ColorModel:         c.Color.Model,
		MaxPartSizeLog2:    c.Parts.MaxPartSizeLog2,
		DomainCountLog2:    c.DomainCountLog2,
		Domains:            c.Domains,
		Rotations:          c.Encoder.Rotations,
		Inversion:          c.Encoder.Inversion,
		AverageStepsLog2:   c.Encoder.AverageStepsLog2,
		DeviationStepsLog2: c.Encoder.DeviationStepsLog2,
		AverageCodec:       c.Encoder.AverageCodec,
		DeviationCodec:     c.Encoder.DeviationCodec,
	}
}

func (p StreamParams) quant() coeffQuant {
	return newCoeffQuant(p.AverageStepsLog2, p.DeviationStepsLog2)
}

func (p StreamParams) codecs() (average, deviation intCodec) {
	return newVLICodec(p.AverageCodec), newVLICodec(p.DeviationCodec)
}

func (p StreamParams) symmetries() int {
	if p.Rotations == Classic8 {
		return symmetries
	}
	return 1
}

// domainCountLog2 is the per-orientation budget: with all eight
// symmetries allowed every position counts eight times.
func (p StreamParams) domainCountLog2() int {
	if p.Rotations == Classic8 {
		return p.DomainCountLog2 - 3
	}
	return p.DomainCountLog2
}

func (p StreamParams) newPoolSet(w, h int) *poolSet {
	return newPoolSet(p.Domains, w, h, p.domainCountLog2())
}

// MappingSet is the encoded representation of a whole image.
type MappingSet struct {
	Width, Height int
	Params        StreamParams
	// Planes holds one PartMapping per part, indexed [plane][part].
	Planes [][]PartMapping
}
