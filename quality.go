package fic

import "math"

// QualityConverter turns a quality in [0,1] into the largest square error
// accepted for a block of pixelCount pixels (samples in [0,1]).
type QualityConverter interface {
	RangeSE(quality float64, pixelCount int) float64
}

var qualityConverters = map[QualityConverterKind]QualityConverter{
	ConstantSE:  constantSE{},
	ConstantMSE: constantMSE{},
}

// constantSE allows the same square error for every block size.
type constantSE struct{}

func (constantSE) RangeSE(quality float64, _ int) float64 {
	return 4.0 / 64 * (math.Exp2((1-quality)*6) - 1)
}

// constantMSE allows the same mean square error for every block size,
// matching constantSE at 9x9 blocks.
type constantMSE struct{}

func (constantMSE) RangeSE(quality float64, pixelCount int) float64 {
	return constantSE{}.RangeSE(quality, pixelCount) * float64(pixelCount) / 81
}
