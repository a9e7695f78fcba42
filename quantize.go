package fic

import "math"

// coeffQuant quantizes the two statistics a mapping stores for its range
// block: the average in [0,1] and the standard deviation in [0,0.5].
//
// Both use 2^k levels. A value is truncated to its level and dequantized
// to the level's midpoint, so the rounding error is at most half a step.
// Deviation level 0 marks a flat block that only carries its average.
type coeffQuant struct {
	avgLog2 int
	devLog2 int
	aLevels int
	dLevels int
}

func newCoeffQuant(averageLog2, deviationLog2 int) coeffQuant {
	return coeffQuant{
		avgLog2: averageLog2,
		devLog2: deviationLog2,
		aLevels: 1 << averageLog2,
		dLevels: 1 << deviationLog2,
	}
}

// quantizeByPower maps f in [0, possib/2^scale] to a level in [0, possib).
func quantizeByPower(f float64, scale, possib int) int {
	level := int(math.Ldexp(f, scale))
	return min(max(level, 0), possib-1)
}

func dequantizeByPower(level, scale int) float64 {
	return math.Ldexp(float64(level)+0.5, -scale)
}

func (q coeffQuant) quantAverage(avg float64) int {
	return quantizeByPower(avg, q.avgLog2, q.aLevels)
}

func (q coeffQuant) average(level int) float64 {
	return dequantizeByPower(level, q.avgLog2)
}

// The deviation range is half the average range, hence one more bit of
// scale for the same level count.
func (q coeffQuant) quantDeviation(dev float64) int {
	return quantizeByPower(dev, q.devLog2+1, q.dLevels)
}

func (q coeffQuant) deviation(level int) float64 {
	if level == 0 {
		return 0
	}
	return dequantizeByPower(level, q.devLog2+1)
}

// linear returns the coefficients s and b of s*D+b that give a domain
// with sum dSum and square sum d2Sum over n samples the average and
// deviation stored in m. ok is false for flat mappings and for domains
// too flat to be stretched, which are rendered with the average alone.
func (q coeffQuant) linear(m Mapping, n, dSum, d2Sum float64) (s, b float64, ok bool) {
	avg := q.average(m.Average)
	test := n*d2Sum - dSum*dSum
	if m.Flat() || test <= flatDomain*n*n {
		return 0, avg, false
	}
	s = n * q.deviation(m.Deviation) / math.Sqrt(test)
	if m.Inverted {
		s = -s
	}
	return s, avg - s*dSum/n, true
}

// flatDomain bounds the variance below which a domain carries no usable
// structure.
const flatDomain = 1e-10
