package fic

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"slices"

	"golang.org/x/exp/maps"
)

// ColorModel names a reversible linear colour transform.
type ColorModel string

const (
	ColorRGB   ColorModel = "rgb"
	ColorYCbCr ColorModel = "ycbcr"
	ColorGray  ColorModel = "gray"
)

// QualityConverterKind names a policy turning quality into error thresholds.
type QualityConverterKind string

const (
	ConstantSE  QualityConverterKind = "constant-se"
	ConstantMSE QualityConverterKind = "constant-mse"
)

// MultiScale selects how downscaled domain pools share a shape's quota.
type MultiScale string

const (
	MultiScaleNone       MultiScale = "none"
	MultiScaleNoDecrease MultiScale = "no-decrease"
	MultiScaleHalf       MultiScale = "half"
)

// PredictorKind names a domain candidate generator.
type PredictorKind string

const (
	BruteForce PredictorKind = "brute-force"
	Saupe      PredictorKind = "saupe"
)

// RotationMode selects the allowed block symmetries.
type RotationMode string

const (
	IdentityOnly RotationMode = "identity"
	Classic8     RotationMode = "classic-8"
)

// PenaltyKind selects how the linear coefficient is penalised.
type PenaltyKind string

const (
	PenaltyQuadratic PenaltyKind = "quadratic"
	PenaltyLinear    PenaltyKind = "linear"
)

// Config is the resolved configuration tree of an encoder.
type Config struct {
	// MaxThreads bounds the worker pool; 0 means runtime.NumCPU().
	MaxThreads int `json:"maxThreads"`
	// Quality is the user facing quality percentage.
	Quality          int                  `json:"quality"`
	QualityConverter QualityConverterKind `json:"qualityConverter"`
	// DomainCountLog2 is the log2 of the domain budget for 4x4 ranges,
	// symmetry variants included.
	DomainCountLog2 int `json:"domainCountLog2"`

	Color    ColorConfig    `json:"color"`
	Parts    PartsConfig    `json:"parts"`
	QuadTree QuadTreeConfig `json:"quadTree"`
	Domains  DomainsConfig  `json:"domains"`
	Encoder  EncoderConfig  `json:"encoder"`
}

// ColorConfig selects the colour model the image is split with.
type ColorConfig struct {
	Model ColorModel `json:"model"`
	// QualityMul scales Quality per plane.
	QualityMul [3]float64 `json:"qualityMul"`
}

// PartsConfig bounds the area of the independently encoded parts.
type PartsConfig struct {
	MaxPartSizeLog2 int `json:"maxPartSizeLog2"`
}

// QuadTreeConfig sets the range block levels the partitioner may use:
// blocks never exceed 1<<MaxLevel and are never split below 1<<MinLevel.
// Heuristic lets it skip fitting blocks that are certain to be split.
type QuadTreeConfig struct {
	MinLevel  int  `json:"minLevel"`
	MaxLevel  int  `json:"maxLevel"`
	Heuristic bool `json:"heuristic"`
}

// DomainsConfig shapes the domain pools. Both encoder and decoder build
// them from these values alone.
type DomainsConfig struct {
	LevelDivisorLog2 int        `json:"levelDivisorLog2"`
	MultiScale       MultiScale `json:"multiScale"`
	Portions         Portions   `json:"portions"`
}

// Portions weights the share of each domain shape in a level's quota.
type Portions struct {
	Standard   int `json:"standard"`
	Diamond    int `json:"diamond"`
	Horizontal int `json:"horizontal"`
	Vertical   int `json:"vertical"`
}

// EncoderConfig tunes the domain search and the quantization of the
// block statistics.
type EncoderConfig struct {
	Predictor            PredictorConfig `json:"predictor"`
	Rotations            RotationMode    `json:"rotations"`
	Inversion            bool            `json:"inversion"`
	Penalty              PenaltyKind     `json:"penalty"`
	BigScaleCoeff        float64         `json:"bigScaleCoeff"`
	QuantErrors          bool            `json:"quantErrors"`
	MaxLinCoeff          float64         `json:"maxLinCoeff"`
	SufficientSEQuotient float64         `json:"sufficientSEQuotient"`
	AverageStepsLog2     int             `json:"averageStepsLog2"`
	DeviationStepsLog2   int             `json:"deviationStepsLog2"`
	AverageCodec         VLIConfig       `json:"averageCodec"`
	DeviationCodec       VLIConfig       `json:"deviationCodec"`
}

// PredictorConfig chooses how candidate domains are proposed. ChunkSize
// and MaxPredictionsPercent only apply to the saupe predictor.
type PredictorConfig struct {
	Kind                  PredictorKind `json:"kind"`
	ChunkSize             int           `json:"chunkSize"`
	MaxPredictionsPercent float64       `json:"maxPredictionsPercent"`
}

// VLIConfig parametrizes the variable-length integer code of one
// statistic; FirstLevelLog2 is the bit width of its shortest codes.
type VLIConfig struct {
	FirstLevelLog2 int `json:"firstLevelLog2"`
}

// DefaultConfig returns the settings used when no settings file is given.
func DefaultConfig() Config {
	return Config{
		Quality:          90,
		QualityConverter: ConstantSE,
		DomainCountLog2:  15,
		Color: ColorConfig{
			Model:      ColorYCbCr,
			QualityMul: [3]float64{1, 0.5, 0.5},
		},
		Parts:    PartsConfig{MaxPartSizeLog2: 20},
		QuadTree: QuadTreeConfig{MinLevel: 2, MaxLevel: 12, Heuristic: true},
		Domains: DomainsConfig{
			MultiScale: MultiScaleNone,
			Portions:   Portions{Standard: 1},
		},
		Encoder: EncoderConfig{
			Predictor: PredictorConfig{
				Kind:                  Saupe,
				ChunkSize:             8,
				MaxPredictionsPercent: 5,
			},
			Rotations:            Classic8,
			Inversion:            true,
			Penalty:              PenaltyQuadratic,
			BigScaleCoeff:        0.25,
			QuantErrors:          true,
			MaxLinCoeff:          1,
			SufficientSEQuotient: 0.05,
			AverageStepsLog2:     7,
			DeviationStepsLog2:   7,
			AverageCodec:         VLIConfig{FirstLevelLog2: 1},
			DeviationCodec:       VLIConfig{FirstLevelLog2: 1},
		},
	}
}

// Validate checks every parameter against its declared bounds and
// resolves every module name. It returns a *ConfigError for the first
// offending field.
func (c Config) Validate() error {
	checks := []error{
		checkInt("maxThreads", c.MaxThreads, 0, 1024),
		checkInt("quality", c.Quality, 0, 100),
		checkEnum("qualityConverter", c.QualityConverter, qualityConverters),
		checkInt("domainCountLog2", c.DomainCountLog2, 0, 24),
		checkEnum("color.model", c.Color.Model, colorModels),
		checkInt("parts.maxPartSizeLog2", c.Parts.MaxPartSizeLog2, 8, 24),
		checkInt("quadTree.minLevel", c.QuadTree.MinLevel, 1, 8),
		checkInt("quadTree.maxLevel", c.QuadTree.MaxLevel, 2, 12),
		checkInt("domains.levelDivisorLog2", c.Domains.LevelDivisorLog2, 0, 4),
		checkEnum("domains.multiScale", c.Domains.MultiScale, multiScaleIDs),
		checkInt("domains.portions.standard", c.Domains.Portions.Standard, 0, 8),
		checkInt("domains.portions.diamond", c.Domains.Portions.Diamond, 0, 8),
		checkInt("domains.portions.horizontal", c.Domains.Portions.Horizontal, 0, 8),
		checkInt("domains.portions.vertical", c.Domains.Portions.Vertical, 0, 8),
		checkEnum("encoder.predictor.kind", c.Encoder.Predictor.Kind, predictors),
		checkInt("encoder.predictor.chunkSize", c.Encoder.Predictor.ChunkSize, 1, 32),
		checkFloat("encoder.predictor.maxPredictionsPercent", c.Encoder.Predictor.MaxPredictionsPercent, 0, 100),
		checkEnum("encoder.rotations", c.Encoder.Rotations, rotationIDs),
		checkEnum("encoder.penalty", c.Encoder.Penalty, penalties),
		checkFloat("encoder.bigScaleCoeff", c.Encoder.BigScaleCoeff, 0, 4),
		checkFloat("encoder.sufficientSEQuotient", c.Encoder.SufficientSEQuotient, 0, 1),
		checkInt("encoder.averageStepsLog2", c.Encoder.AverageStepsLog2, 2, 10),
		checkInt("encoder.deviationStepsLog2", c.Encoder.DeviationStepsLog2, 2, 10),
		checkInt("encoder.averageCodec.firstLevelLog2", c.Encoder.AverageCodec.FirstLevelLog2, 0, 8),
		checkInt("encoder.deviationCodec.firstLevelLog2", c.Encoder.DeviationCodec.FirstLevelLog2, 0, 8),
	}
	for i, m := range c.Color.QualityMul {
		checks = append(checks, checkFloat(fmt.Sprintf("color.qualityMul[%d]", i), m, 0, 1))
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if c.QuadTree.MinLevel > c.QuadTree.MaxLevel {
		return &ConfigError{Field: "quadTree.minLevel", Value: c.QuadTree.MinLevel,
			Reason: fmt.Sprintf("above quadTree.maxLevel %d", c.QuadTree.MaxLevel)}
	}
	if m := c.Encoder.MaxLinCoeff; !(m > 0 && m <= 5) {
		return &ConfigError{Field: "encoder.maxLinCoeff", Value: m, Reason: "must be in (0,5]"}
	}
	return nil
}

func checkInt(field string, v, lo, hi int) error {
	if v < lo || v > hi {
		return &ConfigError{Field: field, Value: v, Reason: fmt.Sprintf("must be in [%d,%d]", lo, hi)}
	}
	return nil
}

func checkFloat(field string, v, lo, hi float64) error {
	if math.IsNaN(v) || v < lo || v > hi {
		return &ConfigError{Field: field, Value: v, Reason: fmt.Sprintf("must be in [%g,%g]", lo, hi)}
	}
	return nil
}

func checkEnum[K ~string, V any](field string, v K, reg map[K]V) error {
	if _, ok := reg[v]; ok {
		return nil
	}
	return &ConfigError{Field: field, Value: v, Reason: fmt.Sprintf("must be one of %v", registeredNames(reg))}
}

func registeredNames[K ~string, V any](reg map[K]V) []K {
	names := maps.Keys(reg)
	slices.Sort(names)
	return names
}

// Stream ordinals of the enumerations that reach the wire.
var (
	colorModelIDs = map[ColorModel]uint8{ColorRGB: 0, ColorYCbCr: 1, ColorGray: 2}
	multiScaleIDs = map[MultiScale]uint8{MultiScaleNone: 0, MultiScaleNoDecrease: 1, MultiScaleHalf: 2}
	rotationIDs   = map[RotationMode]uint8{IdentityOnly: 0, Classic8: 1}
)

func enumByID[K comparable](ids map[K]uint8, id uint8) (K, bool) {
	for k, v := range ids {
		if v == id {
			return k, true
		}
	}
	var zero K
	return zero, false
}

// LoadConfig reads a JSON settings file on top of DefaultConfig and
// validates the result.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("fic: reading settings: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes c as an indented JSON settings file.
func (c Config) Save(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}
