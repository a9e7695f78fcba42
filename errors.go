package fic

import (
	"errors"
	"fmt"
	"image"
)

// ErrInvalidMagic is returned when a stream does not start with the fractal image magic.
var ErrInvalidMagic = errors.New("fic: invalid magic number")

// FormatError reports a malformed mapping stream.
type FormatError string

func (e FormatError) Error() string { return "fic: invalid format: " + string(e) }

// ConfigError reports a configuration value outside its declared bounds
// or a module name that does not resolve to an implementation.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("fic: config %s=%v: %s", e.Field, e.Value, e.Reason)
}

// ShapeMismatchError reports a decode target whose shape disagrees with
// the stream metadata.
type ShapeMismatchError struct {
	Want image.Point
	Got  image.Point
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("fic: shape mismatch: stream is %dx%d, target is %dx%d",
		e.Want.X, e.Want.Y, e.Got.X, e.Got.Y)
}

// CodecRangeError reports a symbol the VLI codec cannot represent.
type CodecRangeError struct {
	Value  int
	Possib int
}

func (e *CodecRangeError) Error() string {
	return fmt.Sprintf("fic: value %d outside codec range [0,%d)", e.Value, e.Possib)
}

// JobError wraps the failure of one (plane, part) encode job.
type JobError struct {
	Plane int
	Part  int
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("fic: plane %d part %d: %v", e.Plane, e.Part, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }
