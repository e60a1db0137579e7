// Package common - Types shared by the device, model and engine packages.
package common

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrUnsupportedDtype is returned for an unknown precision name.
var ErrUnsupportedDtype = errors.New("unsupported dtype")

// Precision represents the storage precision of model weights and caches.
type Precision string

// Precision constants are the supported precisions for inference.
const (
	PrecisionFP16 Precision = "float16"
	PrecisionBF16 Precision = "bfloat16"
	PrecisionFP32 Precision = "float32"
)

// Precisions lists the canonical precision names.
var Precisions = []Precision{PrecisionFP16, PrecisionBF16, PrecisionFP32}

// ParsePrecision maps a dtype name or alias to a Precision.
//
// Arguments:
//   - name: One of float16, fp16, bfloat16, bf16, float32, fp32 (case-insensitive).
//
// Returns:
//   - Precision: The canonical precision.
//   - error: ErrUnsupportedDtype for any other name.
func ParsePrecision(name string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "float16", "fp16", "half":
		return PrecisionFP16, nil
	case "bfloat16", "bf16":
		return PrecisionBF16, nil
	case "float32", "fp32", "float":
		return PrecisionFP32, nil
	default:
		return "", errors.Wrapf(ErrUnsupportedDtype, "%q", name)
	}
}

// ElementSize returns the number of bytes per element.
func (p Precision) ElementSize() int {
	switch p {
	case PrecisionFP16, PrecisionBF16:
		return 2
	default:
		return 4
	}
}

// String returns the canonical name.
func (p Precision) String() string {
	return string(p)
}
