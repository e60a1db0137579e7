package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrecision(t *testing.T) {
	cases := map[string]Precision{
		"float16":  PrecisionFP16,
		"fp16":     PrecisionFP16,
		"FP16":     PrecisionFP16,
		"bfloat16": PrecisionBF16,
		"bf16":     PrecisionBF16,
		"float32":  PrecisionFP32,
		" fp32 ":   PrecisionFP32,
	}
	for name, want := range cases {
		got, err := ParsePrecision(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParsePrecision("int8")
	assert.ErrorIs(t, err, ErrUnsupportedDtype)
}

func TestElementSize(t *testing.T) {
	assert.Equal(t, 2, PrecisionFP16.ElementSize())
	assert.Equal(t, 2, PrecisionBF16.ElementSize())
	assert.Equal(t, 4, PrecisionFP32.ElementSize())
}
