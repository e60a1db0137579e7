package models

import (
	"bytes"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/nvr-ai/layerbench/device"
	"github.com/nvr-ai/layerbench/models/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	cfg, err := Lookup("Qwen/Qwen3-8B")
	require.NoError(t, err)
	assert.Equal(t, 4096, cfg.HiddenSize)
	assert.Equal(t, 12288, cfg.IntermediateSize)
	assert.Equal(t, 32, cfg.NumAttentionHeads)
	assert.Equal(t, 8, cfg.NumKeyValueHeads)
	assert.Equal(t, 128, cfg.HeadDim)
	assert.NoError(t, cfg.Validate())

	for _, name := range Names() {
		cfg, err := Lookup(name)
		require.NoError(t, err, name)
		assert.NoError(t, cfg.Validate(), name)
	}
	assert.Contains(t, Names(), string(model.NameQwen3Tiny))

	_, err = Lookup("meta-llama/Llama-3-8B")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestNewCausalLM(t *testing.T) {
	dev := device.NewHost(device.WithLogger(log.New(&bytes.Buffer{})))
	t.Cleanup(func() { _ = dev.Close() })

	cfg, err := Lookup(string(model.NameQwen3Tiny))
	require.NoError(t, err)
	lm, err := NewCausalLM(cfg, model.NewModelArgs{Device: dev})
	require.NoError(t, err)
	assert.Len(t, lm.DecoderLayers(), 1)
	assert.Equal(t, cfg, lm.Config())

	cfg.Family = "mamba"
	_, err = NewCausalLM(cfg, model.NewModelArgs{Device: dev})
	assert.Error(t, err)
}
