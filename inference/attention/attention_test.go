package attention

import (
	"testing"

	"github.com/nvr-ai/layerbench/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec() FullAttentionSpec {
	return FullAttentionSpec{BlockSize: 4, NumKVHeads: 2, HeadSize: 3, Dtype: common.PrecisionFP16}
}

func TestPageSizeBytes(t *testing.T) {
	s := FullAttentionSpec{BlockSize: 16, NumKVHeads: 8, HeadSize: 128, Dtype: common.PrecisionBF16}
	assert.Equal(t, uint64(2*16*8*128*2), s.PageSizeBytes())

	s.Dtype = common.PrecisionFP32
	assert.Equal(t, uint64(2*16*8*128*4), s.PageSizeBytes())

	assert.Equal(t, 0, s.BlocksFor(0))
	assert.Equal(t, 1, s.BlocksFor(16))
	assert.Equal(t, 2, s.BlocksFor(17))
}

func TestNewUniformDecode(t *testing.T) {
	m := NewUniformDecode(3, 10, 4)

	assert.Equal(t, 3, m.NumReqs)
	assert.Equal(t, 3, m.NumActualTokens)
	assert.Equal(t, 1, m.MaxQueryLen)
	assert.Equal(t, 10, m.MaxSeqLen)
	assert.Equal(t, []int32{0, 1, 2, 3}, m.QueryStartLoc)
	assert.Equal(t, []int32{10, 10, 10}, m.SeqLens)
	assert.Equal(t, []int32{9, 9, 9}, m.NumComputedTokens)
	assert.Equal(t, [][]int32{{0, 1, 2}, {3, 4, 5}, {6, 7, 8}}, m.BlockTable)
	assert.Equal(t, []int64{0, 1, 2}, m.SlotMapping)
	assert.True(t, m.Causal)
	assert.Equal(t, 9, m.NumBlocksUsed())
	assert.Equal(t, 1, m.QueryLen(2))
}

func TestNewUniformDecodeDefaults(t *testing.T) {
	m := NewUniformDecode(2, 1000, 0)
	assert.Equal(t, [][]int32{{0, 1}, {2, 3}}, m.BlockTable)

	// A zero-length context still owns one page.
	m = NewUniformDecode(1, 0, 16)
	assert.Equal(t, [][]int32{{0}}, m.BlockTable)
	assert.Equal(t, []int32{0}, m.NumComputedTokens)

	m = NewUniformDecode(0, 8, 16)
	assert.Equal(t, []int32{0}, m.QueryStartLoc)
	assert.Empty(t, m.SlotMapping)
	assert.Equal(t, 0, m.MaxQueryLen)
}

func TestPagedBuilder(t *testing.T) {
	backend, err := LookupBackend(BackendPaged)
	require.NoError(t, err)
	assert.Contains(t, Backends(), BackendPaged)

	builder := backend.NewBuilder(testSpec(), []string{"layers.0.attn"}, BuilderConfig{MaxNumSeqs: 4, MaxModelLen: 64})
	md, err := builder.Build(0, NewUniformDecode(2, 7, 4), false)
	require.NoError(t, err)

	assert.Equal(t, BackendPaged, md.Backend)
	assert.Equal(t, []string{"layers.0.attn"}, md.LayerNames)
	assert.True(t, md.UniformDecode)
	assert.Equal(t, 6, md.Position(1, 0))
}

func TestPagedBuilderRejects(t *testing.T) {
	builder := PagedBackend{}.NewBuilder(testSpec(), nil, BuilderConfig{MaxNumSeqs: 2, MaxModelLen: 16})

	_, err := builder.Build(4, NewUniformDecode(1, 8, 4), false)
	assert.ErrorIs(t, err, ErrCascadeUnsupported)

	_, err = builder.Build(0, NewUniformDecode(3, 8, 4), false)
	assert.ErrorIs(t, err, ErrInvalidMetadata)

	_, err = builder.Build(0, NewUniformDecode(1, 32, 4), false)
	assert.ErrorIs(t, err, ErrInvalidMetadata)

	// Built with a larger page size than the cache layout: too few slots.
	short := NewUniformDecode(1, 8, 8)
	_, err = builder.Build(0, short, false)
	assert.ErrorIs(t, err, ErrInvalidMetadata)

	// fastBuild skips the per-request checks.
	_, err = builder.Build(0, short, true)
	assert.NoError(t, err)

	bad := NewUniformDecode(1, 8, 4)
	bad.SlotMapping = nil
	_, err = builder.Build(0, bad, true)
	assert.ErrorIs(t, err, ErrInvalidMetadata)

	_, err = builder.Build(0, nil, false)
	assert.ErrorIs(t, err, ErrInvalidMetadata)

	_, err = LookupBackend("flash")
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestPagedKVCache(t *testing.T) {
	spec := testSpec()
	c := NewPagedKVCache(spec, 2, 7)

	assert.Equal(t, uint64(2)*spec.PageSizeBytes(), c.Bytes())
	assert.Equal(t, 0, c.Resident())

	key := []float32{1, 2, 3, 4, 5, 6}
	val := []float32{-1, -2, -3, -4, -5, -6}
	require.NoError(t, c.Write(5, key, val))
	assert.Equal(t, 1, c.Resident())

	k, v, err := c.Token(1, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 5, 6}, k)
	assert.Equal(t, []float32{-4, -5, -6}, v)

	// Untouched blocks are seeded deterministically.
	k0, _, err := c.Token(0, 0, 0)
	require.NoError(t, err)
	other := NewPagedKVCache(spec, 2, 7)
	k1, _, err := other.Token(0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, k0, k1)

	assert.ErrorIs(t, c.Write(8, key, val), ErrSlotOutOfRange)
	assert.ErrorIs(t, c.Write(-1, key, val), ErrSlotOutOfRange)
	assert.Error(t, c.Write(0, key[:2], val))
	_, _, err = c.Token(2, 0, 0)
	assert.ErrorIs(t, err, ErrSlotOutOfRange)
}
