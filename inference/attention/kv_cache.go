// Package attention - Attention metadata, KV-cache layout and metadata builders.
package attention

import (
	"math/rand"

	"github.com/nvr-ai/layerbench/common"
	"github.com/pkg/errors"
)

// ErrSlotOutOfRange is returned when a slot or block index exceeds the cache.
var ErrSlotOutOfRange = errors.New("kv cache slot out of range")

// FullAttentionSpec describes the per-layer KV-cache page layout of a full
// (non-sliding) attention layer.
type FullAttentionSpec struct {
	BlockSize  int              `json:"blockSize"  yaml:"blockSize"`
	NumKVHeads int              `json:"numKvHeads" yaml:"numKvHeads"`
	HeadSize   int              `json:"headSize"   yaml:"headSize"`
	Dtype      common.Precision `json:"dtype"      yaml:"dtype"`
}

// PageSizeBytes is the size of one block holding both keys and values.
func (s FullAttentionSpec) PageSizeBytes() uint64 {
	return 2 * uint64(s.BlockSize) * uint64(s.NumKVHeads) * uint64(s.HeadSize) * uint64(s.Dtype.ElementSize())
}

// BlocksFor returns the number of blocks that hold tokens tokens.
func (s FullAttentionSpec) BlocksFor(tokens int) int {
	if tokens <= 0 || s.BlockSize <= 0 {
		return 0
	}
	return (tokens + s.BlockSize - 1) / s.BlockSize
}

// tokenWidth is the number of values stored per token for keys (or values).
func (s FullAttentionSpec) tokenWidth() int {
	return s.NumKVHeads * s.HeadSize
}

// PagedKVCache stores keys and values in fixed-size blocks addressed through a
// block table. Blocks are materialised on first touch, so an untouched block
// costs no host memory even though its bytes are reserved on the device.
//
// Layout of one block: [slot in block][kv head][head dim], keys and values in
// separate arrays. Values are held as float32 whatever the spec dtype.
type PagedKVCache struct {
	spec      FullAttentionSpec
	numBlocks int
	blocks    map[int]kvBlock
	seed      int64
}

type kvBlock struct {
	keys   []float32
	values []float32
}

// NewPagedKVCache creates a cache with numBlocks blocks.
//
// Arguments:
//   - spec: The page layout.
//   - numBlocks: The number of blocks.
//   - seed: Seeds the contents of newly touched blocks.
//
// Returns:
//   - *PagedKVCache: The cache.
func NewPagedKVCache(spec FullAttentionSpec, numBlocks int, seed int64) *PagedKVCache {
	return &PagedKVCache{
		spec:      spec,
		numBlocks: numBlocks,
		blocks:    make(map[int]kvBlock),
		seed:      seed,
	}
}

// Spec returns the page layout.
func (c *PagedKVCache) Spec() FullAttentionSpec {
	return c.spec
}

// NumBlocks returns the block count.
func (c *PagedKVCache) NumBlocks() int {
	return c.numBlocks
}

// Bytes returns the reserved size of the cache at the spec dtype.
func (c *PagedKVCache) Bytes() uint64 {
	return uint64(c.numBlocks) * c.spec.PageSizeBytes()
}

// Resident returns the number of materialised blocks.
func (c *PagedKVCache) Resident() int {
	return len(c.blocks)
}

// block materialises block b with deterministic pseudo-history so attention
// over never-written context reads plausible activations instead of zeros.
func (c *PagedKVCache) block(b int) ([]float32, []float32, error) {
	if b < 0 || b >= c.numBlocks {
		return nil, nil, errors.Wrapf(ErrSlotOutOfRange, "block %d of %d", b, c.numBlocks)
	}
	blk, ok := c.blocks[b]
	if !ok {
		size := c.spec.BlockSize * c.spec.tokenWidth()
		rng := rand.New(rand.NewSource(c.seed + int64(b)))
		blk = kvBlock{keys: make([]float32, size), values: make([]float32, size)}
		for i := range blk.keys {
			blk.keys[i] = float32(rng.NormFloat64())
			blk.values[i] = float32(rng.NormFloat64())
		}
		c.blocks[b] = blk
	}
	return blk.keys, blk.values, nil
}

// Write stores one token's keys and values at slot.
func (c *PagedKVCache) Write(slot int64, key, value []float32) error {
	width := c.spec.tokenWidth()
	if len(key) != width || len(value) != width {
		return errors.Errorf("kv write expects %d values, got key=%d value=%d", width, len(key), len(value))
	}
	if slot < 0 {
		return errors.Wrapf(ErrSlotOutOfRange, "slot %d", slot)
	}
	b, off := int(slot/int64(c.spec.BlockSize)), int(slot%int64(c.spec.BlockSize))
	k, v, err := c.block(b)
	if err != nil {
		return err
	}
	copy(k[off*width:(off+1)*width], key)
	copy(v[off*width:(off+1)*width], value)
	return nil
}

// Token returns the key and value vectors of kvHead at offset within block.
func (c *PagedKVCache) Token(block, offset, kvHead int) ([]float32, []float32, error) {
	k, v, err := c.block(block)
	if err != nil {
		return nil, nil, err
	}
	hs := c.spec.HeadSize
	start := offset*c.spec.tokenWidth() + kvHead*hs
	return k[start : start+hs], v[start : start+hs], nil
}
