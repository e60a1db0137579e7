package attention

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// BackendPaged is the name of the paged decode attention backend.
const BackendPaged = "paged"

var (
	// ErrUnknownBackend is returned by LookupBackend for an unregistered name.
	ErrUnknownBackend = errors.New("unknown attention backend")
	// ErrInvalidMetadata is returned by Build when the batch does not fit the layout.
	ErrInvalidMetadata = errors.New("invalid attention metadata")
	// ErrCascadeUnsupported is returned for a non-zero common prefix length.
	ErrCascadeUnsupported = errors.New("cascade attention is not supported")
)

// BuilderConfig bounds the batches a builder accepts.
type BuilderConfig struct {
	MaxNumSeqs  int
	MaxModelLen int
}

// Metadata is the backend-specific view of a batch consumed by attention
// layers.
type Metadata struct {
	Backend         string
	LayerNames      []string
	NumReqs         int
	NumActualTokens int
	MaxQueryLen     int
	MaxSeqLen       int
	QueryStartLoc   []int32
	SeqLens         []int32
	BlockTable      [][]int32
	SlotMapping     []int64
	Causal          bool
	// UniformDecode reports that every request has exactly one new token.
	UniformDecode   bool
	CommonPrefixLen int
}

// Position returns the absolute position of query token q of request r.
func (m *Metadata) Position(r, q int) int {
	qlen := int(m.QueryStartLoc[r+1] - m.QueryStartLoc[r])
	return int(m.SeqLens[r]) - qlen + q
}

// MetadataBuilder turns common metadata into backend metadata.
type MetadataBuilder interface {
	// Build converts common into backend metadata. fastBuild skips the
	// per-element consistency checks.
	Build(commonPrefixLen int, common *CommonAttentionMetadata, fastBuild bool) (*Metadata, error)
}

// Backend is an attention implementation that owns a metadata format.
type Backend interface {
	Name() string
	NewBuilder(spec FullAttentionSpec, layerNames []string, cfg BuilderConfig) MetadataBuilder
}

var (
	backendsMu sync.RWMutex
	backends   = map[string]Backend{}
)

// RegisterBackend makes a backend available by name.
func RegisterBackend(b Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[b.Name()] = b
}

// LookupBackend returns a registered backend.
func LookupBackend(name string) (Backend, error) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	b, ok := backends[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownBackend, "%q", name)
	}
	return b, nil
}

// Backends lists registered backend names in sorted order.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterBackend(PagedBackend{})
}

// PagedBackend attends over a paged KV cache addressed by a block table.
type PagedBackend struct{}

// Name implements Backend.
func (PagedBackend) Name() string { return BackendPaged }

// NewBuilder implements Backend.
func (PagedBackend) NewBuilder(spec FullAttentionSpec, layerNames []string, cfg BuilderConfig) MetadataBuilder {
	return &pagedBuilder{spec: spec, layerNames: append([]string(nil), layerNames...), cfg: cfg}
}

type pagedBuilder struct {
	spec       FullAttentionSpec
	layerNames []string
	cfg        BuilderConfig
}

func (b *pagedBuilder) Build(commonPrefixLen int, common *CommonAttentionMetadata, fastBuild bool) (*Metadata, error) {
	if common == nil {
		return nil, errors.Wrap(ErrInvalidMetadata, "nil common metadata")
	}
	if commonPrefixLen != 0 {
		return nil, errors.Wrapf(ErrCascadeUnsupported, "common prefix length %d", commonPrefixLen)
	}
	if err := b.checkShapes(common); err != nil {
		return nil, err
	}
	if !fastBuild {
		if err := b.checkValues(common); err != nil {
			return nil, err
		}
	}

	uniform := common.NumReqs > 0 && common.MaxQueryLen == 1 && common.NumActualTokens == common.NumReqs
	return &Metadata{
		Backend:         BackendPaged,
		LayerNames:      b.layerNames,
		NumReqs:         common.NumReqs,
		NumActualTokens: common.NumActualTokens,
		MaxQueryLen:     common.MaxQueryLen,
		MaxSeqLen:       common.MaxSeqLen,
		QueryStartLoc:   common.QueryStartLoc,
		SeqLens:         common.SeqLens,
		BlockTable:      common.BlockTable,
		SlotMapping:     common.SlotMapping,
		Causal:          common.Causal,
		UniformDecode:   uniform,
		CommonPrefixLen: commonPrefixLen,
	}, nil
}

func (b *pagedBuilder) checkShapes(c *CommonAttentionMetadata) error {
	switch {
	case len(c.QueryStartLoc) != c.NumReqs+1:
		return errors.Wrapf(ErrInvalidMetadata, "query_start_loc has %d entries for %d requests", len(c.QueryStartLoc), c.NumReqs)
	case len(c.SeqLens) != c.NumReqs:
		return errors.Wrapf(ErrInvalidMetadata, "seq_lens has %d entries for %d requests", len(c.SeqLens), c.NumReqs)
	case len(c.BlockTable) != c.NumReqs:
		return errors.Wrapf(ErrInvalidMetadata, "block table has %d rows for %d requests", len(c.BlockTable), c.NumReqs)
	case len(c.SlotMapping) != c.NumActualTokens:
		return errors.Wrapf(ErrInvalidMetadata, "slot mapping has %d entries for %d tokens", len(c.SlotMapping), c.NumActualTokens)
	case b.cfg.MaxNumSeqs > 0 && c.NumReqs > b.cfg.MaxNumSeqs:
		return errors.Wrapf(ErrInvalidMetadata, "%d requests exceed max_num_seqs %d", c.NumReqs, b.cfg.MaxNumSeqs)
	case b.cfg.MaxModelLen > 0 && c.MaxSeqLen > b.cfg.MaxModelLen:
		return errors.Wrapf(ErrInvalidMetadata, "max seq len %d exceeds max_model_len %d", c.MaxSeqLen, b.cfg.MaxModelLen)
	}
	return nil
}

func (b *pagedBuilder) checkValues(c *CommonAttentionMetadata) error {
	if c.NumReqs > 0 && c.QueryStartLoc[0] != 0 {
		return errors.Wrapf(ErrInvalidMetadata, "query_start_loc starts at %d", c.QueryStartLoc[0])
	}
	for r := 0; r < c.NumReqs; r++ {
		qlen := c.QueryStartLoc[r+1] - c.QueryStartLoc[r]
		if qlen < 0 {
			return errors.Wrapf(ErrInvalidMetadata, "query_start_loc decreases at request %d", r)
		}
		seq := int(c.SeqLens[r])
		if int(qlen) > seq {
			return errors.Wrapf(ErrInvalidMetadata, "request %d has %d new tokens but seq len %d", r, qlen, seq)
		}
		if capacity := len(c.BlockTable[r]) * b.spec.BlockSize; seq > capacity {
			return errors.Wrapf(ErrInvalidMetadata, "request %d seq len %d exceeds %d block slots", r, seq, capacity)
		}
	}
	if c.NumReqs > 0 && int(c.QueryStartLoc[c.NumReqs]) != c.NumActualTokens {
		return errors.Wrapf(ErrInvalidMetadata, "query_start_loc ends at %d for %d tokens", c.QueryStartLoc[c.NumReqs], c.NumActualTokens)
	}
	return nil
}
