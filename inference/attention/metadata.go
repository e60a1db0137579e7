package attention

// DefaultBlockSize is used when a uniform decode batch is built without a
// positive block size.
const DefaultBlockSize = 512

// CommonAttentionMetadata describes one batch independently of the attention
// backend that will consume it.
type CommonAttentionMetadata struct {
	// QueryStartLoc holds cumulative query offsets, len NumReqs+1.
	QueryStartLoc []int32
	// SeqLens holds the context length of each request including new tokens.
	SeqLens []int32
	// NumComputedTokens holds the tokens already in the cache per request.
	NumComputedTokens []int32
	NumReqs           int
	NumActualTokens   int
	MaxQueryLen       int
	MaxSeqLen         int
	// BlockTable maps each request to its cache blocks.
	BlockTable [][]int32
	// SlotMapping maps each new token to its cache slot.
	SlotMapping []int64
	Causal      bool
}

// NewUniformDecode builds a decode-only batch of numReqs requests, each with
// one new token and seqLen tokens of context. Requests own disjoint,
// consecutive blocks and tokens are written to slots 0..numReqs-1.
//
// Arguments:
//   - numReqs: The number of requests.
//   - seqLen: The context length of every request.
//   - blockSize: Tokens per cache block, DefaultBlockSize when not positive.
//
// Returns:
//   - *CommonAttentionMetadata: The batch description.
func NewUniformDecode(numReqs, seqLen, blockSize int) *CommonAttentionMetadata {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	pagesPerSeq := (max(seqLen, 1) + blockSize - 1) / blockSize

	m := &CommonAttentionMetadata{
		QueryStartLoc:     make([]int32, numReqs+1),
		SeqLens:           make([]int32, numReqs),
		NumComputedTokens: make([]int32, numReqs),
		NumReqs:           numReqs,
		NumActualTokens:   numReqs,
		MaxQueryLen:       1,
		MaxSeqLen:         seqLen,
		BlockTable:        make([][]int32, numReqs),
		SlotMapping:       make([]int64, numReqs),
		Causal:            true,
	}
	if numReqs == 0 {
		m.MaxQueryLen = 0
	}

	for i := 0; i < numReqs; i++ {
		m.QueryStartLoc[i+1] = int32(i + 1)
		m.SeqLens[i] = int32(seqLen)
		m.NumComputedTokens[i] = int32(max(seqLen-1, 0))
		row := make([]int32, pagesPerSeq)
		for j := range row {
			row[j] = int32(i*pagesPerSeq + j)
		}
		m.BlockTable[i] = row
		m.SlotMapping[i] = int64(i)
	}
	return m
}

// QueryLen returns the number of new tokens of request r.
func (m *CommonAttentionMetadata) QueryLen(r int) int {
	return int(m.QueryStartLoc[r+1] - m.QueryStartLoc[r])
}

// NumBlocksUsed returns the highest block id referenced plus one.
func (m *CommonAttentionMetadata) NumBlocksUsed() int {
	n := 0
	for _, row := range m.BlockTable {
		for _, b := range row {
			n = max(n, int(b)+1)
		}
	}
	return n
}
