package engine

// AddressingMode tags which of the two mutually-exclusive cache-addressing
// conventions a StepMetadata value carries. Generalizing the reference's
// use_vmm boolean (threaded through every field) into a tagged union: a
// StepMetadata carries exactly one of SlotAddressing or BlockAddressing,
// and components switch on Mode rather than branching on a flag scattered
// through the struct.
type AddressingMode int

const (
	// SlotAddressed is VMM mode: new K/V rows are addressed directly by
	// (slot, token) coordinates with no block-table indirection.
	SlotAddressed AddressingMode = iota
	// BlockAddressed is legacy mode: new K/V rows are addressed through a
	// per-sequence block table into a shared pooled cache.
	BlockAddressed
)

// PadSlotID is the sentinel flat cell index used to pad slot_mapping up to
// a captured graph's batch size in legacy mode.
const PadSlotID int64 = -1

// SlotAddressing carries VMM-mode cache-write coordinates.
type SlotAddressing struct {
	CacheBatchIdx []int64 // (num_requests,) slot id per request
	RowMapping    []int64 // (num_tokens,) slot id per new token
	ColMapping    []int64 // (num_tokens,) token position per new token
}

// BlockAddressing carries legacy-mode cache-write coordinates.
type BlockAddressing struct {
	SlotMapping []int64   // (num_tokens,) flat cell index per new token
	BlockTables [][]int64 // (num_requests, max_blocks) padded
}

// EncoderMetadata mirrors the decoder's sequence-length bookkeeping for an
// optional encoder or cross-attention pass. The decoder core never inspects
// it; it exists purely as a parallel field a separate encoder-side
// assembler populates and an encoder-aware attention call consumes.
type EncoderMetadata struct {
	SeqLens       []int64
	SeqStartLoc   []int64
	MaxSeqLen     int64
	NumTokens     int64
	CrossSlotMapping []int64
}

// StepMetadata is the per-step descriptor consumed by the Cache-Write
// Bridge and the attention kernel contract. Exactly one of Slot or Block is
// meaningful, selected by Mode.
type StepMetadata struct {
	Mode AddressingMode

	NumPrefills      int64
	NumPrefillTokens int64
	NumDecodeTokens  int64

	MaxQueryLen       int64
	MaxPrefillSeqLen  int64
	MaxDecodeSeqLen   int64
	MaxDecodeQueryLen int64

	QueryStartLoc []int64 // (num_requests+1,)
	SeqStartLoc   []int64 // (num_requests+1,)
	SeqLens       []int64 // (num_requests,)
	ContextLens   []int64 // (num_requests,)

	Slot  SlotAddressing
	Block BlockAddressing

	UseCudaGraph bool

	Encoder *EncoderMetadata

	cachedPrefill *StepMetadata
	cachedDecode  *StepMetadata
}

// NumRequests returns the number of requests this step's metadata covers.
func (m *StepMetadata) NumRequests() int64 {
	if m == nil || len(m.QueryStartLoc) == 0 {
		return 0
	}
	return int64(len(m.QueryStartLoc) - 1)
}

// NumTokens returns num_prefill_tokens + num_decode_tokens.
func (m *StepMetadata) NumTokens() int64 {
	if m == nil {
		return 0
	}
	return m.NumPrefillTokens + m.NumDecodeTokens
}

// invalidateViews clears the memoized sub-views. Called by the Step
// Advancer before mutating metadata in place, since the cached views would
// otherwise silently go stale (design note: "logically immutable once
// built, invalidated by advance_step by clearing the cache before
// mutating").
func (m *StepMetadata) invalidateViews() {
	m.cachedPrefill = nil
	m.cachedDecode = nil
}

// PrefillView returns the sub-view of m covering only its prefill requests
// and tokens, or nil if there are none. Built on first access and cached
// thereafter (the cache is invalidated only by advance_step's
// invalidateViews, never mutated in place by the caller).
func (m *StepMetadata) PrefillView() *StepMetadata {
	if m == nil || m.NumPrefills == 0 {
		return nil
	}
	if m.cachedPrefill != nil {
		return m.cachedPrefill
	}

	nr := m.NumPrefills
	view := &StepMetadata{
		Mode:              m.Mode,
		NumPrefills:       m.NumPrefills,
		NumPrefillTokens:  m.NumPrefillTokens,
		NumDecodeTokens:   0,
		MaxQueryLen:       m.MaxQueryLen,
		MaxPrefillSeqLen:  m.MaxPrefillSeqLen,
		MaxDecodeQueryLen: 0,
		MaxDecodeSeqLen:   0,
		QueryStartLoc:     m.QueryStartLoc[:nr+1],
		SeqStartLoc:       m.SeqStartLoc[:nr+1],
		SeqLens:           sliceInt64(m.SeqLens, 0, nr),
		ContextLens:       sliceInt64(m.ContextLens, 0, nr),
		UseCudaGraph:      false,
		Encoder:           m.Encoder,
	}
	switch m.Mode {
	case SlotAddressed:
		view.Slot = SlotAddressing{
			CacheBatchIdx: sliceInt64(m.Slot.CacheBatchIdx, 0, nr),
			RowMapping:    sliceInt64(m.Slot.RowMapping, 0, m.NumPrefillTokens),
			ColMapping:    sliceInt64(m.Slot.ColMapping, 0, m.NumPrefillTokens),
		}
	case BlockAddressed:
		view.Block = BlockAddressing{
			BlockTables: sliceBlockTables(m.Block.BlockTables, 0, nr),
			SlotMapping: sliceInt64(m.Block.SlotMapping, 0, m.NumPrefillTokens),
		}
	}
	m.cachedPrefill = view
	return view
}

// DecodeView returns the complementary sub-view covering only m's decode
// requests and tokens, or nil if there are none. query_start_loc is rebased
// so decode indices start at 0 (invariant 5): decode_view.QueryStartLoc[0]
// == 0 and its last entry == NumDecodeTokens.
func (m *StepMetadata) DecodeView() *StepMetadata {
	if m == nil || m.NumDecodeTokens == 0 {
		return nil
	}
	if m.cachedDecode != nil {
		return m.cachedDecode
	}

	nr := m.NumRequests()
	base := m.QueryStartLoc[m.NumPrefills]
	rebased := make([]int64, nr-m.NumPrefills+1)
	for i, v := range m.QueryStartLoc[m.NumPrefills:] {
		rebased[i] = v - base
	}

	view := &StepMetadata{
		Mode:              m.Mode,
		NumPrefills:       0,
		NumPrefillTokens:  0,
		NumDecodeTokens:   m.NumDecodeTokens,
		MaxQueryLen:       m.MaxQueryLen,
		MaxPrefillSeqLen:  0,
		MaxDecodeSeqLen:   m.MaxDecodeSeqLen,
		MaxDecodeQueryLen: m.MaxDecodeQueryLen,
		QueryStartLoc:     rebased,
		SeqStartLoc:       m.SeqStartLoc[m.NumPrefills:],
		SeqLens:           sliceInt64(m.SeqLens, m.NumPrefills, nr),
		ContextLens:       sliceInt64(m.ContextLens, m.NumPrefills, nr),
		UseCudaGraph:      m.UseCudaGraph,
		Encoder:           m.Encoder,
	}
	switch m.Mode {
	case SlotAddressed:
		view.Slot = SlotAddressing{
			CacheBatchIdx: sliceInt64(m.Slot.CacheBatchIdx, m.NumPrefills, nr),
			RowMapping:    sliceInt64(m.Slot.RowMapping, m.NumPrefillTokens, m.NumTokens()),
			ColMapping:    sliceInt64(m.Slot.ColMapping, m.NumPrefillTokens, m.NumTokens()),
		}
		view.UseCudaGraph = false
	case BlockAddressed:
		view.Block = BlockAddressing{
			BlockTables: sliceBlockTables(m.Block.BlockTables, m.NumPrefills, nr),
			SlotMapping: sliceInt64(m.Block.SlotMapping, m.NumPrefillTokens, m.NumTokens()),
		}
	}
	m.cachedDecode = view
	return view
}

func sliceInt64(s []int64, start, end int64) []int64 {
	if s == nil {
		return nil
	}
	return s[start:end]
}

func sliceBlockTables(s [][]int64, start, end int64) [][]int64 {
	if s == nil {
		return nil
	}
	return s[start:end]
}
