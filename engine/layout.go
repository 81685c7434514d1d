package engine

// CacheLayout is a pure, stateless function object fixing the logical shape
// of one cache space (the key reservation or the value reservation) and the
// mapping from (slot, token, layer) to a byte offset within it. It carries
// no mutable state and is safe for concurrent use.
//
// Logical shape: [MaxBatchSize, MaxSeqLen, NumLayers, NumKVHeads, HeadDim],
// row-major, leftmost axis outermost. Head and dim axes are implicit in the
// offsets CacheLayout returns — callers index them on the tensor view they
// already hold.
type CacheLayout struct {
	MaxBatchSize int64
	MaxSeqLen    int64
	NumLayers    int64
	NumKVHeads   int64
	HeadDim      int64
	ElemBytes    int64
	PageBytes    int64

	tokenStride int64 // bytes spanned by one token's (layer, head, dim) row
	layerStride int64 // bytes spanned by one (head, dim) row within a token
	slotStride  int64 // bytes spanned by one slot (== S_slot)
}

// newCacheLayout builds a CacheLayout and precomputes its strides. Callers
// must have already validated S_slot mod PageBytes == 0; newCacheLayout does
// not re-check it.
func newCacheLayout(maxBatchSize, maxSeqLen, numLayers, numKVHeads, headDim, elemBytes, pageBytes int64) CacheLayout {
	layerStride := numKVHeads * headDim * elemBytes
	tokenStride := numLayers * layerStride
	slotStride := maxSeqLen * tokenStride
	return CacheLayout{
		MaxBatchSize: maxBatchSize,
		MaxSeqLen:    maxSeqLen,
		NumLayers:    numLayers,
		NumKVHeads:   numKVHeads,
		HeadDim:      headDim,
		ElemBytes:    elemBytes,
		PageBytes:    pageBytes,
		tokenStride:  tokenStride,
		layerStride:  layerStride,
		slotStride:   slotStride,
	}
}

// SlotStrideBytes returns S_slot, the per-slot byte stride.
func (l CacheLayout) SlotStrideBytes() int64 { return l.slotStride }

// ReservationBytes returns R, the full cache-space reservation size.
func (l CacheLayout) ReservationBytes() int64 { return l.MaxBatchSize * l.slotStride }

// ReservationPages returns R / P, or 0 when the layout has no page size
// (legacy mode).
func (l CacheLayout) ReservationPages() int64 {
	if l.PageBytes == 0 {
		return 0
	}
	return l.ReservationBytes() / l.PageBytes
}

// SlotPages returns S_slot / P, the number of pages owned by one slot.
func (l CacheLayout) SlotPages() int64 { return l.slotStride / l.PageBytes }

// SlotBase returns the byte offset of the first byte owned by slot.
func (l CacheLayout) SlotBase(slot int64) int64 { return slot * l.slotStride }

// CellOffset returns the byte offset of cell (slot, token, layer); the head
// and dim axes are implicit — add head*HeadDim*ElemBytes + dim*ElemBytes
// on top if addressing a single scalar.
func (l CacheLayout) CellOffset(slot, token, layer int64) int64 {
	return l.SlotBase(slot) + token*l.tokenStride + layer*l.layerStride
}

// PagesForTokens returns the number of pages required to cover the first
// tokens tokens of one slot: ceil(tokens * NumLayers * NumKVHeads * HeadDim
// * ElemBytes / P).
func (l CacheLayout) PagesForTokens(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	bytes := tokens * l.tokenStride
	return (bytes + l.PageBytes - 1) / l.PageBytes
}

// BlockBytesSize returns the per-block byte cost for both the key and value
// cache spaces combined, mirroring the reference CacheEngineVMM's static
// get_cache_block_size helper. Used by profiling/inspection tooling, not by
// the hot path.
func (l CacheLayout) BlockBytesSize() int64 { return 2 * l.PageBytes }
