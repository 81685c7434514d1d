package engine

// AttentionArgs is the call contract the core hands to an external
// variable-length fused-attention kernel once a step's metadata has been
// assembled and the cache written. The core never implements attention
// itself — it only produces and validates this argument set.
type AttentionArgs struct {
	Q, K, V []byte // already laid out for the kernel; opaque to the core

	CuSeqLensQ, CuSeqLensK []int64
	MaxSeqLenQ, MaxSeqLenK int64

	SoftmaxScale float64
	Causal       bool
	WindowSize   [2]int64 // (left, right); (-1,-1) = unbounded

	AlibiSlopes []float64
	Softcap     float64

	Out []byte

	// Present only when reading from a populated cache rather than raw K/V.
	BlockTable    [][]int64
	CacheBatchIdx []int64
	KUsedLens     []int64

	// Descale factors are required whenever the cache stores a quantized
	// dtype; ValidateFor enforces this rather than leaving it to the kernel
	// to reject silently wrong results.
	QDescale, KDescale, VDescale []float64
}

// ValidateFor checks args against the cache dtype a particular engine
// configuration implies (descale factors present when quantized), and that
// cu_seqlens are non-empty and softmax_scale is positive, before ever
// reaching the kernel boundary. It does not check the addressing fields.
func (args AttentionArgs) ValidateFor(cfg EngineConfig) error {
	if cfg.CacheDtype.quantized() {
		if len(args.QDescale) == 0 || len(args.KDescale) == 0 || len(args.VDescale) == 0 {
			return newErr(PreconditionViolated, "attention call: dtype %v is quantized, descale factors are required for Q, K and V", cfg.CacheDtype)
		}
	}
	if len(args.CuSeqLensQ) == 0 || len(args.CuSeqLensK) == 0 {
		return newErr(PreconditionViolated, "attention call: cu_seqlens_q and cu_seqlens_k must be non-empty")
	}
	if args.SoftmaxScale <= 0 {
		return newErr(PreconditionViolated, "attention call: softmax_scale must be > 0, got %v", args.SoftmaxScale)
	}
	return nil
}

// FromStepMetadata populates the cu_seqlens/max_seqlen/addressing fields of
// AttentionArgs from an assembled step, leaving Q/K/V/Out and kernel tuning
// knobs (softmax_scale, causal, window, alibi, softcap, descale) for the
// caller to fill in — those depend on the model and quantization scheme,
// not on cache geometry.
func FromStepMetadata(m *StepMetadata) AttentionArgs {
	var args AttentionArgs
	if m == nil {
		return args
	}
	args.CuSeqLensQ = m.QueryStartLoc
	args.CuSeqLensK = m.SeqStartLoc
	args.MaxSeqLenQ = m.MaxQueryLen
	if m.MaxPrefillSeqLen > m.MaxDecodeSeqLen {
		args.MaxSeqLenK = m.MaxPrefillSeqLen
	} else {
		args.MaxSeqLenK = m.MaxDecodeSeqLen
	}
	switch m.Mode {
	case SlotAddressed:
		args.CacheBatchIdx = m.Slot.CacheBatchIdx
	case BlockAddressed:
		args.BlockTable = m.Block.BlockTables
	}
	args.KUsedLens = m.SeqLens
	return args
}
