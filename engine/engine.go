package engine

import (
	"github.com/sirupsen/logrus"
)

// Engine is the top-level object a scheduler and model runner share: it
// owns the cache geometry, the addressing-mode-specific slot/block
// bookkeeping, the Metadata Assembler, and the Cache-Write Bridge, and
// exposes the admit/extend/terminate (scheduler-facing) and
// build_step/write_kv/advance_step (model-runner-facing) operations as
// methods.
type Engine struct {
	cfg    EngineConfig
	layout CacheLayout
	logger *logrus.Logger

	slots     *SlotTable // VMM mode only
	blockPool *BlockPool // legacy mode only

	assembler *Assembler
	writer    *WriteBridge

	requestSlot map[string]int64 // VMM mode: request ID -> assigned slot
	freeSlots   []int64          // VMM mode: unassigned slot ids; Admit takes the first, Terminate appends
}

// New validates cfg, reserves cache space on a PageAllocator backend (via
// NewHostPageAllocatorFunc — see engine/hostpages), logs the resolved
// geometry, and performs the one-page bootstrap allocation every slot needs
// before its first real EnsureCapacity call, mirroring the reference
// CacheEngineVMM's "allocate one block for each ptr, otherwise wrap to
// tensor will fail" step. writer stands in for the external fused-kernel
// cell-write implementation.
func New(cfg EngineConfig, writer CellWriter) (*Engine, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	layout := cfg.Layout()
	cfg.Logger.WithFields(logrus.Fields{
		"max_batch_size":     cfg.MaxBatchSize,
		"max_seq_len":        cfg.MaxSeqLen,
		"num_layers":         cfg.NumLayers,
		"num_kv_heads":       cfg.NumKVHeads,
		"head_dim":           cfg.HeadDim,
		"elem_bytes":         cfg.ElemBytes,
		"slot_stride_bytes":  layout.SlotStrideBytes(),
		"reservation_bytes":  layout.ReservationBytes(),
		"reservation_pages":  layout.ReservationPages(),
		"block_bytes_size":   layout.BlockBytesSize(),
		"use_vmm":            cfg.UseVMM,
	}).Info("kv cache geometry resolved")

	e := &Engine{cfg: cfg, layout: layout, logger: cfg.Logger}

	if cfg.UseVMM {
		alloc, err := newHostPageAllocator(layout.PageBytes)
		if err != nil {
			return nil, err
		}
		slots, err := NewSlotTable(layout, alloc, cfg.Logger)
		if err != nil {
			return nil, err
		}
		e.slots = slots
		e.assembler = NewAssembler(cfg.Logger)
		e.writer = NewWriteBridge(layout, slots.KeyReservation(), slots.ValueReservation(), writer)

		e.requestSlot = make(map[string]int64)
		e.freeSlots = make([]int64, cfg.MaxBatchSize)
		for i := range e.freeSlots {
			e.freeSlots[i] = int64(i)
		}

		if err := e.bootstrapAllocate(); err != nil {
			return nil, err
		}
	} else {
		e.blockPool = NewBlockPool(cfg.NumBlocks, cfg.BlockSize)
		maxBlocks := (cfg.MaxSeqLen + cfg.BlockSize - 1) / cfg.BlockSize
		e.assembler = NewLegacyAssembler(cfg.BlockSize, cfg.MaxBatchSize, maxBlocks, cfg.Logger)
		// In legacy mode the Cache-Write Bridge addresses the single shared
		// block-pool reservation directly; WriteBridge's keyRes/valRes are
		// unused placeholders since cellOffsets for BlockAddressed mode never
		// consults them.
		e.writer = NewWriteBridge(layout, Reservation{}, Reservation{}, writer)
	}

	return e, nil
}

// bootstrapAllocate maps one page into every slot's key and value
// reservation up front, so the very first real write never has to grow a
// slot from zero pages — a zero-page slot's base address is otherwise
// unsafe to hand to a tensor view.
func (e *Engine) bootstrapAllocate() error {
	if e.slots == nil {
		return nil
	}
	bootstrap := make(map[int64]int64, e.cfg.MaxBatchSize)
	for i := int64(0); i < e.cfg.MaxBatchSize; i++ {
		// One token is enough to force pages_for_tokens() to round up to at
		// least one mapped page.
		bootstrap[i] = 1
	}
	return e.slots.EnsureCapacity(bootstrap)
}

// Admit assigns seqID a fresh slot (VMM mode) and grows it to cover
// initialTokens, or allocates its legacy block table (legacy mode). Returns
// ResourceExhausted if no slot/blocks are available.
func (e *Engine) Admit(seqID string, initialTokens int64, promptTokenIDs []int64) error {
	if e.cfg.UseVMM {
		if _, ok := e.requestSlot[seqID]; ok {
			return newErr(PreconditionViolated, "admit: request %s already admitted", seqID)
		}
		if len(e.freeSlots) == 0 {
			return newErr(ResourceExhausted, "admit: no free slots (max_batch_size=%d)", e.cfg.MaxBatchSize)
		}
		slot := e.freeSlots[0]
		e.freeSlots = e.freeSlots[1:]
		if err := e.slots.EnsureCapacity(map[int64]int64{slot: initialTokens}); err != nil {
			e.freeSlots = append([]int64{slot}, e.freeSlots...)
			return err
		}
		e.requestSlot[seqID] = slot
		return nil
	}
	if _, ok := e.blockPool.AllocateBlocks(seqID, promptTokenIDs); !ok {
		return newErr(ResourceExhausted, "admit: not enough free blocks for request %s (%d tokens)", seqID, len(promptTokenIDs))
	}
	return nil
}

// Extend grows an already-admitted request to cover newTotalTokens (VMM
// mode) or extends its block table to cover allTokenIDs (legacy mode, where
// growth is expressed in terms of the full token sequence so prefix-hash
// reuse can apply to newly appended blocks too).
func (e *Engine) Extend(seqID string, newTotalTokens int64, allTokenIDs []int64) error {
	if e.cfg.UseVMM {
		slot, ok := e.requestSlot[seqID]
		if !ok {
			return newErr(PreconditionViolated, "extend: request %s was never admitted", seqID)
		}
		return e.slots.EnsureCapacity(map[int64]int64{slot: newTotalTokens})
	}
	e.blockPool.ReleaseBlocks(seqID)
	if _, ok := e.blockPool.AllocateBlocks(seqID, allTokenIDs); !ok {
		return newErr(ResourceExhausted, "extend: not enough free blocks for request %s (%d tokens)", seqID, len(allTokenIDs))
	}
	return nil
}

// Terminate releases everything seqID owns, returning its slot (VMM) or
// blocks (legacy) to the free pool.
func (e *Engine) Terminate(seqID string) error {
	if e.cfg.UseVMM {
		slot, ok := e.requestSlot[seqID]
		if !ok {
			return nil
		}
		delete(e.requestSlot, seqID)
		e.freeSlots = append(e.freeSlots, slot)
		return e.slots.Release([]int64{slot})
	}
	e.blockPool.ReleaseBlocks(seqID)
	return nil
}

// BuildStep assembles this step's metadata from requests via the Engine's
// configured Assembler.
func (e *Engine) BuildStep(requests []RequestDescriptor, opts BuildStepOptions) (*StepMetadata, error) {
	return e.assembler.BuildStep(requests, opts)
}

// AdvanceStep mutates metadata in place for the next captured-graph decode
// iteration via the Engine's configured Assembler.
func (e *Engine) AdvanceStep(metadata *StepMetadata, opts AdvanceOptions) error {
	return e.assembler.AdvanceStep(metadata, opts)
}

// WriteKV writes fresh K/V rows for layer into the cells metadata
// designates, via the Engine's Cache-Write Bridge.
func (e *Engine) WriteKV(layer int64, K, V []KVRow, metadata *StepMetadata) error {
	return e.writer.WriteKV(layer, K, V, metadata)
}

// Layout exposes the resolved CacheLayout, e.g. for building AttentionArgs.
func (e *Engine) Layout() CacheLayout { return e.layout }

// Config exposes the resolved, validated EngineConfig.
func (e *Engine) Config() EngineConfig { return e.cfg }

// SlotOf returns the slot assigned to seqID in VMM mode, or false if seqID
// is unknown or the engine is in legacy mode.
func (e *Engine) SlotOf(seqID string) (int64, bool) {
	slot, ok := e.requestSlot[seqID]
	return slot, ok
}

// BlockTableOf returns the block id sequence assigned to seqID in legacy
// mode, or nil in VMM mode.
func (e *Engine) BlockTableOf(seqID string) []int64 {
	if e.blockPool == nil {
		return nil
	}
	return e.blockPool.BlockTable(seqID)
}

// SwapIn would copy seqID's blocks from CPU-side swap space back into the
// cache. Mirrors the reference CacheEngineVMM's swap_in, which raises
// NotImplementedError outright: CPU-side swap/eviction is a Non-goal here
// too, so this stub exists only to keep the distilled call surface complete.
func (e *Engine) SwapIn(seqID string) error {
	return newErr(NotImplemented, "swap_in: CPU-side swap is not implemented")
}

// SwapOut would copy seqID's blocks out to CPU-side swap space. Mirrors the
// reference CacheEngineVMM's swap_out for the same reason SwapIn does.
func (e *Engine) SwapOut(seqID string) error {
	return newErr(NotImplemented, "swap_out: CPU-side swap is not implemented")
}
