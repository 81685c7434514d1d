package engine

import "github.com/sirupsen/logrus"

// BuildStepOptions carries the per-step flags the Metadata Assembler needs
// beyond the request list itself.
type BuildStepOptions struct {
	ChunkedPrefillEnabled bool
	GraphCaptureActive    bool
	// BatchSize is the target padded batch size when GraphCaptureActive is
	// set; ignored otherwise.
	BatchSize int64
}

// Assembler consumes per-request descriptors from the scheduler and
// produces the device-resident index tensors and scalars the attention
// kernels need for the upcoming step. It is stateless aside from the
// addressing mode and block geometry it was configured with at engine
// construction, and the graph_block_tables scratch buffer legacy mode
// reuses across captured-graph steps.
type Assembler struct {
	mode      AddressingMode
	blockSize int64 // legacy mode only
	maxBlocks int64 // legacy mode only: width of graph_block_tables
	logger    *logrus.Logger

	graphBlockTables [][]int64 // legacy mode scratch buffer, [max_batch][max_blocks]
}

// NewAssembler builds an Assembler for VMM (SlotAddressed) mode.
func NewAssembler(logger *logrus.Logger) *Assembler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Assembler{mode: SlotAddressed, logger: logger}
}

// NewLegacyAssembler builds an Assembler for legacy (BlockAddressed) mode.
// maxBatch and maxBlocks size the reusable graph_block_tables buffer.
func NewLegacyAssembler(blockSize, maxBatch, maxBlocks int64, logger *logrus.Logger) *Assembler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbt := make([][]int64, maxBatch)
	for i := range gbt {
		gbt[i] = make([]int64, maxBlocks)
	}
	return &Assembler{mode: BlockAddressed, blockSize: blockSize, maxBlocks: maxBlocks, logger: logger, graphBlockTables: gbt}
}

// BuildStep assembles one StepMetadata value from requests. Requests must
// already be partitioned prefills-first by the scheduler; an
// empty batch returns (nil, nil) — the whole step is a no-op.
func (a *Assembler) BuildStep(requests []RequestDescriptor, opts BuildStepOptions) (*StepMetadata, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	for _, r := range requests {
		if err := r.validate(); err != nil {
			return nil, err
		}
	}

	m := &StepMetadata{Mode: a.mode, UseCudaGraph: opts.GraphCaptureActive}

	queryLens := make([]int64, 0, len(requests))
	seqLens := make([]int64, 0, len(requests))

	var prefillSeqLens, currSeqLens []int64

	for _, r := range requests {
		ctxLen := r.ContextLen()
		m.ContextLens = append(m.ContextLens, ctxLen)
		queryLens = append(queryLens, r.QueryLen)
		seqLens = append(seqLens, r.SeqLen)

		if r.IsPrompt {
			m.NumPrefills++
			m.NumPrefillTokens += r.QueryLen
			prefillSeqLens = append(prefillSeqLens, r.SeqLen)
		} else {
			m.NumDecodeTokens += r.QueryLen
			currSeqLens = append(currSeqLens, r.SeqLen)
		}
	}
	m.SeqLens = seqLens

	switch a.mode {
	case SlotAddressed:
		a.buildSlotAddressing(m, requests)
	case BlockAddressed:
		if err := a.buildBlockAddressing(m, requests, opts); err != nil {
			return nil, err
		}
	}

	m.QueryStartLoc = cumulative(queryLens)
	m.SeqStartLoc = cumulative(seqLens)

	m.MaxQueryLen = maxOf(queryLens)
	m.MaxPrefillSeqLen = maxOf(prefillSeqLens)
	m.MaxDecodeSeqLen = maxOf(currSeqLens)
	// Zero-decode batches still set max_decode_query_len = 1 to simplify
	// downstream branching; maxQueryLenOfDecodes defaults
	// to 1 when there are no decode requests.
	m.MaxDecodeQueryLen = maxQueryLenOfDecodes(requests)

	a.logger.Debugf("assembled step: num_prefills=%d num_prefill_tokens=%d num_decode_tokens=%d max_query_len=%d",
		m.NumPrefills, m.NumPrefillTokens, m.NumDecodeTokens, m.MaxQueryLen)

	return m, nil
}

func (a *Assembler) buildSlotAddressing(m *StepMetadata, requests []RequestDescriptor) {
	var rowMapping, colMapping, batchIdx []int64
	for _, r := range requests {
		for t := r.ContextLen(); t < r.SeqLen; t++ {
			rowMapping = append(rowMapping, r.Slot)
			colMapping = append(colMapping, t)
		}
		batchIdx = append(batchIdx, r.Slot)
	}
	m.Slot = SlotAddressing{CacheBatchIdx: batchIdx, RowMapping: rowMapping, ColMapping: colMapping}
}

func (a *Assembler) buildBlockAddressing(m *StepMetadata, requests []RequestDescriptor, opts BuildStepOptions) error {
	var slotMapping []int64
	blockTables := make([][]int64, 0, len(requests))

	for _, r := range requests {
		for tokenIdx := r.ContextLen(); tokenIdx < r.SeqLen; tokenIdx++ {
			blockPos := tokenIdx / a.blockSize
			if blockPos >= int64(len(r.BlockTable)) {
				return newErr(PreconditionViolated, "request %s: token index %d needs block table entry %d but block table has %d entries",
					r.ID, tokenIdx, blockPos, len(r.BlockTable))
			}
			slotID := r.BlockTable[blockPos]
			offset := tokenIdx % a.blockSize
			slotMapping = append(slotMapping, slotID*a.blockSize+offset)
		}
		blockTables = append(blockTables, r.BlockTable)
	}
	m.Block = BlockAddressing{SlotMapping: slotMapping}

	if opts.GraphCaptureActive {
		padded := make([][]int64, len(a.graphBlockTables))
		for i := range padded {
			padded[i] = a.graphBlockTables[i]
			for j := range padded[i] {
				padded[i][j] = 0
			}
		}
		for i, bt := range blockTables {
			row := padded[i]
			n := len(bt)
			if int64(n) > a.maxBlocks {
				// Extra lookahead blocks are legal and discarded.
				n = int(a.maxBlocks)
			}
			copy(row[:n], bt[:n])
		}
		m.Block.BlockTables = padded

		if opts.BatchSize > int64(len(slotMapping)) {
			pad := opts.BatchSize - int64(len(slotMapping))
			for i := int64(0); i < pad; i++ {
				slotMapping = append(slotMapping, PadSlotID)
			}
			m.Block.SlotMapping = slotMapping
		}
	} else {
		m.Block.BlockTables = blockTables
	}
	return nil
}

// cumulative returns [0, vals[0], vals[0]+vals[1], ...].
func cumulative(vals []int64) []int64 {
	out := make([]int64, len(vals)+1)
	for i, v := range vals {
		out[i+1] = out[i] + v
	}
	return out
}

func maxOf(vals []int64) int64 {
	var m int64
	for _, v := range vals {
		if v > m {
			m = v
		}
	}
	return m
}

func maxQueryLenOfDecodes(requests []RequestDescriptor) int64 {
	var m int64 = 1
	for _, r := range requests {
		if !r.IsPrompt && r.QueryLen > m {
			m = r.QueryLen
		}
	}
	return m
}
