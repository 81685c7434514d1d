package engine

// AdvanceOptions carries the per-call flags and shapes advance_step needs
// beyond the metadata itself: metadata, sampled_token_ids, num_seqs,
// num_queries, turn_prefills_into_decodes.
type AdvanceOptions struct {
	// NumSeqs is the (possibly graph-padded) batch size this call operates
	// over. Every per-request index tensor (seq_lens, context_lens,
	// slot_mapping/row+col mapping, block_tables) must already have this
	// many entries.
	NumSeqs int64

	// NumQueries is the true request count: only the first NumQueries
	// entries of seq_lens/context_lens are live requests this step actually
	// advances. Entries in [NumQueries, NumSeqs) are graph-capture padding
	// left untouched.
	NumQueries int64

	// SampledTokenIDs carries the token ids the device-side sampler already
	// produced for this step, passed through to the fused device kernel that
	// performs the actual seq_lens/slot_mapping/block_tables/input_positions
	// update. This package never inspects their values; it only resolves
	// where those tokens land.
	SampledTokenIDs []int64

	// TurnPrefillsIntoDecodes is set on the first decode step after a batch
	// of prefills finished in the same captured graph: every prefill becomes
	// a one-token decode rather than being re-assembled from scratch.
	TurnPrefillsIntoDecodes bool

	// NewSlots supplies the (slot, token) coordinates VMM mode needs for
	// newly-appended tokens, one entry per request in metadata, in request
	// order. Ignored in legacy mode.
	NewSlots []int64

	// NewBlockTableEntries supplies, for any request whose next token
	// crosses into a fresh block, the block id to append to that request's
	// row of graph_block_tables. Keyed by request index; absent entries mean
	// no new block is needed this step. Legacy mode only.
	NewBlockTableEntries map[int]int64
}

// AdvanceStep mutates metadata in place for the next decode iteration of a
// CUDA-graph-captured sequence of steps, avoiding the allocation and
// host-device transfer a full rebuild via Assembler.BuildStep would cost.
// Only applicable when metadata.UseCudaGraph is set; advancing a
// non-captured step's metadata gains nothing over simply building a fresh
// one, so AdvanceStep refuses it.
//
// Called only for pure-decode steps with graph capture active, between two
// kernel replays: with TurnPrefillsIntoDecodes set, this call performs the
// one-time prefill-to-decode conversion instead of an ordinary advance; with
// it clear, the preconditions num_prefills == 0, max_query_len == 1, and
// every index tensor sized to num_seqs are asserted before advancing.
func (a *Assembler) AdvanceStep(metadata *StepMetadata, opts AdvanceOptions) error {
	if metadata == nil {
		return newErr(PreconditionViolated, "advance_step: metadata is nil")
	}
	if !metadata.UseCudaGraph {
		return newErr(PreconditionViolated, "advance_step: metadata was not built with graph capture active")
	}

	metadata.invalidateViews()

	if opts.TurnPrefillsIntoDecodes {
		metadata.NumDecodeTokens += metadata.NumPrefills
		metadata.NumPrefillTokens = 0
		metadata.NumPrefills = 0
		metadata.MaxPrefillSeqLen = 0
		metadata.MaxQueryLen = 1
		if metadata.MaxDecodeQueryLen < 1 {
			metadata.MaxDecodeQueryLen = 1
		}
		if opts.NumSeqs > 0 {
			if int64(len(metadata.Block.SlotMapping)) > opts.NumSeqs {
				metadata.Block.SlotMapping = metadata.Block.SlotMapping[:opts.NumSeqs]
			}
			if int64(len(metadata.Slot.RowMapping)) > opts.NumSeqs {
				metadata.Slot.RowMapping = metadata.Slot.RowMapping[:opts.NumSeqs]
			}
			if int64(len(metadata.Slot.ColMapping)) > opts.NumSeqs {
				metadata.Slot.ColMapping = metadata.Slot.ColMapping[:opts.NumSeqs]
			}
		}
		return nil
	}

	if metadata.NumPrefills != 0 {
		return newErr(PreconditionViolated, "advance_step: precondition violated, num_prefills must be 0, got %d", metadata.NumPrefills)
	}
	if metadata.MaxQueryLen != 1 {
		return newErr(PreconditionViolated, "advance_step: precondition violated, max_query_len must be 1, got %d", metadata.MaxQueryLen)
	}
	nr := metadata.NumRequests()
	if opts.NumSeqs > 0 && nr != opts.NumSeqs {
		return newErr(PreconditionViolated, "advance_step: precondition violated, index tensor shapes (%d) must match num_seqs (%d)", nr, opts.NumSeqs)
	}
	nq := opts.NumQueries
	if nq == 0 {
		nq = nr
	}
	if nq > nr {
		return newErr(PreconditionViolated, "advance_step: num_queries (%d) exceeds num_seqs (%d)", nq, nr)
	}
	if int64(len(opts.NewSlots)) != 0 && int64(len(opts.NewSlots)) != nq {
		return newErr(PreconditionViolated, "advance_step: expected %d new slot entries, got %d", nq, len(opts.NewSlots))
	}

	for i := int64(0); i < nq; i++ {
		metadata.SeqLens[i]++
		metadata.ContextLens[i]++
	}
	// Each of the first nq sequences grows by exactly one token this step,
	// so seq_start_loc[j] shifts by min(j, nq) — one per preceding advanced
	// sequence — rather than needing a full recomputation from seq_lens.
	for i := int64(1); i < int64(len(metadata.SeqStartLoc)); i++ {
		shift := i
		if nq < shift {
			shift = nq
		}
		metadata.SeqStartLoc[i] += shift
	}
	if max := maxOf(metadata.SeqLens); max > metadata.MaxDecodeSeqLen {
		metadata.MaxDecodeSeqLen = max
	}

	switch metadata.Mode {
	case SlotAddressed:
		if len(opts.NewSlots) > 0 {
			for i, slot := range opts.NewSlots {
				metadata.Slot.RowMapping[i] = slot
				metadata.Slot.ColMapping[i] = metadata.ContextLens[i] - 1
			}
		}
	case BlockAddressed:
		for i, id := range opts.NewBlockTableEntries {
			if i < 0 || int64(i) >= nq {
				return newErr(PreconditionViolated, "advance_step: block table entry index %d out of range for %d requests", i, nq)
			}
			row := metadata.Block.BlockTables[i]
			pos := (metadata.ContextLens[i] - 1) / a.blockSize
			if pos < int64(len(row)) {
				row[pos] = id
			}
		}
		for i := int64(0); i < nq; i++ {
			if int(i) < len(metadata.Block.SlotMapping) {
				metadata.Block.SlotMapping[i]++
			}
		}
	}

	return nil
}
