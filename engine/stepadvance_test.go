package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssembler_AdvanceStep_RejectsNonCapturedMetadata(t *testing.T) {
	a := NewAssembler(nil)
	m := &StepMetadata{UseCudaGraph: false}
	err := a.AdvanceStep(m, AdvanceOptions{})
	assert.Error(t, err)
}

func TestAssembler_AdvanceStep_SlotAddressed_IncrementsSeqLensAndRemapsTokens(t *testing.T) {
	a := NewAssembler(nil)
	m := &StepMetadata{
		Mode:              SlotAddressed,
		UseCudaGraph:      true,
		NumDecodeTokens:   2,
		MaxQueryLen:       1,
		QueryStartLoc:     []int64{0, 1, 2},
		SeqStartLoc:       []int64{0, 5, 10},
		SeqLens:           []int64{5, 5},
		ContextLens:       []int64{5, 5},
		MaxDecodeSeqLen:   5,
		MaxDecodeQueryLen: 1,
		Slot: SlotAddressing{
			RowMapping: []int64{7, 9},
			ColMapping: []int64{4, 4},
		},
	}
	err := a.AdvanceStep(m, AdvanceOptions{NumSeqs: 2, NumQueries: 2, NewSlots: []int64{7, 9}})
	require.NoError(t, err)

	assert.Equal(t, []int64{6, 6}, m.SeqLens)
	assert.Equal(t, []int64{6, 6}, m.ContextLens)
	assert.EqualValues(t, 6, m.MaxDecodeSeqLen)
	assert.Equal(t, []int64{5, 5}, m.Slot.ColMapping)
	assert.Equal(t, []int64{7, 9}, m.Slot.RowMapping)
}

func TestAssembler_AdvanceStep_RejectsWhenPreconditionsViolated(t *testing.T) {
	a := NewAssembler(nil)
	base := func() *StepMetadata {
		return &StepMetadata{
			Mode:            SlotAddressed,
			UseCudaGraph:    true,
			MaxQueryLen:     1,
			QueryStartLoc:   []int64{0, 1, 2},
			SeqStartLoc:     []int64{0, 5, 10},
			SeqLens:         []int64{5, 5},
			ContextLens:     []int64{5, 5},
			MaxDecodeSeqLen: 5,
			Slot:            SlotAddressing{RowMapping: []int64{7, 9}, ColMapping: []int64{4, 4}},
		}
	}

	withPrefills := base()
	withPrefills.NumPrefills = 1
	assert.Error(t, a.AdvanceStep(withPrefills, AdvanceOptions{NumSeqs: 2, NumQueries: 2}))

	withBadQueryLen := base()
	withBadQueryLen.MaxQueryLen = 2
	assert.Error(t, a.AdvanceStep(withBadQueryLen, AdvanceOptions{NumSeqs: 2, NumQueries: 2}))

	withBadShape := base()
	assert.Error(t, a.AdvanceStep(withBadShape, AdvanceOptions{NumSeqs: 3, NumQueries: 2}))
}

func TestAssembler_AdvanceStep_OnlyAdvancesFirstNumQueries(t *testing.T) {
	a := NewAssembler(nil)
	m := &StepMetadata{
		Mode:            SlotAddressed,
		UseCudaGraph:    true,
		MaxQueryLen:     1,
		QueryStartLoc:   []int64{0, 1, 2, 3},
		SeqStartLoc:     []int64{0, 5, 10, 15},
		SeqLens:         []int64{5, 5, 5},
		ContextLens:     []int64{5, 5, 5},
		MaxDecodeSeqLen: 5,
		Slot:            SlotAddressing{RowMapping: []int64{1, 2, 3}, ColMapping: []int64{4, 4, 4}},
	}
	// num_seqs=3 (graph-padded), num_queries=2: the third slot is padding
	// and must not be advanced.
	err := a.AdvanceStep(m, AdvanceOptions{NumSeqs: 3, NumQueries: 2, NewSlots: []int64{1, 2}})
	require.NoError(t, err)

	assert.Equal(t, []int64{6, 6, 5}, m.SeqLens)
	assert.Equal(t, []int64{6, 6, 5}, m.ContextLens)
	assert.Equal(t, []int64{0, 6, 12, 17}, m.SeqStartLoc)
}

func TestAssembler_AdvanceStep_TurnPrefillsIntoDecodes(t *testing.T) {
	a := NewAssembler(nil)
	m := &StepMetadata{
		Mode:             SlotAddressed,
		UseCudaGraph:     true,
		NumPrefills:      1,
		NumPrefillTokens: 4,
		NumDecodeTokens:  0,
		QueryStartLoc:    []int64{0, 4},
		SeqStartLoc:      []int64{0, 4},
		SeqLens:          []int64{4},
		ContextLens:      []int64{4},
		MaxPrefillSeqLen: 4,
		Slot:             SlotAddressing{RowMapping: []int64{0}, ColMapping: []int64{3}},
	}
	err := a.AdvanceStep(m, AdvanceOptions{TurnPrefillsIntoDecodes: true, NumSeqs: 1})
	require.NoError(t, err)

	assert.EqualValues(t, 0, m.NumPrefills)
	assert.EqualValues(t, 0, m.NumPrefillTokens)
	assert.EqualValues(t, 1, m.NumDecodeTokens)
	assert.EqualValues(t, 0, m.MaxPrefillSeqLen)
	assert.EqualValues(t, 1, m.MaxQueryLen)
	assert.EqualValues(t, 1, m.MaxDecodeQueryLen)
	// turn_prefills_into_decodes performs the conversion only; it does not
	// itself increment seq_lens or remap tokens.
	assert.Equal(t, []int64{4}, m.SeqLens)
}

func TestAssembler_AdvanceStep_InvalidatesMemoizedViews(t *testing.T) {
	a := NewAssembler(nil)
	m := mixedBatchMetadata()
	m.UseCudaGraph = true
	v1 := m.DecodeView()
	require.NotNil(t, v1)

	// m has a live prefill, so this must go through the conversion branch
	// rather than the ordinary (num_prefills == 0) advance.
	err := a.AdvanceStep(m, AdvanceOptions{TurnPrefillsIntoDecodes: true, NumSeqs: m.NumRequests()})
	require.NoError(t, err)

	v2 := m.DecodeView()
	assert.NotSame(t, v1, v2)
}

func TestLegacyAssembler_AdvanceStep_IncrementsSlotMappingAndAppendsBlockTableEntry(t *testing.T) {
	a := NewLegacyAssembler(4, 8, 4, nil)
	m := &StepMetadata{
		Mode:            BlockAddressed,
		UseCudaGraph:    true,
		NumDecodeTokens: 1,
		MaxQueryLen:     1,
		QueryStartLoc:   []int64{0, 1},
		SeqStartLoc:     []int64{0, 4},
		SeqLens:         []int64{4},
		ContextLens:     []int64{4},
		MaxDecodeSeqLen: 4,
		Block: BlockAddressing{
			SlotMapping: []int64{3},
			BlockTables: [][]int64{{10, 0, 0, 0}},
		},
	}
	err := a.AdvanceStep(m, AdvanceOptions{NumSeqs: 1, NumQueries: 1, NewBlockTableEntries: map[int]int64{0: 11}})
	require.NoError(t, err)

	assert.Equal(t, []int64{5}, m.SeqLens)
	assert.Equal(t, []int64{4}, m.Block.SlotMapping)
	assert.Equal(t, []int64{10, 11, 0, 0}, m.Block.BlockTables[0])
}
