package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mixedBatchMetadata() *StepMetadata {
	return &StepMetadata{
		Mode:             SlotAddressed,
		NumPrefills:      1,
		NumPrefillTokens: 3,
		NumDecodeTokens:  2,
		QueryStartLoc:    []int64{0, 3, 4, 5},
		SeqStartLoc:      []int64{0, 3, 9, 15},
		SeqLens:          []int64{3, 6, 6},
		ContextLens:      []int64{0, 5, 5},
		Slot: SlotAddressing{
			CacheBatchIdx: []int64{0, 1, 2},
			// 3 prefill tokens for request 0 (slot 0, columns 0-2), then one
			// decode token each for requests 1 and 2 (slots 1 and 2).
			RowMapping: []int64{0, 0, 0, 1, 2},
			ColMapping: []int64{0, 1, 2, 5, 5},
		},
	}
}

func TestStepMetadata_NumRequestsAndNumTokens(t *testing.T) {
	m := mixedBatchMetadata()
	assert.EqualValues(t, 3, m.NumRequests())
	assert.EqualValues(t, 5, m.NumTokens())
}

func TestStepMetadata_PrefillView_CoversOnlyPrefillRequests(t *testing.T) {
	m := mixedBatchMetadata()
	view := m.PrefillView()
	require.NotNil(t, view)
	assert.EqualValues(t, 1, view.NumRequests())
	assert.Equal(t, []int64{0, 3}, view.QueryStartLoc)
	assert.EqualValues(t, 0, view.NumDecodeTokens)
}

func TestStepMetadata_PrefillView_IsMemoized(t *testing.T) {
	m := mixedBatchMetadata()
	v1 := m.PrefillView()
	v2 := m.PrefillView()
	assert.Same(t, v1, v2)
}

func TestStepMetadata_DecodeView_RebasesQueryStartLocToZero(t *testing.T) {
	m := mixedBatchMetadata()
	view := m.DecodeView()
	require.NotNil(t, view)
	assert.EqualValues(t, 2, view.NumRequests())
	assert.EqualValues(t, 0, view.QueryStartLoc[0])
	assert.EqualValues(t, m.NumDecodeTokens, view.QueryStartLoc[len(view.QueryStartLoc)-1])
}

func TestStepMetadata_PrefillView_NilWhenNoPrefills(t *testing.T) {
	m := mixedBatchMetadata()
	m.NumPrefills = 0
	assert.Nil(t, m.PrefillView())
}

func TestStepMetadata_DecodeView_NilWhenNoDecodes(t *testing.T) {
	m := mixedBatchMetadata()
	m.NumDecodeTokens = 0
	assert.Nil(t, m.DecodeView())
}

func TestStepMetadata_InvalidateViews_ClearsMemoization(t *testing.T) {
	m := mixedBatchMetadata()
	v1 := m.PrefillView()
	m.invalidateViews()
	v2 := m.PrefillView()
	assert.NotSame(t, v1, v2)
}

func TestStepMetadata_PrefillView_SlicesWriteCoordinates(t *testing.T) {
	m := mixedBatchMetadata()
	view := m.PrefillView()
	require.NotNil(t, view)
	assert.Equal(t, []int64{0, 0, 0}, view.Slot.RowMapping)
	assert.Equal(t, []int64{0, 1, 2}, view.Slot.ColMapping)
}

func TestStepMetadata_DecodeView_SlicesWriteCoordinates(t *testing.T) {
	m := mixedBatchMetadata()
	view := m.DecodeView()
	require.NotNil(t, view)
	assert.Equal(t, []int64{1, 2}, view.Slot.RowMapping)
	assert.Equal(t, []int64{5, 5}, view.Slot.ColMapping)
}

func TestStepMetadata_PrefillAndDecodeView_SliceLegacySlotMapping(t *testing.T) {
	m := &StepMetadata{
		Mode:             BlockAddressed,
		NumPrefills:      1,
		NumPrefillTokens: 2,
		NumDecodeTokens:  2,
		QueryStartLoc:    []int64{0, 2, 3, 4},
		SeqStartLoc:      []int64{0, 2, 7, 12},
		SeqLens:          []int64{2, 5, 5},
		ContextLens:      []int64{0, 4, 4},
		Block: BlockAddressing{
			SlotMapping: []int64{0, 1, 36, 52},
			BlockTables: [][]int64{{0}, {2, 3}, {3, 4}},
		},
	}
	prefill := m.PrefillView()
	require.NotNil(t, prefill)
	assert.Equal(t, []int64{0, 1}, prefill.Block.SlotMapping)

	decode := m.DecodeView()
	require.NotNil(t, decode)
	assert.Equal(t, []int64{36, 52}, decode.Block.SlotMapping)
}
