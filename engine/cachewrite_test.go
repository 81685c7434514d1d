package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	calls []struct {
		layer   int64
		offsets []int64
		rows    []KVRow
	}
	failOn int // if set, fails the call at this 1-based index
	n      int
}

func (w *recordingWriter) WriteCells(_ Reservation, _ CacheLayout, layer int64, offsets []int64, rows []KVRow) error {
	w.n++
	if w.failOn == w.n {
		return assertErr
	}
	w.calls = append(w.calls, struct {
		layer   int64
		offsets []int64
		rows    []KVRow
	}{layer, append([]int64{}, offsets...), rows})
	return nil
}

var assertErr = newErr(PreconditionViolated, "injected failure")

func TestWriteBridge_WriteKV_SlotAddressed_ResolvesCellOffsets(t *testing.T) {
	layout := testLayout()
	keyRes := NewReservation(1, layout.ReservationPages())
	valRes := NewReservation(2, layout.ReservationPages())
	w := &recordingWriter{}
	bridge := NewWriteBridge(layout, keyRes, valRes, w)

	m := &StepMetadata{
		Mode: SlotAddressed,
		Slot: SlotAddressing{
			RowMapping: []int64{0, 0},
			ColMapping: []int64{0, 1},
		},
	}
	rows := []KVRow{make(KVRow, 8), make(KVRow, 8)}
	require.NoError(t, bridge.WriteKV(0, rows, rows, m))

	require.Len(t, w.calls, 2) // key call + value call
	wantOffsets := []int64{layout.CellOffset(0, 0, 0), layout.CellOffset(0, 1, 0)}
	assert.Equal(t, wantOffsets, w.calls[0].offsets)
	assert.Equal(t, wantOffsets, w.calls[1].offsets)
}

func TestWriteBridge_WriteKV_BlockAddressed_UsesSlotMappingDirectly(t *testing.T) {
	layout := testLayout()
	w := &recordingWriter{}
	bridge := NewWriteBridge(layout, Reservation{}, Reservation{}, w)

	m := &StepMetadata{
		Mode:  BlockAddressed,
		Block: BlockAddressing{SlotMapping: []int64{40, 41, 42}},
	}
	rows := []KVRow{make(KVRow, 8), make(KVRow, 8), make(KVRow, 8)}
	require.NoError(t, bridge.WriteKV(0, rows, rows, m))
	assert.Equal(t, []int64{40, 41, 42}, w.calls[0].offsets)
}

func TestWriteBridge_WriteKV_RejectsRowCountMismatch(t *testing.T) {
	layout := testLayout()
	w := &recordingWriter{}
	bridge := NewWriteBridge(layout, Reservation{}, Reservation{}, w)

	m := &StepMetadata{Mode: BlockAddressed, Block: BlockAddressing{SlotMapping: []int64{40, 41}}}
	rows := []KVRow{make(KVRow, 8)}
	err := bridge.WriteKV(0, rows, rows, m)
	assert.Error(t, err)
}

// TestWriteBridge_WriteKV_PrefillThenDecodeView_WritesEveryRow verifies
// testable invariant 4: writing a step's prefill_view and then its
// decode_view must together touch exactly the same cells — and the same
// number of rows — as a single write_kv over the whole step. Before the
// views sliced their write-coordinate arrays, this wrote zero rows.
func TestWriteBridge_WriteKV_PrefillThenDecodeView_WritesEveryRow(t *testing.T) {
	layout := testLayout()
	w := &recordingWriter{}
	bridge := NewWriteBridge(layout, Reservation{}, Reservation{}, w)

	m := mixedBatchMetadata()
	fullOffsets := make([]int64, m.NumTokens())
	for i := range fullOffsets {
		fullOffsets[i] = layout.CellOffset(m.Slot.RowMapping[i], m.Slot.ColMapping[i], 0)
	}

	prefill := m.PrefillView()
	require.NotNil(t, prefill)
	prefillRows := make([]KVRow, prefill.NumTokens())
	for i := range prefillRows {
		prefillRows[i] = make(KVRow, 8)
	}
	require.NoError(t, bridge.WriteKV(0, prefillRows, prefillRows, prefill))

	decode := m.DecodeView()
	require.NotNil(t, decode)
	decodeRows := make([]KVRow, decode.NumTokens())
	for i := range decodeRows {
		decodeRows[i] = make(KVRow, 8)
	}
	require.NoError(t, bridge.WriteKV(0, decodeRows, decodeRows, decode))

	require.Len(t, w.calls, 4) // prefill key+value, decode key+value
	allOffsets := append(append([]int64{}, w.calls[0].offsets...), w.calls[2].offsets...)
	assert.Equal(t, fullOffsets, allOffsets)
}

func TestWriteBridge_WriteKV_PropagatesWriterFailure(t *testing.T) {
	layout := testLayout()
	w := &recordingWriter{failOn: 1}
	bridge := NewWriteBridge(layout, Reservation{}, Reservation{}, w)

	m := &StepMetadata{Mode: BlockAddressed, Block: BlockAddressing{SlotMapping: []int64{40}}}
	rows := []KVRow{make(KVRow, 8)}
	err := bridge.WriteKV(0, rows, rows, m)
	assert.Error(t, err)
}
