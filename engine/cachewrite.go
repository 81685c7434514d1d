package engine

// KVRow is one new key or value row: num_kv_heads * head_dim elements laid
// out contiguously, already in the dtype the cache space stores. The core
// treats rows as opaque byte payloads — encoding/quantizing them is an
// external collaborator's job.
type KVRow []byte

// CellWriter is the external fused-kernel contract the Cache-Write Bridge
// delegates to once it has resolved destination cells: "write these N rows
// into these N cells of this cache space." In VMM mode each offset is a byte
// offset from CacheLayout.CellOffset; in legacy mode it is the flat cell
// index taken unchanged from slot_mapping. A real backend fuses this
// into a single kernel launch; WriteBridge's job ends at producing correct
// offsets.
type CellWriter interface {
	WriteCells(reservation Reservation, layout CacheLayout, layer int64, offsets []int64, rows []KVRow) error
}

// WriteBridge implements the single write_kv(layer, K, V, metadata)
// operation: given freshly-computed K/V for one layer and this step's
// metadata, it resolves the destination cell for every new row and hands
// the writes to an injected CellWriter.
type WriteBridge struct {
	layout  CacheLayout
	keyRes  Reservation
	valRes  Reservation
	writer  CellWriter
}

// NewWriteBridge binds a WriteBridge to the key/value reservations a
// SlotTable or legacy block pool already owns.
func NewWriteBridge(layout CacheLayout, keyRes, valRes Reservation, writer CellWriter) *WriteBridge {
	return &WriteBridge{layout: layout, keyRes: keyRes, valRes: valRes, writer: writer}
}

// WriteKV writes K and V (each len(K) == len(V) == N_new rows of
// num_kv_heads*head_dim elements) into the cells metadata designates for
// layer. N_new must match len(cache_row_mapping) in VMM mode or
// len(slot_mapping) in legacy mode.
//
// Every (slot, token) position written here must already be backed by a
// mapped page (VMM — guaranteed by EnsureCapacity having been called with
// tokens >= seq_len) or be a valid block cell (legacy); producing metadata
// that violates this is undefined behavior at the kernel level the core
// must never reach, so WriteKV treats a length mismatch as
// PreconditionViolated rather than attempting a partial write.
func (b *WriteBridge) WriteKV(layer int64, K, V []KVRow, metadata *StepMetadata) error {
	offsets, err := b.cellOffsets(layer, metadata)
	if err != nil {
		return err
	}
	if len(K) != len(offsets) || len(V) != len(offsets) {
		return newErr(PreconditionViolated, "write_kv: expected %d rows for layer %d, got K=%d V=%d", len(offsets), layer, len(K), len(V))
	}
	if err := b.writer.WriteCells(b.keyRes, b.layout, layer, offsets, K); err != nil {
		return wrapErr(PreconditionViolated, err, "writing key cells for layer %d", layer)
	}
	if err := b.writer.WriteCells(b.valRes, b.layout, layer, offsets, V); err != nil {
		return wrapErr(PreconditionViolated, err, "writing value cells for layer %d", layer)
	}
	return nil
}

// cellOffsets resolves the per-row destination offset for layer from
// metadata's addressing mode.
func (b *WriteBridge) cellOffsets(layer int64, metadata *StepMetadata) ([]int64, error) {
	switch metadata.Mode {
	case SlotAddressed:
		n := len(metadata.Slot.RowMapping)
		if n != len(metadata.Slot.ColMapping) {
			return nil, newErr(PreconditionViolated, "cache_row_mapping (%d) and cache_col_mapping (%d) length mismatch", n, len(metadata.Slot.ColMapping))
		}
		offsets := make([]int64, n)
		for i := 0; i < n; i++ {
			offsets[i] = b.layout.CellOffset(metadata.Slot.RowMapping[i], metadata.Slot.ColMapping[i], layer)
		}
		return offsets, nil
	case BlockAddressed:
		offsets := make([]int64, len(metadata.Block.SlotMapping))
		copy(offsets, metadata.Block.SlotMapping)
		return offsets, nil
	default:
		return nil, newErr(PreconditionViolated, "unknown addressing mode %v", metadata.Mode)
	}
}
