package engine

import "testing"

func TestCacheLayout_CellOffset_RowMajorOrdering(t *testing.T) {
	l := newCacheLayout(4, 8, 2, 4, 16, 2, 256)

	// GIVEN the layout's row-major shape [batch, seq, layer, head, dim]
	// THEN advancing the layer index moves by exactly one layer's worth of
	// (head, dim) elements, and advancing the token index moves by one
	// token's worth of (layer, head, dim) elements.
	layerStride := int64(4 * 16 * 2)
	tokenStride := int64(2) * layerStride

	if got := l.CellOffset(0, 0, 1) - l.CellOffset(0, 0, 0); got != layerStride {
		t.Errorf("layer stride = %d, want %d", got, layerStride)
	}
	if got := l.CellOffset(0, 1, 0) - l.CellOffset(0, 0, 0); got != tokenStride {
		t.Errorf("token stride = %d, want %d", got, tokenStride)
	}
	if got := l.CellOffset(1, 0, 0) - l.CellOffset(0, 0, 0); got != l.SlotStrideBytes() {
		t.Errorf("slot stride = %d, want %d", got, l.SlotStrideBytes())
	}
}

func TestCacheLayout_PagesForTokens_CeilingDivision(t *testing.T) {
	l := newCacheLayout(4, 8, 2, 4, 16, 2, 256)
	tokenStride := int64(2 * 4 * 16 * 2) // 256 bytes/token

	cases := []struct {
		tokens int64
		want   int64
	}{
		{0, 0},
		{1, (tokenStride + 255) / 256},
		{8, (8*tokenStride + 255) / 256},
	}
	for _, c := range cases {
		if got := l.PagesForTokens(c.tokens); got != c.want {
			t.Errorf("PagesForTokens(%d) = %d, want %d", c.tokens, got, c.want)
		}
	}
}

func TestCacheLayout_ReservationPages_MatchesBatchTimesSlotPages(t *testing.T) {
	l := newCacheLayout(4, 8, 2, 4, 16, 2, 256)
	if got, want := l.ReservationPages(), l.MaxBatchSize*l.SlotPages(); got != want {
		t.Errorf("ReservationPages() = %d, want %d", got, want)
	}
}

func TestCacheLayout_BlockBytesSize_IsTwicePageBytes(t *testing.T) {
	l := newCacheLayout(4, 8, 2, 4, 16, 2, 256)
	if got, want := l.BlockBytesSize(), int64(2*256); got != want {
		t.Errorf("BlockBytesSize() = %d, want %d", got, want)
	}
}
