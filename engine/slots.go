package engine

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// SlotTable holds the two reservations (key, value) and, per sequence slot,
// how many contiguous pages starting at the slot's base are currently
// mapped. Invariant: mappedPages[slot]*P bytes at the slot base are mapped
// in both the key and value reservations; the remainder of the slot range
// is unmapped and must not be dereferenced.
//
// Operations on disjoint slots are logically independent; the table
// serializes its own bookkeeping under a single mutex, matching the
// reference's per-engine single command-stream model (map/unmap are
// synchronous with the host and serialize against the stream).
type SlotTable struct {
	mu      sync.Mutex
	layout  CacheLayout
	alloc   PageAllocator
	keyRes  Reservation
	valRes  Reservation
	mapped  []int64 // mappedPages[slot]
	logger  *logrus.Logger
}

// NewSlotTable reserves the key and value cache spaces on alloc and returns
// a SlotTable ready to grow individual slots. Returns a ResourceExhausted
// error if either reservation is refused.
func NewSlotTable(layout CacheLayout, alloc PageAllocator, logger *logrus.Logger) (*SlotTable, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	keyRes, err := alloc.Reserve(layout.ReservationPages())
	if err != nil {
		return nil, wrapErr(ResourceExhausted, err, "reserving key cache space (%d pages)", layout.ReservationPages())
	}
	valRes, err := alloc.Reserve(layout.ReservationPages())
	if err != nil {
		return nil, wrapErr(ResourceExhausted, err, "reserving value cache space (%d pages)", layout.ReservationPages())
	}
	return &SlotTable{
		layout: layout,
		alloc:  alloc,
		keyRes: keyRes,
		valRes: valRes,
		mapped: make([]int64, layout.MaxBatchSize),
		logger: logger,
	}, nil
}

// KeyReservation and ValueReservation expose the underlying reservations for
// the Cache-Write Bridge and for test introspection. Ownership remains with
// the SlotTable / PageAllocator; callers must not outlive either.
func (t *SlotTable) KeyReservation() Reservation   { return t.keyRes }
func (t *SlotTable) ValueReservation() Reservation { return t.valRes }
func (t *SlotTable) Layout() CacheLayout           { return t.layout }

// MappedPages returns the current mappedPages[slot] counter.
func (t *SlotTable) MappedPages(slot int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mapped[slot]
}

// EnsureCapacity grows every (slot -> tokens) entry to at least
// pages_for_tokens(tokens) mapped pages, mapping the delta into both
// reservations at the slot's base + current offset. Calling it twice with
// the same requested sizes is a no-op on the second call (idempotence).
// Failure of a map operation leaves the slot's counter unchanged, and the
// caller must treat the whole step as impossible to admit: EnsureCapacity
// does not partially apply a single slot's growth, but it does not roll
// back slots already grown earlier in the same call either — the contract
// mirrors the reference's alloc_seqs, which accumulates allocated_block_counts
// slot by slot and raises on the first failure.
func (t *SlotTable) EnsureCapacity(requests map[int64]int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for slot, tokens := range requests {
		needed := t.layout.PagesForTokens(tokens)
		current := t.mapped[slot]
		if needed <= current {
			continue
		}
		delta := needed - current
		base := t.layout.SlotBase(slot) / t.layout.PageBytes
		pageOffset := base + current
		if err := t.alloc.Map(t.keyRes, pageOffset, delta); err != nil {
			return wrapErr(ResourceExhausted, err, "mapping %d pages for slot %d in key cache", delta, slot)
		}
		if err := t.alloc.Map(t.valRes, pageOffset, delta); err != nil {
			// Best-effort unwind of the key-side mapping so the two
			// reservations don't drift out of lockstep for this slot.
			_ = t.alloc.Unmap(t.keyRes, pageOffset, delta)
			return wrapErr(ResourceExhausted, err, "mapping %d pages for slot %d in value cache", delta, slot)
		}
		t.mapped[slot] = needed
		t.logger.Debugf("slot %d: grew mapped pages %d -> %d (tokens=%d)", slot, current, needed, tokens)
	}
	return nil
}

// Release unmaps all currently-mapped pages for each slot in both
// reservations and zeros mappedPages[slot]. Reversibility: Release(slot)
// followed by EnsureCapacity({slot: n}) leaves mappedPages[slot] ==
// pages_for_tokens(n), since Release always starts a slot from zero.
func (t *SlotTable) Release(slots []int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, slot := range slots {
		mapped := t.mapped[slot]
		if mapped == 0 {
			continue
		}
		base := t.layout.SlotBase(slot) / t.layout.PageBytes
		if err := t.alloc.Unmap(t.keyRes, base, mapped); err != nil {
			return wrapErr(ResourceExhausted, err, "unmapping slot %d in key cache", slot)
		}
		if err := t.alloc.Unmap(t.valRes, base, mapped); err != nil {
			return wrapErr(ResourceExhausted, err, "unmapping slot %d in value cache", slot)
		}
		t.mapped[slot] = 0
		t.logger.Debugf("slot %d: released %d pages", slot, mapped)
	}
	return nil
}
