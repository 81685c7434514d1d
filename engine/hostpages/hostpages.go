// Package hostpages provides the reference PageAllocator used when no
// accelerator driver is present: a host-memory arena standing in for device
// virtual memory. It registers itself into engine.NewHostPageAllocatorFunc
// via init(), mirroring sim/kv/register.go's wiring of a KVStore
// implementation into the sim package's factory variable.
package hostpages

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/inference-sim/engine"
)

func init() {
	engine.NewHostPageAllocatorFunc = func(pageBytes int64) engine.PageAllocator {
		return New(pageBytes)
	}
}

// Allocator is a host-memory reference implementation of engine.PageAllocator.
// It models each reservation as a bitmap of page slots; "mapping" a page
// allocates a backing []byte page from a free list (or a fresh one) and
// records it in the bitmap, so an already-mapped page is skipped rather
// than mapped twice, and a range straddling a reservation end is rejected.
type Allocator struct {
	mu         sync.Mutex
	pageBytes  int64
	nextResID  int64
	reserved   map[int64][]bool    // reservation id -> per-page mapped flag
	backing    map[int64][][]byte  // reservation id -> per-page backing storage
	freePages  [][]byte            // pages released by Unmap, available for reuse
	maxHandles int64               // 0 = unlimited; simulates ResourceExhausted
	handlesOut int64
}

// New returns an Allocator with the given fixed page granularity. maxHandles
// bounds the number of physical pages it will ever hand out across all
// reservations (0 = unbounded); it exists so tests can exercise
// ResourceExhausted without allocating gigabytes of real memory.
func New(pageBytes int64, maxHandles ...int64) *Allocator {
	a := &Allocator{
		pageBytes: pageBytes,
		reserved:  make(map[int64][]bool),
		backing:   make(map[int64][][]byte),
	}
	if len(maxHandles) > 0 {
		a.maxHandles = maxHandles[0]
	}
	return a
}

func (a *Allocator) PageBytes() int64 { return a.pageBytes }

func (a *Allocator) Reserve(totalPages int64) (engine.Reservation, error) {
	if totalPages <= 0 {
		return engine.Reservation{}, fmt.Errorf("hostpages: totalPages must be > 0, got %d", totalPages)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextResID
	a.nextResID++
	a.reserved[id] = make([]bool, totalPages)
	a.backing[id] = make([][]byte, totalPages)
	logrus.Debugf("hostpages: reserved %d pages (id=%d)", totalPages, id)
	return engine.NewReservation(id, totalPages), nil
}

func (a *Allocator) Map(r engine.Reservation, pageIndex, count int64) error {
	if count <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	bitmap, ok := a.reserved[r.ID()]
	if !ok {
		return fmt.Errorf("hostpages: unknown reservation %d", r.ID())
	}
	if pageIndex < 0 || pageIndex+count > int64(len(bitmap)) {
		return fmt.Errorf("hostpages: map [%d,%d) straddles reservation end (%d pages)", pageIndex, pageIndex+count, len(bitmap))
	}
	// Idempotent over disjoint ranges: skip pages already mapped.
	toAlloc := int64(0)
	for i := pageIndex; i < pageIndex+count; i++ {
		if !bitmap[i] {
			toAlloc++
		}
	}
	if a.maxHandles > 0 && a.handlesOut+toAlloc > a.maxHandles {
		return fmt.Errorf("hostpages: out of device memory, %d handles requested, %d available", toAlloc, a.maxHandles-a.handlesOut)
	}
	pages := a.backing[r.ID()]
	for i := pageIndex; i < pageIndex+count; i++ {
		if bitmap[i] {
			continue
		}
		page := a.popFreePage()
		bitmap[i] = true
		pages[i] = page
		a.handlesOut++
	}
	return nil
}

func (a *Allocator) Unmap(r engine.Reservation, pageIndex, count int64) error {
	if count <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	bitmap, ok := a.reserved[r.ID()]
	if !ok {
		return fmt.Errorf("hostpages: unknown reservation %d", r.ID())
	}
	if pageIndex < 0 || pageIndex+count > int64(len(bitmap)) {
		return fmt.Errorf("hostpages: unmap [%d,%d) straddles reservation end (%d pages)", pageIndex, pageIndex+count, len(bitmap))
	}
	pages := a.backing[r.ID()]
	for i := pageIndex; i < pageIndex+count; i++ {
		if !bitmap[i] {
			continue
		}
		a.freePages = append(a.freePages, pages[i])
		pages[i] = nil
		bitmap[i] = false
		a.handlesOut--
	}
	return nil
}

func (a *Allocator) popFreePage() []byte {
	if n := len(a.freePages); n > 0 {
		page := a.freePages[n-1]
		a.freePages = a.freePages[:n-1]
		return page
	}
	return make([]byte, a.pageBytes)
}

// Page returns the backing bytes for the page at pageIndex in reservation r,
// or nil if that page is not currently mapped. Exposed for the Cache-Write
// Bridge's reference implementation and for tests that need to observe
// written bytes; a driver-backed allocator would expose a device pointer
// instead.
func (a *Allocator) Page(r engine.Reservation, pageIndex int64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	bitmap, ok := a.reserved[r.ID()]
	if !ok || pageIndex < 0 || pageIndex >= int64(len(bitmap)) || !bitmap[pageIndex] {
		return nil
	}
	return a.backing[r.ID()][pageIndex]
}
