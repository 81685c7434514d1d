// Package engine implements the core of a KV-cache management subsystem for
// a transformer-based autoregressive inference engine that serves many
// concurrent sequences on a single accelerator.
//
// # Reading Guide
//
// Start with these files to understand the shape of the core:
//   - config.go: engine construction and the configuration surface
//   - layout.go: the pure address-offset math for one cache space
//   - pagealloc.go: the virtual-reservation / physical-page interface
//   - slots.go: per-slot page bookkeeping (VMM mode)
//   - prefixcache.go: the block-pool alternative to VMM, with prefix-hash reuse
//   - metadata.go: the per-step attention metadata value
//   - assembler.go: builds metadata.go's value from request descriptors
//   - cachewrite.go: writes fresh K/V into the cache using that metadata
//   - stepadvance.go: in-place metadata mutation for captured decode graphs
//   - attention_contract.go: the external fused-attention kernel call contract
//   - engine.go: ties every piece together behind admit/extend/terminate and
//     build_step/write_kv/advance_step
//
// # Architecture
//
// engine defines the interfaces and the addressing-mode-agnostic pieces;
// a concrete PageAllocator implementation lives in engine/hostpages and is
// registered into NewHostPageAllocatorFunc via an init() function, the same
// factory-variable pattern sim/kv/register.go uses to plug in a KVStore.
//
// The two addressing modes (VMM / legacy block table) are represented as a
// tagged union on StepMetadata rather than threaded as a boolean through
// every structure: components switch on StepMetadata.Mode.
package engine
