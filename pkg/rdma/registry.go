package rdma

import (
	"fmt"
	"sort"
)

// ChunkSize is the granularity at which RAM blocks are registered,
// tracked for transit, and written (spec.md §5): 1 MiB.
const ChunkSize = 1 << 20

// RAMBlockState tracks one guest RAM block's registration and in-flight
// chunk state on one side of a connection (spec.md §5, §9).
type RAMBlockState struct {
	HostAddr  uintptr
	Offset    uint64
	Length    uint64
	Index     uint32
	// IsRAMBlock is false only for the very first block added, which the
	// protocol treats as an opaque "device state" region addressed
	// purely by block index rather than by guest physical offset
	// (spec.md §5.1).
	IsRAMBlock bool

	// RemoteKeys holds the peer's rkey for each chunk once the peer has
	// registered and announced it via a RegisterResult message. A chunk's
	// entry is zero until registration completes for that chunk.
	RemoteKeys []uint32

	transit    *bitmap
	unregister *bitmap
}

// NumChunks is the number of ChunkSize chunks Length spans, rounding the
// final partial chunk up.
func (s *RAMBlockState) NumChunks() int {
	return int((s.Length + ChunkSize - 1) / ChunkSize)
}

// MarkInFlight records that chunk now has an RDMA WRITE outstanding.
func (s *RAMBlockState) MarkInFlight(chunk int) { s.transit.Set(chunk) }

// ClearInFlight records that chunk's outstanding WRITE has completed.
func (s *RAMBlockState) ClearInFlight(chunk int) { s.transit.Clear(chunk) }

// InFlight reports whether chunk currently has an outstanding WRITE.
func (s *RAMBlockState) InFlight(chunk int) bool { return s.transit.Get(chunk) }

// InFlightCount is the number of chunks with an outstanding WRITE.
func (s *RAMBlockState) InFlightCount() int { return s.transit.Count() }

// QueueUnregister marks chunk for deregistration once its WRITE drains.
func (s *RAMBlockState) QueueUnregister(chunk int) { s.unregister.Set(chunk) }

// PendingUnregister reports whether chunk is queued for deregistration.
func (s *RAMBlockState) PendingUnregister(chunk int) bool { return s.unregister.Get(chunk) }

// ClearUnregister removes chunk from the deregistration queue.
func (s *RAMBlockState) ClearUnregister(chunk int) { s.unregister.Clear(chunk) }

// Registry is the per-connection map+array of RAM blocks (spec.md §5):
// an array for ordinal indexing by block index (as carried on the
// wire), and a map for fast offset-based lookup, kept in sync on
// Add/Delete.
type Registry struct {
	blocks   []*RAMBlockState
	byOffset map[uint64]*RAMBlockState
}

// NewRegistry returns an empty block registry.
func NewRegistry() *Registry {
	return &Registry{byOffset: make(map[uint64]*RAMBlockState)}
}

// Add registers a new RAM block at the next index. The first block ever
// added is marked IsRAMBlock=false, per the protocol convention that
// index 0 carries non-RAM device state (spec.md §5.1).
func (r *Registry) Add(hostAddr uintptr, offset, length uint64) *RAMBlockState {
	idx := uint32(len(r.blocks))
	s := &RAMBlockState{
		HostAddr:   hostAddr,
		Offset:     offset,
		Length:     length,
		Index:      idx,
		IsRAMBlock: len(r.blocks) > 0,
		RemoteKeys: make([]uint32, (length+ChunkSize-1)/ChunkSize),
		transit:    newBitmap(int((length + ChunkSize - 1) / ChunkSize)),
		unregister: newBitmap(int((length + ChunkSize - 1) / ChunkSize)),
	}
	r.blocks = append(r.blocks, s)
	r.byOffset[offset] = s
	return s
}

// Delete removes the block at index idx and contiguously reindexes every
// later block down by one, so block indices on the wire always span
// [0, len) with no gaps (spec.md §5.2).
func (r *Registry) Delete(idx uint32) error {
	if int(idx) >= len(r.blocks) {
		return fmt.Errorf("rdma: registry: no block at index %d", idx)
	}
	removed := r.blocks[idx]
	delete(r.byOffset, removed.Offset)
	r.blocks = append(r.blocks[:idx], r.blocks[idx+1:]...)
	for i := int(idx); i < len(r.blocks); i++ {
		r.blocks[i].Index = uint32(i)
	}
	return nil
}

// Len is the number of registered blocks.
func (r *Registry) Len() int { return len(r.blocks) }

// At returns the block at index idx.
func (r *Registry) At(idx uint32) (*RAMBlockState, error) {
	if int(idx) >= len(r.blocks) {
		return nil, fmt.Errorf("rdma: registry: no block at index %d", idx)
	}
	return r.blocks[idx], nil
}

// ByOffset looks a block up by its guest-physical base offset.
func (r *Registry) ByOffset(offset uint64) (*RAMBlockState, bool) {
	s, ok := r.byOffset[offset]
	return s, ok
}

// Search resolves a (block base offset, offset-within-block, length)
// triple — as produced by the hypervisor's save/load callbacks — to a
// block index and chunk index, erroring if the region falls outside any
// registered block or offset is not chunk-aligned (spec.md §5.3: writes
// are always issued at chunk granularity). A region longer than one
// chunk is not rejected; chunkIndex names its first chunk.
func (r *Registry) Search(blockOffset, offset, length uint64) (blockIndex uint32, chunkIndex int, err error) {
	s, ok := r.byOffset[blockOffset]
	if !ok {
		return 0, 0, fmt.Errorf("rdma: registry: no block with base offset %#x", blockOffset)
	}
	if offset+length > s.Length {
		return 0, 0, fmt.Errorf("rdma: registry: region [%d,%d) exceeds block length %d", offset, offset+length, s.Length)
	}
	if offset%ChunkSize != 0 {
		return 0, 0, fmt.Errorf("rdma: registry: offset %d is not chunk-aligned", offset)
	}
	return s.Index, int(offset / ChunkSize), nil
}

// Blocks returns all registered blocks ordered by index.
func (r *Registry) Blocks() []*RAMBlockState {
	out := make([]*RAMBlockState, len(r.blocks))
	copy(out, r.blocks)
	return out
}

// SortedOffsets returns every registered block's base offset in
// ascending order, used when building a RemoteBlockRecord list for the
// peer (spec.md §4.7).
func (r *Registry) SortedOffsets() []uint64 {
	offs := make([]uint64, 0, len(r.byOffset))
	for o := range r.byOffset {
		offs = append(offs, o)
	}
	sort.Slice(offs, func(i, j int) bool { return offs[i] < offs[j] })
	return offs
}
