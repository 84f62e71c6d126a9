package rdma

import (
	"bytes"
	"context"
	"fmt"
)

// DefaultMergeMax bounds how large a run of contiguous dirty bytes the
// write engine accumulates before flushing it as one or more chunk
// WRITEs, trading WRITE count against staging-buffer size (spec.md §6).
const DefaultMergeMax = 2 * 1024 * 1024

// run is a contiguous span of dirty bytes awaiting flush.
type run struct {
	blockOffset uint64
	start       uint64 // offset within the block
	data        []byte
}

func (r *run) end() uint64 { return r.start + uint64(len(r.data)) }

// contiguous reports whether appending [offset, offset+len(data)) to r
// would extend it without a gap.
func (r *run) contiguous(offset uint64) bool {
	return r.data != nil && offset == r.end()
}

// LocalMemory is the write engine's view of the local staging buffer: a
// byte slice plus its registered lkey, handed in by the caller (the
// slab ring adapter owns the actual allocation).
type LocalMemory struct {
	Buf  []byte
	Lkey uint32
}

// Engine is the RDMA write engine (C9): it merges dirty-byte
// notifications into bounded runs, decomposes each flushed run into
// chunk-granularity WRITEs against the remote registry, elides
// all-zero chunks via a COMPRESS control message instead of a WRITE,
// and registers remote chunks on demand the first time they are
// written. It does not deregister chunks: nothing queues a chunk for
// deregistration and no unregister request is sent to the peer.
type Engine struct {
	qp       QueuePair
	registry *Registry
	control  *ControlExchange
	mergeMax int

	pending    *run
	flushCount int

	unregisterQueue []RegisterRecord

	onCompress func(CompressRecord)
}

// NewEngine builds a write engine over qp, tracking registration state
// in registry and performing on-demand remote registration through
// control. mergeMax<=0 selects DefaultMergeMax.
func NewEngine(qp QueuePair, registry *Registry, control *ControlExchange, mergeMax int) *Engine {
	if mergeMax <= 0 {
		mergeMax = DefaultMergeMax
	}
	return &Engine{qp: qp, registry: registry, control: control, mergeMax: mergeMax}
}

// OnCompress installs a callback invoked whenever a chunk is elided via
// COMPRESS instead of a WRITE (used by the caller to actually send the
// CompressRecord over the control channel, and by tests to count them).
func (e *Engine) OnCompress(fn func(CompressRecord)) { e.onCompress = fn }

// FlushCount is the number of runs flushed so far.
func (e *Engine) FlushCount() int { return e.flushCount }

// NotifyDirty reports that [offset, offset+len(data)) within the block
// based at blockOffset became dirty. Contiguous notifications are
// merged into the current run; a run is flushed as soon as it has grown
// past mergeMax, and a non-contiguous or cross-block notification flushes
// whatever was pending first.
func (e *Engine) NotifyDirty(ctx context.Context, blockOffset, offset uint64, data []byte) error {
	if e.pending != nil && e.pending.blockOffset == blockOffset && e.pending.contiguous(offset) {
		e.pending.data = append(e.pending.data, data...)
	} else {
		if err := e.FlushPending(ctx); err != nil {
			return err
		}
		buf := make([]byte, len(data))
		copy(buf, data)
		e.pending = &run{blockOffset: blockOffset, start: offset, data: buf}
	}
	if uint64(len(e.pending.data)) > uint64(e.mergeMax) {
		return e.FlushPending(ctx)
	}
	return nil
}

// FlushPending flushes any currently-accumulating run. Safe to call
// when nothing is pending.
func (e *Engine) FlushPending(ctx context.Context) error {
	if e.pending == nil || len(e.pending.data) == 0 {
		e.pending = nil
		return nil
	}
	r := e.pending
	e.pending = nil
	return e.flush(ctx, r)
}

var zeroChunk = make([]byte, ChunkSize)

func isAllZero(b []byte) bool {
	for len(b) > 0 {
		n := len(b)
		if n > len(zeroChunk) {
			n = len(zeroChunk)
		}
		if !bytes.Equal(b[:n], zeroChunk[:n]) {
			return false
		}
		b = b[n:]
	}
	return true
}

// flush decomposes r into chunk-aligned segments and, for each, either
// elides it via COMPRESS (all-zero) or issues an RDMA WRITE, registering
// the remote chunk on demand if it has no known rkey yet.
func (e *Engine) flush(ctx context.Context, r *run) error {
	e.flushCount++

	block, ok := e.registry.ByOffset(r.blockOffset)
	if !ok {
		return fmt.Errorf("rdma: write engine: unknown block offset %#x", r.blockOffset)
	}

	pos := r.start
	remaining := r.data
	for len(remaining) > 0 {
		chunkIdx := int(pos / ChunkSize)
		chunkStart := uint64(chunkIdx) * ChunkSize
		withinChunk := pos - chunkStart
		n := ChunkSize - withinChunk
		if n > uint64(len(remaining)) {
			n = uint64(len(remaining))
		}
		segment := remaining[:n]

		if isAllZero(segment) && withinChunk == 0 && n == ChunkSize {
			if e.onCompress != nil {
				e.onCompress(CompressRecord{BlockIndex: block.Index, ChunkIndex: uint32(chunkIdx)})
			}
		} else {
			if err := e.writeSegment(ctx, block, chunkIdx, withinChunk, segment); err != nil {
				return err
			}
		}

		pos += n
		remaining = remaining[n:]
	}
	return nil
}

// writeSegment issues one RDMA WRITE for segment, landing at withinChunk
// bytes into chunkIdx, registering the remote chunk first if needed. At
// most one WRITE per chunk may be in flight at a time (spec.md §4.8 step
// 2, §8), so it first drains completions until chunkIdx's transit bit
// clears.
func (e *Engine) writeSegment(ctx context.Context, block *RAMBlockState, chunkIdx int, withinChunk uint64, segment []byte) error {
	if err := e.waitForChunkClear(ctx, block, chunkIdx); err != nil {
		return err
	}
	if err := e.ensureRegistered(ctx, block, chunkIdx); err != nil {
		return err
	}
	mr, err := e.qp.RegisterMemory(segment)
	if err != nil {
		return fmt.Errorf("rdma: write engine: register local source: %w", err)
	}
	wrid := MustEncodeWRID(WRWrite, block.Index, uint64(chunkIdx))
	rkey := block.RemoteKeys[chunkIdx]
	if err := e.qp.PostWrite(wrid, segment, mr.Lkey(), withinChunk, rkey); err != nil {
		return fmt.Errorf("rdma: write engine: post write: %w", err)
	}
	block.MarkInFlight(chunkIdx)
	return nil
}

// waitForChunkClear blocks until block's chunkIdx has no WRITE currently
// outstanding, draining completions as they land on the completion
// queue. It never busy-spins: once the queue is empty and the chunk is
// still in flight, it blocks on CompletionQueue.Wait for the next one.
func (e *Engine) waitForChunkClear(ctx context.Context, block *RAMBlockState, chunkIdx int) error {
	cq := e.qp.CompletionQueue()
	for block.InFlight(chunkIdx) {
		if _, err := e.DrainCompletions(); err != nil {
			return err
		}
		if !block.InFlight(chunkIdx) {
			return nil
		}
		if err := cq.Wait(ctx); err != nil {
			return fmt.Errorf("rdma: write engine: wait for chunk %d to clear: %w", chunkIdx, err)
		}
	}
	return nil
}

// ensureRegistered performs the register-on-demand round trip for
// chunkIdx if the remote side has not yet announced an rkey for it.
func (e *Engine) ensureRegistered(ctx context.Context, block *RAMBlockState, chunkIdx int) error {
	if block.RemoteKeys[chunkIdx] != 0 {
		return nil
	}
	if e.control == nil {
		return fmt.Errorf("rdma: write engine: chunk %d of block %d unregistered and no control exchange available", chunkIdx, block.Index)
	}
	addr := uint64(chunkIdx) * ChunkSize
	if block.IsRAMBlock {
		addr = block.Offset + addr
	}
	rec := RegisterRecord{BlockIndex: block.Index, ChunkIndex: uint32(chunkIdx), Address: addr}
	_, payload, err := e.control.Request(ctx, MsgRegisterRequest, rec.Encode(), 1, nil)
	if err != nil {
		return fmt.Errorf("rdma: write engine: register request: %w", err)
	}
	result, err := DecodeRegisterResultRecord(payload)
	if err != nil {
		return err
	}
	block.RemoteKeys[chunkIdx] = result.Rkey
	return nil
}

// DrainCompletions polls the write engine's completion queue without
// blocking, clearing the transit bitmap for completed WRITEs and the
// unregister bit of any such chunk that was queued for unregistration.
// It deregisters no memory region, local or remote. It returns the
// number of completions processed.
func (e *Engine) DrainCompletions() (int, error) {
	cq := e.qp.CompletionQueue()
	n := 0
	for {
		wc, ok := cq.Poll()
		if !ok {
			return n, nil
		}
		n++
		if wc.Kind != CompletionWrite {
			continue
		}
		if !wc.Success {
			return n, fmt.Errorf("rdma: write engine: write completion failed: %w", wc.Err)
		}
		block, err := e.registry.At(wc.WRID.BlockIndex())
		if err != nil {
			continue
		}
		chunk := int(wc.WRID.Chunk())
		block.ClearInFlight(chunk)
		if block.PendingUnregister(chunk) {
			block.ClearUnregister(chunk)
		}
	}
}
