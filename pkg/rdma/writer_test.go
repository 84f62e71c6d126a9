package rdma

import (
	"context"
	"testing"
)

// countingQP is a minimal QueuePair fake for write-engine unit tests: it
// records WRITE/SEND calls and completes every posted WRITE
// successfully and immediately, without a real completion queue.
type countingQP struct {
	writes      []WorkRequestID
	nextLkey    uint32
	completions []WorkCompletion

	// beforeWrite, if set, runs just before a WRITE is recorded/
	// completed, e.g. to assert invariants about the transit bitmap at
	// the moment of posting.
	beforeWrite func(WorkRequestID) error
}

func (q *countingQP) RegisterMemory(buf []byte) (MemoryRegion, error) {
	q.nextLkey++
	return &fakeMR{key: q.nextLkey}, nil
}
func (q *countingQP) Deregister(MemoryRegion) error { return nil }

func (q *countingQP) PostWrite(wrid WorkRequestID, local []byte, lkey uint32, remoteAddr uint64, rkey uint32) error {
	if q.beforeWrite != nil {
		if err := q.beforeWrite(wrid); err != nil {
			return err
		}
	}
	q.writes = append(q.writes, wrid)
	q.completions = append(q.completions, WorkCompletion{WRID: wrid, Kind: CompletionWrite, Success: true})
	return nil
}
func (q *countingQP) PostSend(wrid WorkRequestID, payload []byte) error { return nil }
func (q *countingQP) PostRecv(wrid WorkRequestID, buf []byte) error     { return nil }
func (q *countingQP) SendMax() int                                     { return 512 }
func (q *countingQP) CompletionQueue() CompletionQueue                  { return &listCQ{items: &q.completions} }
func (q *countingQP) Close() error                                     { return nil }

type fakeMR struct{ key uint32 }

func (m *fakeMR) Lkey() uint32 { return m.key }
func (m *fakeMR) Rkey() uint32 { return m.key }

// listCQ drains a slice synchronously; Wait never blocks since writes
// complete inline in countingQP.
type listCQ struct{ items *[]WorkCompletion }

func (c *listCQ) Wait(ctx context.Context) error { return nil }
func (c *listCQ) Poll() (WorkCompletion, bool) {
	if len(*c.items) == 0 {
		return WorkCompletion{}, false
	}
	wc := (*c.items)[0]
	*c.items = (*c.items)[1:]
	return wc, true
}

func preRegisteredBlock(t *testing.T, r *Registry, length uint64) *RAMBlockState {
	t.Helper()
	b := r.Add(0, 0, length)
	for i := range b.RemoteKeys {
		b.RemoteKeys[i] = uint32(100 + i)
	}
	return b
}

func TestEngine_TwoChunkWriteProducesTwoWrites(t *testing.T) {
	reg := NewRegistry()
	preRegisteredBlock(t, reg, ChunkSize*2)
	qp := &countingQP{}
	eng := NewEngine(qp, reg, nil, DefaultMergeMax)

	data := make([]byte, ChunkSize*2)
	for i := range data {
		data[i] = byte(i%251 + 1) // never all-zero
	}
	if err := eng.NotifyDirty(context.Background(), 0, 0, data); err != nil {
		t.Fatalf("NotifyDirty: %v", err)
	}
	if err := eng.FlushPending(context.Background()); err != nil {
		t.Fatalf("FlushPending: %v", err)
	}

	if len(qp.writes) != 2 {
		t.Fatalf("got %d WRITEs, want 2", len(qp.writes))
	}
	if qp.writes[0].Chunk() != 0 || qp.writes[1].Chunk() != 1 {
		t.Fatalf("unexpected chunk indices: %d, %d", qp.writes[0].Chunk(), qp.writes[1].Chunk())
	}
}

func TestEngine_AllZeroChunkElidesWrite(t *testing.T) {
	reg := NewRegistry()
	preRegisteredBlock(t, reg, ChunkSize)
	qp := &countingQP{}
	eng := NewEngine(qp, reg, nil, DefaultMergeMax)

	var compressed []CompressRecord
	eng.OnCompress(func(r CompressRecord) { compressed = append(compressed, r) })

	if err := eng.NotifyDirty(context.Background(), 0, 0, make([]byte, ChunkSize)); err != nil {
		t.Fatalf("NotifyDirty: %v", err)
	}
	if err := eng.FlushPending(context.Background()); err != nil {
		t.Fatalf("FlushPending: %v", err)
	}

	if len(qp.writes) != 0 {
		t.Fatalf("got %d WRITEs, want 0", len(qp.writes))
	}
	if len(compressed) != 1 || compressed[0].ChunkIndex != 0 {
		t.Fatalf("unexpected compress records: %+v", compressed)
	}
}

func TestEngine_MergeCapProducesExactlyTwoFlushes(t *testing.T) {
	reg := NewRegistry()
	preRegisteredBlock(t, reg, ChunkSize*8)
	qp := &countingQP{}
	eng := NewEngine(qp, reg, nil, DefaultMergeMax)

	const pageSize = 4096
	const numPages = 1025
	page := make([]byte, pageSize)
	for i := range page {
		page[i] = 0xAB
	}

	ctx := context.Background()
	for i := 0; i < numPages; i++ {
		if err := eng.NotifyDirty(ctx, 0, uint64(i*pageSize), page); err != nil {
			t.Fatalf("NotifyDirty(%d): %v", i, err)
		}
	}
	if err := eng.FlushPending(ctx); err != nil {
		t.Fatalf("FlushPending: %v", err)
	}

	if got := eng.FlushCount(); got != 2 {
		t.Fatalf("FlushCount() = %d, want 2", got)
	}
}

// TestEngine_NonContiguousSameChunkWritesNeverOverlapInFlight covers
// spec.md §4.8 step 2 / §8: two non-contiguous dirty notifications that
// land in the same chunk within one tick must never have more than one
// outstanding WRITE for that chunk at a time. Two separate runs (forced
// by flushing between them) targeting the same chunk with a gap between
// them reproduce the non-contiguous case.
func TestEngine_NonContiguousSameChunkWritesNeverOverlapInFlight(t *testing.T) {
	reg := NewRegistry()
	block := preRegisteredBlock(t, reg, ChunkSize)
	qp := &countingQP{}
	eng := NewEngine(qp, reg, nil, DefaultMergeMax)

	qp.beforeWrite = func(wrid WorkRequestID) error {
		if block.InFlight(int(wrid.Chunk())) {
			t.Fatalf("chunk %d already had a WRITE in flight when the next WRITE was posted", wrid.Chunk())
		}
		return nil
	}

	ctx := context.Background()
	first := make([]byte, 64)
	first[0] = 1
	if err := eng.NotifyDirty(ctx, 0, 0, first); err != nil {
		t.Fatal(err)
	}
	if err := eng.FlushPending(ctx); err != nil {
		t.Fatal(err)
	}

	// Not drained between flushes: the first WRITE's completion is still
	// sitting on the completion queue, only picked up by the second
	// writeSegment's wait-for-clear.
	if !block.InFlight(0) {
		t.Fatal("expected chunk 0 still in flight before the second, non-contiguous notification")
	}

	second := make([]byte, 64)
	second[0] = 2
	if err := eng.NotifyDirty(ctx, 0, 256, second); err != nil { // gap: non-contiguous with the first run
		t.Fatal(err)
	}
	if err := eng.FlushPending(ctx); err != nil {
		t.Fatal(err)
	}

	if len(qp.writes) != 2 {
		t.Fatalf("got %d WRITEs, want 2", len(qp.writes))
	}
	if qp.writes[0].Chunk() != 0 || qp.writes[1].Chunk() != 0 {
		t.Fatalf("expected both writes to target chunk 0, got %d and %d", qp.writes[0].Chunk(), qp.writes[1].Chunk())
	}
}

func TestEngine_DrainCompletionsClearsTransitBitmap(t *testing.T) {
	reg := NewRegistry()
	preRegisteredBlock(t, reg, ChunkSize)
	qp := &countingQP{}
	eng := NewEngine(qp, reg, nil, DefaultMergeMax)

	data := make([]byte, ChunkSize)
	data[0] = 1 // not all-zero
	if err := eng.NotifyDirty(context.Background(), 0, 0, data); err != nil {
		t.Fatal(err)
	}
	if err := eng.FlushPending(context.Background()); err != nil {
		t.Fatal(err)
	}

	block, _ := reg.At(0)
	if !block.InFlight(0) {
		t.Fatal("expected chunk 0 marked in flight after WRITE")
	}

	n, err := eng.DrainCompletions()
	if err != nil {
		t.Fatalf("DrainCompletions: %v", err)
	}
	if n != 1 {
		t.Fatalf("DrainCompletions processed %d, want 1", n)
	}
	if block.InFlight(0) {
		t.Fatal("expected chunk 0 cleared after drain")
	}
}
