package rdma

import (
	"context"
	"testing"
	"time"

	"github.com/mcreplica/mccore/pkg/rdma/simverbs"
)

// TestResponder_AnswersRegisterRequestWithRkey drives the secondary side
// of the on-demand registration protocol end to end: a Responder
// receives the primary's RegisterRequest, registers the backing buffer
// ramAt resolves, and replies with its rkey.
func TestResponder_AnswersRegisterRequestWithRkey(t *testing.T) {
	primaryQP, secondaryQP := simverbs.NewPair(8)
	primary, secondary, primaryBufs, secondaryBufs := newTestExchangePair2(t, primaryQP, secondaryQP)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := primary.SendReady(ctx); err != nil {
		t.Fatalf("primary.SendReady: %v", err)
	}
	if err := secondary.SendReady(ctx); err != nil {
		t.Fatalf("secondary.SendReady: %v", err)
	}
	if err := primary.AwaitReady(ctx, primaryBufs); err != nil {
		t.Fatalf("primary.AwaitReady: %v", err)
	}
	if err := secondary.AwaitReady(ctx, secondaryBufs); err != nil {
		t.Fatalf("secondary.AwaitReady: %v", err)
	}

	reg := NewRegistry()
	block := reg.Add(0, 0, ChunkSize)
	ramBuf := make([]byte, ChunkSize)

	responder := NewResponder(secondary, secondaryQP, reg, secondaryBufs, func(b *RAMBlockState, chunkIdx int) []byte {
		return ramBuf
	})
	responderErr := make(chan error, 1)
	go func() { responderErr <- responder.Run(ctx) }()

	rec := RegisterRecord{BlockIndex: block.Index, ChunkIndex: 0, Address: 0}
	_, payload, err := primary.Request(ctx, MsgRegisterRequest, rec.Encode(), 1, primaryBufs)
	if err != nil {
		t.Fatalf("primary.Request: %v", err)
	}
	result, err := DecodeRegisterResultRecord(payload)
	if err != nil {
		t.Fatalf("DecodeRegisterResultRecord: %v", err)
	}
	if result.Rkey == 0 {
		t.Fatal("expected a nonzero rkey from the responder")
	}

	// Exercise the rkey: a WRITE from the primary into it should land in
	// ramBuf.
	mr, err := primaryQP.RegisterMemory([]byte("hello"))
	if err != nil {
		t.Fatalf("RegisterMemory: %v", err)
	}
	wrid := MustEncodeWRID(WRWrite, block.Index, 0)
	if err := primaryQP.PostWrite(wrid, []byte("hello"), mr.Lkey(), 0, result.Rkey); err != nil {
		t.Fatalf("PostWrite: %v", err)
	}
	if string(ramBuf[:5]) != "hello" {
		t.Fatalf("ramBuf = %q, want it to start with %q", ramBuf[:5], "hello")
	}

	cancel()
	<-responderErr
}

// newTestExchangePair2 mirrors newTestExchangePair but over an
// already-built simverbs pair, so callers can keep a handle to the raw
// QueuePairs for direct WRITEs.
func newTestExchangePair2(t *testing.T, qpA, qpB *simverbs.QueuePair) (a, b *ControlExchange, aBufs, bBufs [][]byte) {
	t.Helper()
	a = NewControlExchange(qpA)
	b = NewControlExchange(qpB)

	const n = 4
	aBufs = make([][]byte, n)
	bBufs = make([][]byte, n)
	for i := 0; i < n; i++ {
		aBufs[i] = make([]byte, ControlBufferSize)
		bBufs[i] = make([]byte, ControlBufferSize)
	}
	for i := 0; i < n; i++ {
		if err := qpA.PostRecv(MustEncodeWRID(WRControlRecv, 0, uint64(i)), aBufs[i]); err != nil {
			t.Fatalf("post recv a: %v", err)
		}
		if err := qpB.PostRecv(MustEncodeWRID(WRControlRecv, 0, uint64(i)), bBufs[i]); err != nil {
			t.Fatalf("post recv b: %v", err)
		}
	}
	return a, b, aBufs, bBufs
}
