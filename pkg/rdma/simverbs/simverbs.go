// Package simverbs is a deterministic, in-memory implementation of
// pkg/rdma's Verbs boundary, standing in for real ibverbs/rdmacm
// hardware in tests: two QueuePairs sharing Go channels in place of a
// wire, with WRITE honored as an actual memory copy into the
// destination's registered region so write-engine tests can assert on
// resulting bytes.
package simverbs

import (
	"context"
	"fmt"
	"sync"

	"github.com/mcreplica/mccore/pkg/rdma"
)

// mr is the fake MemoryRegion: a window into a QueuePair's flat address
// space, keyed by an incrementing rkey/lkey (the same value serves
// both, since there is only one "peer" in a simulated pair).
type mr struct {
	key uint32
	buf []byte
}

func (m *mr) Lkey() uint32 { return m.key }
func (m *mr) Rkey() uint32 { return m.key }

type completionQueue struct {
	mu      sync.Mutex
	pending []rdma.WorkCompletion
	signal  chan struct{}
}

func newCQ() *completionQueue {
	return &completionQueue{signal: make(chan struct{}, 1)}
}

func (q *completionQueue) push(wc rdma.WorkCompletion) {
	q.mu.Lock()
	q.pending = append(q.pending, wc)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *completionQueue) Wait(ctx context.Context) error {
	q.mu.Lock()
	empty := len(q.pending) == 0
	q.mu.Unlock()
	if !empty {
		return nil
	}
	select {
	case <-q.signal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *completionQueue) Poll() (rdma.WorkCompletion, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return rdma.WorkCompletion{}, false
	}
	wc := q.pending[0]
	q.pending = q.pending[1:]
	return wc, true
}

// QueuePair is the simulated peer-to-peer queue pair. Two instances are
// linked via NewPair, each addressing the other's registered regions by
// rkey directly (memory is shared in-process, so a "remote" WRITE is
// just a slice copy guarded by a mutex).
type QueuePair struct {
	mu        sync.Mutex
	regions   map[uint32]*mr
	nextKey   uint32
	sendMax   int
	cq        *completionQueue
	recvQueue []recvSlot

	peer *QueuePair // set after both sides of NewPair are constructed
}

// NewPair returns two connected, in-memory QueuePairs.
func NewPair(sendMax int) (*QueuePair, *QueuePair) {
	a := &QueuePair{regions: make(map[uint32]*mr), sendMax: sendMax, cq: newCQ()}
	b := &QueuePair{regions: make(map[uint32]*mr), sendMax: sendMax, cq: newCQ()}
	a.peer, b.peer = b, a
	return a, b
}

func (q *QueuePair) RegisterMemory(buf []byte) (rdma.MemoryRegion, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextKey++
	m := &mr{key: q.nextKey, buf: buf}
	q.regions[m.key] = m
	return m, nil
}

func (q *QueuePair) Deregister(region rdma.MemoryRegion) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.regions, region.Rkey())
	return nil
}

// PostWrite copies local into the peer's region identified by rkey at
// remoteAddr (here, remoteAddr is interpreted as a byte offset into
// that region, since there is no real host address space to target).
func (q *QueuePair) PostWrite(wrid rdma.WorkRequestID, local []byte, lkey uint32, remoteAddr uint64, rkey uint32) error {
	q.peer.mu.Lock()
	target, ok := q.peer.regions[rkey]
	q.peer.mu.Unlock()
	if !ok {
		err := fmt.Errorf("simverbs: unknown remote rkey %d", rkey)
		q.cq.push(rdma.WorkCompletion{WRID: wrid, Kind: rdma.CompletionWrite, Success: false, Err: err})
		return nil
	}
	if remoteAddr+uint64(len(local)) > uint64(len(target.buf)) {
		err := fmt.Errorf("simverbs: write [%d,%d) exceeds remote region of length %d", remoteAddr, remoteAddr+uint64(len(local)), len(target.buf))
		q.cq.push(rdma.WorkCompletion{WRID: wrid, Kind: rdma.CompletionWrite, Success: false, Err: err})
		return nil
	}
	copy(target.buf[remoteAddr:], local)
	q.cq.push(rdma.WorkCompletion{WRID: wrid, Kind: rdma.CompletionWrite, Success: true})
	return nil
}

// PostSend delivers payload to the peer's next posted receive buffer.
func (q *QueuePair) PostSend(wrid rdma.WorkRequestID, payload []byte) error {
	q.peer.mu.Lock()
	rq := q.peer.recvQueue
	if len(rq) == 0 {
		q.peer.mu.Unlock()
		err := fmt.Errorf("simverbs: peer has no posted recv buffer")
		q.cq.push(rdma.WorkCompletion{WRID: wrid, Kind: rdma.CompletionSend, Success: false, Err: err})
		return nil
	}
	next := rq[0]
	q.peer.recvQueue = rq[1:]
	q.peer.mu.Unlock()

	n := copy(next.buf, payload)
	q.peer.cq.push(rdma.WorkCompletion{WRID: next.wrid, Kind: rdma.CompletionRecv, Success: true, Bytes: n})
	q.cq.push(rdma.WorkCompletion{WRID: wrid, Kind: rdma.CompletionSend, Success: true})
	return nil
}

type recvSlot struct {
	wrid rdma.WorkRequestID
	buf  []byte
}

func (q *QueuePair) PostRecv(wrid rdma.WorkRequestID, buf []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.recvQueue = append(q.recvQueue, recvSlot{wrid: wrid, buf: buf})
	return nil
}

func (q *QueuePair) SendMax() int                          { return q.sendMax }
func (q *QueuePair) CompletionQueue() rdma.CompletionQueue { return q.cq }
func (q *QueuePair) Close() error                          { return nil }

var _ rdma.QueuePair = (*QueuePair)(nil)
