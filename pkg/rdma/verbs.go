package rdma

import "context"

// Endpoint names an rdma_cm listen or connect target. IPv4 is preferred
// for address resolution unless the deployment is pure RoCE/IPv6 only
// (spec.md §4.1).
type Endpoint struct {
	Host  string
	Port  int
	IPv6  bool
}

// MemoryRegion is a registered, pinned memory region as returned by
// QueuePair.RegisterMemory. Lkey is used for local-side WRITE/SEND/RECV
// work requests; Rkey is handed to the peer so it can target this
// region as the remote side of a WRITE.
type MemoryRegion interface {
	Lkey() uint32
	Rkey() uint32
}

// CompletionKind classifies a WorkCompletion by the verb that produced
// it, mirroring the ibv_wc opcode space this module actually uses.
type CompletionKind int

const (
	CompletionWrite CompletionKind = iota
	CompletionSend
	CompletionRecv
)

// WorkCompletion reports the outcome of one posted work request.
type WorkCompletion struct {
	WRID    WorkRequestID
	Kind    CompletionKind
	Success bool
	Err     error
	// Bytes is populated for CompletionRecv, the number of bytes written
	// into the posted receive buffer.
	Bytes int
}

// CompletionQueue abstracts ibv_get_cq_event / ibv_poll_cq: a channel the
// write engine and control exchange block on for completions, with a
// bounded poll to drain it without blocking indefinitely.
type CompletionQueue interface {
	// Wait blocks until at least one completion is ready or ctx is done.
	Wait(ctx context.Context) error
	// Poll returns the next ready completion without blocking, or
	// ok=false if the queue is currently empty.
	Poll() (WorkCompletion, bool)
}

// QueuePair abstracts a connected RDMA queue pair: memory registration
// and the three work-request verbs this module issues (WRITE, SEND,
// RECV), plus its associated completion queue.
type QueuePair interface {
	RegisterMemory(buf []byte) (MemoryRegion, error)
	Deregister(mr MemoryRegion) error

	PostWrite(wrid WorkRequestID, local []byte, lkey uint32, remoteAddr uint64, rkey uint32) error
	PostSend(wrid WorkRequestID, payload []byte) error
	PostRecv(wrid WorkRequestID, buf []byte) error

	// SendMax is the negotiated outstanding-send-request depth
	// (spec.md's send queue depth knob, default 512).
	SendMax() int

	CompletionQueue() CompletionQueue

	Close() error
}

// Acceptor is a listening rdma_cm id awaiting one incoming connection.
type Acceptor interface {
	// Accept blocks for the next inbound connect request, completes the
	// accept handshake with localPrivateData, and returns the resulting
	// QueuePair plus the peer's private data (its CapabilityRecord).
	Accept(ctx context.Context, localPrivateData []byte) (QueuePair, []byte, error)
	Close() error
}

// Verbs is the narrow boundary this module issues all RDMA/CM calls
// through, standing in for librdmacm+libibverbs (which have no
// importable Go binding in this stack): Dial/Listen are rdma_resolve_addr
// + rdma_resolve_route + rdma_connect, and rdma_create_id + rdma_listen,
// respectively.
type Verbs interface {
	// Dial resolves ep, creates a queue pair with the given outstanding
	// send depth, and connects carrying localPrivateData as the
	// rdma_connect private data. It returns the queue pair and the
	// peer's accept-side private data.
	Dial(ctx context.Context, ep Endpoint, sendMax int, localPrivateData []byte) (QueuePair, []byte, error)
	// Listen opens an Acceptor bound to port.
	Listen(ctx context.Context, port int, sendMax int) (Acceptor, error)
}
