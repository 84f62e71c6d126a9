package rdma

import (
	"context"
	"fmt"
)

// Responder is the secondary side of the on-demand chunk registration
// protocol (spec.md §4.7, §5.1): for every RegisterRequest the primary's
// write engine sends, it registers the requested chunk's backing memory
// with the local queue pair and replies with the rkey the primary must
// target for that chunk's WRITEs.
type Responder struct {
	control  *ControlExchange
	qp       QueuePair
	registry *Registry
	recvBufs [][]byte

	// ramAt resolves the backing byte slice for one chunk of a
	// registered block, e.g. a window into the secondary's mapped guest
	// RAM or, for the device-state block, its staging buffer.
	ramAt func(block *RAMBlockState, chunkIdx int) []byte
}

// NewResponder builds a Responder answering requests received over
// control, using ramAt to resolve the memory backing each requested
// chunk.
func NewResponder(control *ControlExchange, qp QueuePair, registry *Registry, recvBufs [][]byte, ramAt func(block *RAMBlockState, chunkIdx int) []byte) *Responder {
	return &Responder{control: control, qp: qp, registry: registry, recvBufs: recvBufs, ramAt: ramAt}
}

// Run answers control requests until ctx is done or a fatal error
// occurs.
func (r *Responder) Run(ctx context.Context) error {
	for {
		h, payload, err := r.control.Respond(ctx, r.recvBufs)
		if err != nil {
			return err
		}
		switch h.Type {
		case MsgRegisterRequest:
			if err := r.handleRegister(ctx, payload); err != nil {
				return err
			}
		default:
			return fmt.Errorf("rdma: responder: unexpected message type %v", h.Type)
		}
	}
}

// handleRegister answers one RegisterRequest.
func (r *Responder) handleRegister(ctx context.Context, payload []byte) error {
	rec, err := DecodeRegisterRecord(payload)
	if err != nil {
		return fmt.Errorf("rdma: responder: decode register request: %w", err)
	}
	block, err := r.registry.At(rec.BlockIndex)
	if err != nil {
		return fmt.Errorf("rdma: responder: %w", err)
	}
	buf := r.ramAt(block, int(rec.ChunkIndex))
	mr, err := r.qp.RegisterMemory(buf)
	if err != nil {
		return fmt.Errorf("rdma: responder: register chunk %d of block %d: %w", rec.ChunkIndex, rec.BlockIndex, err)
	}
	result := RegisterResultRecord{Rkey: mr.Rkey(), HostAddr: rec.Address}
	if err := r.control.Reply(ctx, MsgRegisterResult, result.Encode(), 1); err != nil {
		return fmt.Errorf("rdma: responder: reply: %w", err)
	}
	return nil
}
