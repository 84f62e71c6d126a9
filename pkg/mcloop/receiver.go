package mcloop

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/mcreplica/mccore/pkg/hypervisor"
	"github.com/mcreplica/mccore/pkg/slabring"
	"github.com/mcreplica/mccore/pkg/wireproto"
)

// Receiver is the secondary-side mirror loop (C5): block for one
// checkpoint, replay it into the guest, ACK. Unlike Loop it has no
// period of its own — each ReceiveOne blocks on the wire until the
// primary sends (or cancels) the next checkpoint.
type Receiver struct {
	hv      hypervisor.Hypervisor
	conn    Conn
	adapter *slabring.Adapter
	log     *logrus.Entry

	state atomic.Int32
	errs  errorSentinel
}

// NewReceiver builds a secondary Receiver replaying checkpoints into hv
// over conn.
func NewReceiver(hv hypervisor.Hypervisor, conn Conn, ring *slabring.Ring, log *logrus.Entry) *Receiver {
	return &Receiver{
		hv:      hv,
		conn:    conn,
		adapter: slabring.NewAdapter(ring),
		log:     log,
	}
}

// State reports the receiver's current phase.
func (r *Receiver) State() State { return State(r.state.Load()) }

// Failed reports whether the receiver has latched a fatal error.
func (r *Receiver) Failed() bool { return r.errs.Failed() }

// Err returns the latched fatal error, if any.
func (r *Receiver) Err() error { return r.errs.Err() }

// Run sends the initial connect-time ACK (spec.md §4.4/§6: "on connect,
// send initial ACK") and then blocks, replaying checkpoints until ctx is
// done, the primary sends CANCEL (an orderly stop, returned as nil), or
// a fatal error occurs (a sticky, non-recoverable condition per
// spec.md §8).
func (r *Receiver) Run(ctx context.Context) error {
	if err := wireproto.SendACK(r.conn); err != nil {
		err = fmt.Errorf("mcloop: initial handshake: %w", err)
		r.errs.Set(err)
		r.state.Store(int32(StateFailed))
		return err
	}

	for {
		stopped, err := r.ReceiveOne(ctx)
		if err != nil {
			r.errs.Set(err)
			r.state.Store(int32(StateFailed))
			return err
		}
		if stopped {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// ReceiveOne blocks for exactly one checkpoint cycle: receive, load,
// ack. It reports stopped=true if the primary sent CANCEL instead of a
// checkpoint, in which case no error is returned.
func (r *Receiver) ReceiveOne(ctx context.Context) (stopped bool, err error) {
	if r.errs.Failed() {
		return false, fmt.Errorf("mcloop: receive attempted after latched error: %w", r.errs.Err())
	}

	r.state.Store(int32(StateAwaitingCommitAck)) // blocked waiting for the primary's COMMIT
	r.adapter.ResetForCheckpoint()

	var body bytes.Buffer
	sentinel, size, err := wireproto.ReceiveCheckpoint(r.conn, &body)
	if err != nil {
		return false, fmt.Errorf("mcloop: receive checkpoint: %w", err)
	}
	if sentinel == wireproto.CANCEL {
		r.state.Store(int32(StateIdle))
		return true, nil
	}

	r.state.Store(int32(StateSaving)) // reusing Saving to mean "replaying into the guest"
	if _, err := r.adapter.Write(body.Bytes()[:size]); err != nil {
		return false, fmt.Errorf("mcloop: stage received checkpoint: %w", err)
	}
	r.adapter.CompleteSave()

	if err := r.hv.LoadState(ctx, r.adapter); err != nil {
		return false, fmt.Errorf("mcloop: load state: %w", err)
	}

	r.state.Store(int32(StateResuming))
	if err := wireproto.SendACK(r.conn); err != nil {
		return false, fmt.Errorf("mcloop: send ack: %w", err)
	}

	r.state.Store(int32(StateIdle))
	return false, nil
}
