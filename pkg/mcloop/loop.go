package mcloop

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mcreplica/mccore/pkg/hypervisor"
	"github.com/mcreplica/mccore/pkg/rdma"
	"github.com/mcreplica/mccore/pkg/slabring"
	"github.com/mcreplica/mccore/pkg/trafficbuffer"
	"github.com/mcreplica/mccore/pkg/wireproto"
)

// Conn is the control-plane transport the loop drives each tick: the
// device-state byte stream plus the COMMIT/ACK two-phase-commit
// handshake (spec.md §6). Guest RAM content, when an RDMA engine is
// wired in, goes out of band via direct RDMA WRITE instead of through
// this stream.
type Conn interface {
	io.Writer
	io.Reader
}

// RAMReplicator is the optional bulk-data path: on each tick, after the
// guest pauses, Replicate walks every dirty RAM range reported by the
// hypervisor and issues the corresponding RDMA WRITEs, returning once
// every write for this tick has been posted (not necessarily completed;
// nothing drains completions in the background — they are drained when
// a later WRITE to the same chunk waits for its predecessor, or by an
// explicit Engine.DrainCompletions call).
type RAMReplicator interface {
	Replicate(ctx context.Context, hv hypervisor.Hypervisor) error
}

// rdmaRAMReplicator adapts an *rdma.Engine and *rdma.Registry into a
// RAMReplicator by walking the hypervisor's dirty-range callback.
type rdmaRAMReplicator struct {
	engine   *rdma.Engine
	registry *rdma.Registry
}

// NewRDMARAMReplicator builds the RDMA-backed bulk RAM path.
func NewRDMARAMReplicator(engine *rdma.Engine, registry *rdma.Registry) RAMReplicator {
	return &rdmaRAMReplicator{engine: engine, registry: registry}
}

func (r *rdmaRAMReplicator) Replicate(ctx context.Context, hv hypervisor.Hypervisor) error {
	if err := hv.ForEachRAMBlock(func(block hypervisor.RAMBlock) error {
		return hv.ForEachDirtyRange(block, func(dr hypervisor.DirtyRange) error {
			return r.engine.NotifyDirty(ctx, block.Offset, dr.Offset, makeDirtyPayload(dr.Length))
		})
	}); err != nil {
		return err
	}
	// A trailing dirty run shorter than the engine's merge cap is only
	// flushed by the next non-contiguous NotifyDirty call; since this is
	// the last one for the tick, flush explicitly so it isn't left
	// staged into the next tick's replication.
	return r.engine.FlushPending(ctx)
}

// makeDirtyPayload is a placeholder for reading dr.Length bytes of
// actual guest RAM at the dirty range's host address; a real hypervisor
// binding would slice its mapped memory here instead of allocating.
func makeDirtyPayload(length uint64) []byte {
	return make([]byte, length)
}

// Loop is the primary-side micro-checkpoint tick state machine (C4).
type Loop struct {
	hv      hypervisor.Hypervisor
	conn    Conn
	ring    *slabring.Ring
	adapter *slabring.Adapter
	buffer  *trafficbuffer.Controller
	ram     RAMReplicator

	period time.Duration
	log    *logrus.Entry

	state  atomic.Int32
	errs   errorSentinel
	onTick func(Metrics)
}

// Metrics is reported once per completed tick via OnTick, for pkg/metrics
// to fold into its Collector without Loop importing it directly.
type Metrics struct {
	DowntimeMS    int64
	AckLatencyMS  int64
	DirtyBytes    int64
	CompressCount int
}

// Options configures a Loop.
type Options struct {
	Period        time.Duration
	SlabSize      int
	MaxStrikes    int
	RAMReplicator RAMReplicator
	Buffer        *trafficbuffer.Controller
	OnTick        func(Metrics)
}

// New builds a primary Loop driving hv over conn.
func New(hv hypervisor.Hypervisor, conn Conn, opts Options, log *logrus.Entry) *Loop {
	if opts.Period <= 0 {
		opts.Period = 100 * time.Millisecond
	}
	if opts.SlabSize <= 0 {
		opts.SlabSize = slabring.DefaultSlabSize
	}
	if opts.MaxStrikes <= 0 {
		opts.MaxStrikes = 100
	}
	ring := slabring.New(opts.SlabSize, opts.MaxStrikes)
	return &Loop{
		hv:      hv,
		conn:    conn,
		ring:    ring,
		adapter: slabring.NewAdapter(ring),
		buffer:  opts.Buffer,
		ram:     opts.RAMReplicator,
		period:  opts.Period,
		log:     log,
		onTick:  opts.OnTick,
	}
}

// State reports the tick state machine's current phase.
func (l *Loop) State() State { return State(l.state.Load()) }

// Ring exposes the underlying slab ring, e.g. for a metrics collector's
// live gauge sampling (pkg/metrics.Collector.SetSlabGaugeFuncs).
func (l *Loop) Ring() *slabring.Ring { return l.ring }

// Failed reports whether the loop has latched a fatal error.
func (l *Loop) Failed() bool { return l.errs.Failed() }

// Err returns the latched fatal error, if any.
func (l *Loop) Err() error { return l.errs.Err() }

// Run performs the initial handshake (spec.md §4.3/§4.4/§6: block until
// the secondary's connect-time ACK arrives) and then drives ticks at the
// configured period until ctx is done or a tick returns a fatal error,
// which is latched and returned.
func (l *Loop) Run(ctx context.Context) error {
	l.state.Store(int32(StateAwaitingCommitAck))
	if err := wireproto.AwaitACK(l.conn); err != nil {
		err = fmt.Errorf("mcloop: initial handshake: %w", err)
		l.errs.Set(err)
		l.state.Store(int32(StateFailed))
		return err
	}
	l.state.Store(int32(StateIdle))

	ticker := time.NewTicker(l.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.errs.Set(err)
				l.state.Store(int32(StateFailed))
				return err
			}
		}
	}
}

// Tick executes exactly one pause→save→resume→send→commit→ack cycle. The
// hypervisor lock is held from pause until the guest resumes; a failing
// tick latches its error.
func (l *Loop) Tick(ctx context.Context) (err error) {
	if l.errs.Failed() {
		return fmt.Errorf("mcloop: tick attempted after latched error: %w", l.errs.Err())
	}
	defer func() {
		if err != nil {
			l.errs.Set(err)
			l.state.Store(int32(StateFailed))
		}
	}()

	pauseStart := l.hv.ClockMS()

	l.state.Store(int32(StatePausing))
	l.hv.Lock()
	locked := true
	defer func() {
		if locked {
			l.hv.Unlock()
		}
	}()

	if l.buffer != nil {
		l.buffer.InsertBarrier()
	}
	if err := l.hv.StopVM(ctx); err != nil {
		return fmt.Errorf("mcloop: stop vm: %w", err)
	}

	if err := l.hv.ResetBuffer(); err != nil {
		return fmt.Errorf("mcloop: reset buffer: %w", err)
	}
	l.ring.ResetForCheckpoint()

	l.state.Store(int32(StateSaving))
	if err := l.hv.SaveStateBegin(ctx, l.adapter); err != nil {
		return fmt.Errorf("mcloop: save state: %w", err)
	}
	stats, err := l.hv.SaveStateComplete()
	if err != nil {
		return fmt.Errorf("mcloop: save state complete: %w", err)
	}
	l.adapter.CompleteSave()

	g, gctx := errgroup.WithContext(ctx)
	if l.ram != nil {
		g.Go(func() error { return l.ram.Replicate(gctx, l.hv) })
	}

	if err := l.hv.StartVM(ctx); err != nil {
		return fmt.Errorf("mcloop: start vm: %w", err)
	}
	l.hv.Unlock()
	locked = false
	resumeAt := l.hv.ClockMS()

	l.state.Store(int32(StateSending))
	staged := make([]byte, l.ring.Total())
	if _, err := l.adapter.Read(staged); err != nil && err != io.EOF {
		return fmt.Errorf("mcloop: read staged bytes: %w", err)
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("mcloop: ram replication: %w", err)
	}
	if err := wireproto.SendCheckpoint(l.conn, bytes.NewReader(staged), uint32(len(staged))); err != nil {
		return fmt.Errorf("mcloop: send checkpoint: %w", err)
	}

	l.state.Store(int32(StateAwaitingCommitAck))
	ackStart := l.hv.ClockMS()
	if err := wireproto.AwaitACK(l.conn); err != nil {
		return fmt.Errorf("mcloop: await ack: %w", err)
	}
	ackAt := l.hv.ClockMS()

	if l.buffer != nil {
		l.buffer.ReleaseOne()
	}

	l.state.Store(int32(StateResuming))
	l.state.Store(int32(StateIdle))

	if l.onTick != nil {
		l.onTick(Metrics{
			DowntimeMS:   resumeAt - pauseStart,
			AckLatencyMS: ackAt - ackStart,
			DirtyBytes:   stats.DirtyBytes,
		})
	}
	return nil
}
