package rdma

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"syscall"
	"time"
)

// KeepaliveInterval is the default period between keepalive WRITEs: two
// independent timers (sender and watcher), both at 300ms by default.
const KeepaliveInterval = 300 * time.Millisecond

// KeepaliveMissThresholdPreStartup and KeepaliveMissThresholdPostStartup
// are the two-phase consecutive-miss thresholds (spec.md §4.9): before
// keepalive_startup (the peer's first observed counter increment), a
// fresh connection gets a generous 100-miss tolerance, since the peer's
// first keepalive WRITE may simply not have landed yet; afterwards only
// 10 consecutive misses are tolerated.
const (
	KeepaliveMissThresholdPreStartup  = 100
	KeepaliveMissThresholdPostStartup = 10
)

// KeepaliveFirstMissGrace is the extra second of tolerance a miss streak
// gets once it reaches its threshold (spec.md §4.9, §7 scenario S2: the
// loop transitions to ERROR within keepalive_interval×10 + 1s, not the
// instant the 10th miss is observed).
const KeepaliveFirstMissGrace = time.Second

// KeepaliveSender periodically WRITEs an incrementing counter into the
// peer's advertised keepalive memory region, so the peer's
// KeepaliveWatcher can detect liveness without a dedicated control
// round trip.
type KeepaliveSender struct {
	qp       QueuePair
	mr       MemoryRegion
	rkey     uint32
	addr     uint64
	interval time.Duration
	counter  uint64
}

// NewKeepaliveSender builds a sender that WRITEs into the peer's region
// identified by (rkey, addr), using mr (a registered local 8-byte
// buffer) as the WRITE source.
func NewKeepaliveSender(qp QueuePair, mr MemoryRegion, rkey uint32, addr uint64, interval time.Duration) *KeepaliveSender {
	if interval <= 0 {
		interval = KeepaliveInterval
	}
	return &KeepaliveSender{qp: qp, mr: mr, rkey: rkey, addr: addr, interval: interval}
}

// Run sends one keepalive WRITE per tick until ctx is done.
func (s *KeepaliveSender) Run(ctx context.Context, buf []byte) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.tick(buf); err != nil {
				return err
			}
		}
	}
}

func (s *KeepaliveSender) tick(buf []byte) error {
	s.counter++
	binary.BigEndian.PutUint64(buf, s.counter)
	wrid := MustEncodeWRID(WRKeepalive, 0, s.counter)
	return s.qp.PostWrite(wrid, buf, s.mr.Lkey(), s.addr, s.rkey)
}

// KeepaliveWatcher observes the local keepalive target buffer (the
// region the peer's sender WRITEs into) and detects when it stops
// advancing.
type KeepaliveWatcher struct {
	buf      []byte
	interval time.Duration
	grace    time.Duration

	lastSeen atomic.Uint64
	misses   int
	startup  bool // keepalive_startup: true once a real increment has been observed

	thresholdReachedAt time.Time // zero until misses first reaches its threshold

	onMiss func(count int)
}

// NewKeepaliveWatcher builds a watcher polling buf (the local memory
// region the peer WRITEs its counter into) once per interval.
func NewKeepaliveWatcher(buf []byte, interval time.Duration) *KeepaliveWatcher {
	if interval <= 0 {
		interval = KeepaliveInterval
	}
	return &KeepaliveWatcher{
		buf:      buf,
		interval: interval,
		grace:    KeepaliveFirstMissGrace,
	}
}

// OnMiss installs a callback invoked each time a tick observes no
// advance in the counter, including the ticks that reach the threshold
// and those inside the grace window after it.
func (w *KeepaliveWatcher) OnMiss(fn func(count int)) { w.onMiss = fn }

// Run polls buf once per interval until ctx is done, returning
// syscall.ENETUNREACH on the first tick that is still missing once the
// grace window has elapsed after the miss threshold was reached
// (spec.md §7.2).
func (w *KeepaliveWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.tick(); err != nil {
				return err
			}
		}
	}
}

// threshold is the two-phase consecutive-miss ceiling: a generous 100
// misses before keepalive_startup is observed, 10 afterwards.
func (w *KeepaliveWatcher) threshold() int {
	if w.startup {
		return KeepaliveMissThresholdPostStartup
	}
	return KeepaliveMissThresholdPreStartup
}

func (w *KeepaliveWatcher) tick() error {
	current := binary.BigEndian.Uint64(w.buf)
	prev := w.lastSeen.Swap(current)
	if current != prev {
		w.startup = true
		w.misses = 0
		w.thresholdReachedAt = time.Time{}
		return nil
	}

	w.misses++
	if w.onMiss != nil {
		w.onMiss(w.misses)
	}

	if w.misses < w.threshold() {
		return nil
	}
	// The streak has reached its threshold; a first miss adds a further
	// one-second grace window before the queue pair is actually
	// declared unreachable (spec.md §4.9).
	if w.thresholdReachedAt.IsZero() {
		w.thresholdReachedAt = time.Now()
	}
	if time.Since(w.thresholdReachedAt) < w.grace {
		return nil
	}
	return fmt.Errorf("rdma: keepalive: peer unreachable after %d missed ticks: %w", w.misses, syscall.ENETUNREACH)
}

// Misses is the current consecutive-miss count.
func (w *KeepaliveWatcher) Misses() int { return w.misses }

// Startup reports whether keepalive_startup has been observed (the
// peer's counter has incremented at least once).
func (w *KeepaliveWatcher) Startup() bool { return w.startup }

// forceGraceForTest shrinks the first-miss grace window so tests can
// exercise the ENETUNREACH trip without a real one-second wait.
func (w *KeepaliveWatcher) forceGraceForTest(d time.Duration) { w.grace = d }
