package rdma

import (
	"encoding/binary"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestKeepaliveSender_IncrementsCounterEachTick(t *testing.T) {
	qp := &countingKeepaliveQP{}
	mr := &fakeMR{key: 1}
	sender := NewKeepaliveSender(qp, mr, 55, 0x2000, 10*time.Millisecond)

	buf := make([]byte, 8)
	if err := sender.tick(buf); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := sender.tick(buf); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if got := binary.BigEndian.Uint64(buf); got != 2 {
		t.Fatalf("counter = %d, want 2", got)
	}
	if len(qp.writes) != 2 {
		t.Fatalf("got %d writes, want 2", len(qp.writes))
	}
	for _, w := range qp.writes {
		if w.addr != 0x2000 || w.rkey != 55 {
			t.Errorf("unexpected write target: %+v", w)
		}
	}
}

func TestKeepaliveWatcher_AdvancingCounterResetsMissesAndSetsStartup(t *testing.T) {
	buf := make([]byte, 8)
	w := NewKeepaliveWatcher(buf, time.Millisecond)

	if w.Startup() {
		t.Fatal("Startup() should be false before any increment is observed")
	}

	if err := w.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if w.Misses() != 1 {
		t.Fatalf("Misses() = %d, want 1: the zeroed buffer matches the initial last-seen value", w.Misses())
	}

	if err := w.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if w.Misses() != 2 {
		t.Fatalf("Misses() = %d, want 2 after stalled counter", w.Misses())
	}

	binary.BigEndian.PutUint64(buf, 2)
	if err := w.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if w.Misses() != 0 {
		t.Fatalf("Misses() = %d, want reset to 0 after counter advanced", w.Misses())
	}
	if !w.Startup() {
		t.Fatal("Startup() should be true once a real increment has been observed")
	}
}

// TestKeepaliveWatcher_PostStartupTripsAtTenMisses covers spec.md §4.9:
// once keepalive_startup is set, exceeding 10 consecutive misses (plus
// the one-second grace window) transitions to ENETUNREACH.
func TestKeepaliveWatcher_PostStartupTripsAtTenMisses(t *testing.T) {
	buf := make([]byte, 8)
	w := NewKeepaliveWatcher(buf, time.Millisecond)
	w.forceGraceForTest(0)

	// One real increment establishes keepalive_startup and the 10-miss
	// threshold.
	binary.BigEndian.PutUint64(buf, 1)
	if err := w.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !w.Startup() {
		t.Fatal("expected startup after first increment")
	}

	var missCounts []int
	w.OnMiss(func(n int) { missCounts = append(missCounts, n) })

	var err error
	for i := 0; i < KeepaliveMissThresholdPostStartup; i++ {
		err = w.tick()
		if err != nil {
			break
		}
	}
	if err == nil {
		t.Fatal("expected error once the post-startup miss threshold is reached")
	}
	if !errors.Is(err, syscall.ENETUNREACH) {
		t.Fatalf("expected ENETUNREACH, got %v", err)
	}
	if len(missCounts) != KeepaliveMissThresholdPostStartup {
		t.Fatalf("OnMiss called %d times, want %d", len(missCounts), KeepaliveMissThresholdPostStartup)
	}
}

// TestKeepaliveWatcher_PreStartupTolerates100Misses covers spec.md
// §4.9's "before startup is established, up to 100 misses are
// tolerated" — far more generous than the post-startup threshold, since
// the peer's very first keepalive WRITE simply may not have landed yet.
func TestKeepaliveWatcher_PreStartupTolerates100Misses(t *testing.T) {
	buf := make([]byte, 8)
	w := NewKeepaliveWatcher(buf, time.Millisecond)
	w.forceGraceForTest(0)

	for i := 0; i < KeepaliveMissThresholdPreStartup-1; i++ {
		if err := w.tick(); err != nil {
			t.Fatalf("tick %d: unexpected error before the pre-startup threshold: %v", i, err)
		}
	}
	if w.Startup() {
		t.Fatal("Startup() should still be false; the counter never advanced")
	}

	err := w.tick()
	if err == nil {
		t.Fatal("expected ENETUNREACH once the pre-startup threshold is reached")
	}
	if !errors.Is(err, syscall.ENETUNREACH) {
		t.Fatalf("expected ENETUNREACH, got %v", err)
	}
}

// TestKeepaliveWatcher_S6FewerThanTenMissesNoStateChange is scenario S6:
// fewer than 10 consecutive missed keepalives must never trip
// ENETUNREACH.
func TestKeepaliveWatcher_S6FewerThanTenMissesNoStateChange(t *testing.T) {
	buf := make([]byte, 8)
	w := NewKeepaliveWatcher(buf, time.Millisecond)
	w.forceGraceForTest(0)

	binary.BigEndian.PutUint64(buf, 1)
	if err := w.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	for i := 0; i < KeepaliveMissThresholdPostStartup-1; i++ {
		if err := w.tick(); err != nil {
			t.Fatalf("tick %d: unexpected error with fewer than the threshold misses: %v", i, err)
		}
	}
	if w.Misses() != KeepaliveMissThresholdPostStartup-1 {
		t.Fatalf("Misses() = %d, want %d", w.Misses(), KeepaliveMissThresholdPostStartup-1)
	}

	// Counter advances again: link came back before the threshold, no
	// state change.
	binary.BigEndian.PutUint64(buf, 2)
	if err := w.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if w.Misses() != 0 {
		t.Fatalf("Misses() = %d, want reset to 0 after recovery", w.Misses())
	}
}

// TestKeepaliveWatcher_GraceWindowDelaysTripByOneSecond covers the "a
// first miss adds a one-second grace window" clause: once the streak
// reaches its threshold, the watcher waits an additional second of wall
// clock time (not an additional miss count) before failing.
func TestKeepaliveWatcher_GraceWindowDelaysTripByOneSecond(t *testing.T) {
	buf := make([]byte, 8)
	w := NewKeepaliveWatcher(buf, time.Millisecond)
	w.forceGraceForTest(20 * time.Millisecond)

	binary.BigEndian.PutUint64(buf, 1)
	if err := w.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	for i := 0; i < KeepaliveMissThresholdPostStartup; i++ {
		if err := w.tick(); err != nil {
			t.Fatalf("tick %d: threshold reached but grace window must still be open: %v", i, err)
		}
	}

	time.Sleep(25 * time.Millisecond)
	err := w.tick()
	if err == nil {
		t.Fatal("expected ENETUNREACH once the grace window elapses")
	}
	if !errors.Is(err, syscall.ENETUNREACH) {
		t.Fatalf("expected ENETUNREACH, got %v", err)
	}
}

type keepaliveWrite struct {
	addr uint64
	rkey uint32
}

type countingKeepaliveQP struct {
	mu     sync.Mutex
	writes []keepaliveWrite
}

func (q *countingKeepaliveQP) RegisterMemory(buf []byte) (MemoryRegion, error) { return &fakeMR{}, nil }
func (q *countingKeepaliveQP) Deregister(MemoryRegion) error                  { return nil }
func (q *countingKeepaliveQP) PostWrite(wrid WorkRequestID, local []byte, lkey uint32, remoteAddr uint64, rkey uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.writes = append(q.writes, keepaliveWrite{addr: remoteAddr, rkey: rkey})
	return nil
}
func (q *countingKeepaliveQP) PostSend(wrid WorkRequestID, payload []byte) error { return nil }
func (q *countingKeepaliveQP) PostRecv(wrid WorkRequestID, buf []byte) error     { return nil }
func (q *countingKeepaliveQP) SendMax() int                                     { return 512 }
func (q *countingKeepaliveQP) CompletionQueue() CompletionQueue                 { return &listCQ{items: &[]WorkCompletion{}} }
func (q *countingKeepaliveQP) Close() error                                     { return nil }
