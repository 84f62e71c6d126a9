package hypervisor

import (
	"context"
	"io"
	"sync"
	"time"
)

// Fake is a deterministic, in-memory Hypervisor used by tests and by the
// cmd/ demo harness, standing in for a real guest the way the teacher's
// mock_tcpinfo.go stands in for a real kernel struct — except implemented
// in pure Go, since no real hypervisor binding exists in this module's
// dependency surface.
type Fake struct {
	mu sync.Mutex

	// DirtyPages is copied into the save-state stream verbatim on every
	// tick; tests mutate it between ticks to simulate new dirty data.
	DirtyPages []byte

	nics      []NIC
	ramBlocks []RAMBlock
	dirty     map[uint64][]DirtyRange

	started   bool
	pausedAt  int64
	clock     int64
	loadCount int
	lastLoad  []byte
	fileErr   error
}

var _ Hypervisor = (*Fake)(nil)

// NewFake creates a fake hypervisor with the given NICs and RAM blocks
// pre-registered, as if ForEachNIC/ForEachRAMBlock had already enumerated
// them once at connection time.
func NewFake(nics []NIC, ramBlocks []RAMBlock) *Fake {
	return &Fake{
		nics:      nics,
		ramBlocks: ramBlocks,
		dirty:     make(map[uint64][]DirtyRange),
		started:   true,
	}
}

// MarkDirty records [offset, offset+length) as dirty within the RAM
// block based at blockOffset, surfaced by the next ForEachDirtyRange
// call and cleared on ResetBuffer — tests drive RDMA write-engine
// wiring through this rather than a real guest dirty bitmap.
func (f *Fake) MarkDirty(blockOffset, offset, length uint64) {
	f.dirty[blockOffset] = append(f.dirty[blockOffset], DirtyRange{Offset: offset, Length: length})
}

func (f *Fake) Lock()   { f.mu.Lock() }
func (f *Fake) Unlock() { f.mu.Unlock() }

func (f *Fake) StopVM(ctx context.Context) error {
	f.started = false
	f.pausedAt = f.clock
	return nil
}

func (f *Fake) StartVM(ctx context.Context) error {
	f.started = true
	return nil
}

func (f *Fake) SaveStateBegin(ctx context.Context, w io.Writer) error {
	_, err := w.Write(f.DirtyPages)
	return err
}

func (f *Fake) SaveStateComplete() (SaveStats, error) {
	return SaveStats{DirtyBytes: int64(len(f.DirtyPages))}, nil
}

func (f *Fake) LoadState(ctx context.Context, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.loadCount++
	f.lastLoad = b
	return nil
}

func (f *Fake) ForEachNIC(fn func(NIC) error) error {
	for _, n := range f.nics {
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fake) ForEachRAMBlock(fn func(RAMBlock) error) error {
	for _, b := range f.ramBlocks {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fake) ForEachDirtyRange(block RAMBlock, fn func(DirtyRange) error) error {
	for _, r := range f.dirty[block.Offset] {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fake) ResetBuffer() error {
	f.dirty = make(map[uint64][]DirtyRange)
	return nil
}

func (f *Fake) FileError() error { return f.fileErr }

// SetFileError lets tests simulate a sticky byte-stream error.
func (f *Fake) SetFileError(err error) { f.fileErr = err }

func (f *Fake) ClockMS() int64 {
	f.clock += int64(time.Millisecond) / int64(time.Millisecond)
	return f.clock
}

// AdvanceClock lets tests control downtime accounting deterministically.
func (f *Fake) AdvanceClock(ms int64) { f.clock += ms }

// LoadCount reports how many times LoadState has been called.
func (f *Fake) LoadCount() int { return f.loadCount }

// LastLoad returns the bytes most recently passed to LoadState.
func (f *Fake) LastLoad() []byte { return f.lastLoad }

// Running reports whether the guest is currently running (not paused).
func (f *Fake) Running() bool { return f.started }
