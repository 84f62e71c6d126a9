// Package hypervisor defines the narrow interface this module expects from
// the host VM hypervisor: pause/resume, save/load of VM state as a byte
// stream, RAM-block and NIC enumeration, and the handful of timing/locking
// primitives the MC loop needs. The hypervisor itself is explicitly out of
// scope (spec.md §1) — this package specifies only its boundary, the same
// way the teacher specifies a narrow interface at an OS/kernel boundary
// rather than reimplementing the kernel.
package hypervisor

import (
	"context"
	"io"
)

// NIC describes one hypervisor-visible network interface, as reported by
// ForEachNIC. PeerDevice is the host-side tap (or equivalent) device name
// backing the guest's virtual NIC; it is empty if the hypervisor could not
// determine one.
type NIC struct {
	Name       string
	PeerDevice string
}

// RAMBlock describes one guest RAM region, as reported by ForEachRAMBlock.
type RAMBlock struct {
	HostAddr uintptr
	Offset   uint64 // VM-space offset
	Length   uint64
	IsRAM    bool // false for non-RAM regions registered after the first RAM block
}

// DirtyRange describes one contiguous dirty span within a RAM block's
// offset space, as reported by ForEachDirtyRange.
type DirtyRange struct {
	Offset uint64
	Length uint64
}

// SaveStats carries the hypervisor's own save-state timing breakdown
// through to pkg/metrics unchanged. Per spec.md §9, xmit_time/bitmap_time/
// log_dirty_time semantics belong to the hypervisor; this module only
// reads and reports them.
type SaveStats struct {
	XmitTimeMS     int64
	BitmapTimeMS   int64
	LogDirtyTimeMS int64
	DirtyBytes     int64
}

// Hypervisor is the external collaborator this module drives each tick.
type Hypervisor interface {
	// Lock/Unlock acquire and release the hypervisor's I/O-thread mutex.
	// The MC worker holds it only across Stop/Save/Start/cleanup.
	Lock()
	Unlock()

	StopVM(ctx context.Context) error
	StartVM(ctx context.Context) error

	// SaveStateBegin streams dirty guest state into w until the save
	// completes. SaveStateComplete finalizes it and returns timing stats.
	SaveStateBegin(ctx context.Context, w io.Writer) error
	SaveStateComplete() (SaveStats, error)

	// LoadState replays a received checkpoint from r. A failure here is
	// fatal on the secondary (spec.md §7).
	LoadState(ctx context.Context, r io.Reader) error

	ForEachNIC(fn func(NIC) error) error
	ForEachRAMBlock(fn func(RAMBlock) error) error

	// ForEachDirtyRange reports every dirty span in block since the last
	// ResetBuffer, used by the RDMA write engine to issue chunk-aligned
	// WRITEs directly against guest RAM instead of staging it through
	// the byte-stream adapter (spec.md §5, §6: RAM content goes out via
	// RDMA WRITE; the byte-stream path carries only device state).
	ForEachDirtyRange(block RAMBlock, fn func(DirtyRange) error) error

	// ResetBuffer clears any hypervisor-side dirty-tracking state that
	// must be re-armed at the start of a tick.
	ResetBuffer() error

	// FileError reports a sticky stream error from the underlying
	// byte-stream abstraction used for ordinary (non-MC) migration, if
	// any is set.
	FileError() error

	// ClockMS returns a monotonic millisecond clock, used for downtime
	// accounting (resume-time minus pause-time).
	ClockMS() int64
}
