// Package rdma implements the remote-DMA transport (C6–C10): connection
// setup and capability negotiation, the chunk-granularity block registry,
// the control-message exchange, the RDMA WRITE write engine, and the
// keepalive liveness subsystem.
package rdma

import "fmt"

// WRType identifies what kind of operation a work-request ID refers to,
// packed into bits 0–15 of the 64-bit ID (spec.md §3, §6).
type WRType uint16

const (
	WRWrite WRType = iota
	WRControlSend
	WRControlRecv
	WRKeepalive
	WRLocalCopySrc
	WRLocalCopyDest
)

const (
	wridTypeBits  = 16
	wridBlockBits = 14
	wridChunkBits = 64 - wridTypeBits - wridBlockBits // 34

	wridTypeMask  = uint64(1)<<wridTypeBits - 1
	wridBlockMask = uint64(1)<<wridBlockBits - 1
	wridChunkMask = uint64(1)<<wridChunkBits - 1
)

// WorkRequestID is the strongly typed encode/decode pair for the 64-bit
// work-request ID layout from spec.md §9: a wire-level contract between
// completion producers (the write engine, posting WRITEs/SENDs/RECVs) and
// consumers (the completion handler), specified here rather than left as
// scattered bit-shifts.
type WorkRequestID uint64

// EncodeWRID packs a type, block index and chunk index into a
// WorkRequestID. It returns an error if blockIdx or chunk overflow their
// field widths.
func EncodeWRID(t WRType, blockIdx uint32, chunk uint64) (WorkRequestID, error) {
	if uint64(blockIdx) > wridBlockMask {
		return 0, fmt.Errorf("rdma: block index %d overflows %d-bit field", blockIdx, wridBlockBits)
	}
	if chunk > wridChunkMask {
		return 0, fmt.Errorf("rdma: chunk index %d overflows %d-bit field", chunk, wridChunkBits)
	}
	v := uint64(t) & wridTypeMask
	v |= (uint64(blockIdx) & wridBlockMask) << wridTypeBits
	v |= (chunk & wridChunkMask) << (wridTypeBits + wridBlockBits)
	return WorkRequestID(v), nil
}

// MustEncodeWRID is EncodeWRID but panics on overflow; used where the
// caller has already range-checked (e.g. block/chunk indices freshly read
// back out of the registry).
func MustEncodeWRID(t WRType, blockIdx uint32, chunk uint64) WorkRequestID {
	id, err := EncodeWRID(t, blockIdx, chunk)
	if err != nil {
		panic(err)
	}
	return id
}

// Type extracts the work-request type (bits 0–15).
func (w WorkRequestID) Type() WRType {
	return WRType(uint64(w) & wridTypeMask)
}

// BlockIndex extracts the block index (bits 16–29).
func (w WorkRequestID) BlockIndex() uint32 {
	return uint32((uint64(w) >> wridTypeBits) & wridBlockMask)
}

// Chunk extracts the chunk index (bits 30–63).
func (w WorkRequestID) Chunk() uint64 {
	return (uint64(w) >> (wridTypeBits + wridBlockBits)) & wridChunkMask
}
