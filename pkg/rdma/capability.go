package rdma

import (
	"encoding/binary"
	"fmt"
)

// Capability flag bits exchanged at connect time via the rdma_connect
// private-data buffer (spec.md §4.2).
const (
	CapPinAll    uint32 = 1 << 0
	CapKeepalive uint32 = 1 << 1
)

// Capabilities is the decoded, boolean form of a peer's advertised
// feature set.
type Capabilities struct {
	// PinAll means the peer supports registering the entire RAM block up
	// front rather than chunk-by-chunk on demand.
	PinAll bool
	// Keepalive means the peer will post periodic keepalive WRITEs and
	// expects the local side to watch for them.
	Keepalive bool
}

func (c Capabilities) flags() uint32 {
	var f uint32
	if c.PinAll {
		f |= CapPinAll
	}
	if c.Keepalive {
		f |= CapKeepalive
	}
	return f
}

// capabilityRecordVersion is the only wire version this module speaks.
// A peer advertising a higher version is still interoperable as long as
// it echoes this version back in its own record (the format is additive).
const capabilityRecordVersion = 1

// capabilityRecordSize is the encoded size in bytes: version(4) +
// flags(4) + keepalive rkey(4) + keepalive remote address(8).
const capabilityRecordSize = 20

// CapabilityRecord is the exact byte layout carried in rdma_connect's
// private_data, big-endian per the control-message convention used
// elsewhere on the wire (spec.md §4.7).
type CapabilityRecord struct {
	Version       uint32
	Flags         uint32
	KeepaliveRkey uint32
	KeepaliveAddr uint64
}

// NewCapabilityRecord builds the wire record advertising caps, with the
// keepalive target memory region's rkey/address (zero if caps.Keepalive
// is false).
func NewCapabilityRecord(caps Capabilities, keepaliveRkey uint32, keepaliveAddr uint64) CapabilityRecord {
	return CapabilityRecord{
		Version:       capabilityRecordVersion,
		Flags:         caps.flags(),
		KeepaliveRkey: keepaliveRkey,
		KeepaliveAddr: keepaliveAddr,
	}
}

// Encode serializes r to its wire form.
func (r CapabilityRecord) Encode() []byte {
	buf := make([]byte, capabilityRecordSize)
	binary.BigEndian.PutUint32(buf[0:4], r.Version)
	binary.BigEndian.PutUint32(buf[4:8], r.Flags)
	binary.BigEndian.PutUint32(buf[8:12], r.KeepaliveRkey)
	binary.BigEndian.PutUint64(buf[12:20], r.KeepaliveAddr)
	return buf
}

// DecodeCapabilityRecord parses b as a CapabilityRecord.
func DecodeCapabilityRecord(b []byte) (CapabilityRecord, error) {
	if len(b) < capabilityRecordSize {
		return CapabilityRecord{}, fmt.Errorf("rdma: capability record too short: %d bytes", len(b))
	}
	return CapabilityRecord{
		Version:       binary.BigEndian.Uint32(b[0:4]),
		Flags:         binary.BigEndian.Uint32(b[4:8]),
		KeepaliveRkey: binary.BigEndian.Uint32(b[8:12]),
		KeepaliveAddr: binary.BigEndian.Uint64(b[12:20]),
	}, nil
}

// Capabilities decodes the boolean feature set out of r's flags.
func (r CapabilityRecord) Capabilities() Capabilities {
	return Capabilities{
		PinAll:    r.Flags&CapPinAll != 0,
		Keepalive: r.Flags&CapKeepalive != 0,
	}
}

// Negotiate intersects two locally-known capability sets: a feature is
// active only if both peers advertised it. This is applied to the
// decoded remote record against the local request, not to two local
// structs, but the operation is symmetric so it is exposed standalone
// and tested that way.
func Negotiate(local, remote Capabilities) Capabilities {
	return Capabilities{
		PinAll:    local.PinAll && remote.PinAll,
		Keepalive: local.Keepalive && remote.Keepalive,
	}
}
