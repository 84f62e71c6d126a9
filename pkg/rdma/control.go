package rdma

import (
	"context"
	"encoding/binary"
	"fmt"
)

// MsgType enumerates the control-channel message types exchanged over
// SEND/RECV (spec.md §4.7). The wire header always carries one of these.
type MsgType uint32

const (
	MsgNone MsgType = iota
	MsgError
	MsgReady
	MsgQEMUFileData
	MsgRAMBlocksRequest
	MsgRAMBlocksResult
	MsgCompress
	MsgRegisterRequest
	MsgRegisterResult
	MsgRegisterFinished
	MsgUnregisterRequest
)

func (t MsgType) String() string {
	switch t {
	case MsgNone:
		return "none"
	case MsgError:
		return "error"
	case MsgReady:
		return "ready"
	case MsgQEMUFileData:
		return "qemu-file-data"
	case MsgRAMBlocksRequest:
		return "ram-blocks-request"
	case MsgRAMBlocksResult:
		return "ram-blocks-result"
	case MsgCompress:
		return "compress"
	case MsgRegisterRequest:
		return "register-request"
	case MsgRegisterResult:
		return "register-result"
	case MsgRegisterFinished:
		return "register-finished"
	case MsgUnregisterRequest:
		return "unregister-request"
	default:
		return fmt.Sprintf("msgtype(%d)", uint32(t))
	}
}

const (
	// HeaderSize is the encoded size of Header in bytes.
	HeaderSize = 16
	// MaxRepeat bounds how many fixed-size records one control message
	// may carry (spec.md §4.7).
	MaxRepeat = 4096
	// ControlBufferSize is the fixed size of every posted control
	// SEND/RECV buffer.
	ControlBufferSize = 512 * 1024
)

// Header prefixes every control-channel message.
type Header struct {
	Len     uint32 // payload length in bytes, excluding the header
	Type    MsgType
	Repeat  uint32 // number of fixed-size records packed in the payload
	Padding uint32
}

// Encode serializes h.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Len)
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.Repeat)
	binary.BigEndian.PutUint32(buf[12:16], h.Padding)
	return buf
}

// DecodeHeader parses b as a Header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("rdma: control header too short: %d bytes", len(b))
	}
	return Header{
		Len:     binary.BigEndian.Uint32(b[0:4]),
		Type:    MsgType(binary.BigEndian.Uint32(b[4:8])),
		Repeat:  binary.BigEndian.Uint32(b[8:12]),
		Padding: binary.BigEndian.Uint32(b[12:16]),
	}, nil
}

// RemoteBlockRecord announces one RAM block's identity to the peer, in
// response to a RAMBlocksRequest (spec.md §5.1).
type RemoteBlockRecord struct {
	Offset     uint64
	Length     uint64
	Index      uint32
	IsRAMBlock bool
}

const remoteBlockRecordSize = 8 + 8 + 4 + 4

func (r RemoteBlockRecord) Encode() []byte {
	buf := make([]byte, remoteBlockRecordSize)
	binary.BigEndian.PutUint64(buf[0:8], r.Offset)
	binary.BigEndian.PutUint64(buf[8:16], r.Length)
	binary.BigEndian.PutUint32(buf[16:20], r.Index)
	if r.IsRAMBlock {
		binary.BigEndian.PutUint32(buf[20:24], 1)
	}
	return buf
}

func DecodeRemoteBlockRecord(b []byte) (RemoteBlockRecord, error) {
	if len(b) < remoteBlockRecordSize {
		return RemoteBlockRecord{}, fmt.Errorf("rdma: remote block record too short: %d bytes", len(b))
	}
	return RemoteBlockRecord{
		Offset:     binary.BigEndian.Uint64(b[0:8]),
		Length:     binary.BigEndian.Uint64(b[8:16]),
		Index:      binary.BigEndian.Uint32(b[16:20]),
		IsRAMBlock: binary.BigEndian.Uint32(b[20:24]) != 0,
	}, nil
}

// CompressRecord tells the peer that one chunk is all-zero and should be
// memset locally instead of arriving via an RDMA WRITE (spec.md §6.3).
type CompressRecord struct {
	BlockIndex uint32
	ChunkIndex uint32
}

const compressRecordSize = 8

func (r CompressRecord) Encode() []byte {
	buf := make([]byte, compressRecordSize)
	binary.BigEndian.PutUint32(buf[0:4], r.BlockIndex)
	binary.BigEndian.PutUint32(buf[4:8], r.ChunkIndex)
	return buf
}

func DecodeCompressRecord(b []byte) (CompressRecord, error) {
	if len(b) < compressRecordSize {
		return CompressRecord{}, fmt.Errorf("rdma: compress record too short: %d bytes", len(b))
	}
	return CompressRecord{
		BlockIndex: binary.BigEndian.Uint32(b[0:4]),
		ChunkIndex: binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// RegisterRecord requests that the peer register (pin) one chunk for a
// forthcoming RDMA WRITE, identified either by guest-physical Address
// (RAM blocks) or by raw offset within the block (the non-RAM block),
// per the dual-keying rule in spec.md §5.1.
type RegisterRecord struct {
	BlockIndex uint32
	ChunkIndex uint32
	Address    uint64
}

const registerRecordSize = 16

func (r RegisterRecord) Encode() []byte {
	buf := make([]byte, registerRecordSize)
	binary.BigEndian.PutUint32(buf[0:4], r.BlockIndex)
	binary.BigEndian.PutUint32(buf[4:8], r.ChunkIndex)
	binary.BigEndian.PutUint64(buf[8:16], r.Address)
	return buf
}

func DecodeRegisterRecord(b []byte) (RegisterRecord, error) {
	if len(b) < registerRecordSize {
		return RegisterRecord{}, fmt.Errorf("rdma: register record too short: %d bytes", len(b))
	}
	return RegisterRecord{
		BlockIndex: binary.BigEndian.Uint32(b[0:4]),
		ChunkIndex: binary.BigEndian.Uint32(b[4:8]),
		Address:    binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

// RegisterResultRecord answers a RegisterRecord with the rkey the
// requester must use to target the now-pinned chunk.
type RegisterResultRecord struct {
	Rkey     uint32
	HostAddr uint64
}

const registerResultRecordSize = 12

func (r RegisterResultRecord) Encode() []byte {
	buf := make([]byte, registerResultRecordSize)
	binary.BigEndian.PutUint32(buf[0:4], r.Rkey)
	binary.BigEndian.PutUint64(buf[4:12], r.HostAddr)
	return buf
}

func DecodeRegisterResultRecord(b []byte) (RegisterResultRecord, error) {
	if len(b) < registerResultRecordSize {
		return RegisterResultRecord{}, fmt.Errorf("rdma: register result record too short: %d bytes", len(b))
	}
	return RegisterResultRecord{
		Rkey:     binary.BigEndian.Uint32(b[0:4]),
		HostAddr: binary.BigEndian.Uint64(b[4:12]),
	}, nil
}

// ControlExchange drives the SEND/RECV control channel: a READY-gated
// request/response protocol layered on top of a QueuePair, matching the
// handshake in spec.md §4.7 where neither side may issue a control
// request until it has both sent and received a READY message (the
// peer must have posted its receive buffers first).
type ControlExchange struct {
	qp      QueuePair
	cq      CompletionQueue
	nextTag uint64

	readySent     bool
	readyReceived bool
}

// NewControlExchange wraps qp's control channel.
func NewControlExchange(qp QueuePair) *ControlExchange {
	return &ControlExchange{qp: qp, cq: qp.CompletionQueue()}
}

// PostRecvBuffers posts n control-sized receive buffers, so the peer's
// SENDs have somewhere to land. Must be called before SendReady.
func (c *ControlExchange) PostRecvBuffers(n int) error {
	for i := 0; i < n; i++ {
		wrid := MustEncodeWRID(WRControlRecv, 0, c.nextTag)
		c.nextTag++
		if err := c.qp.PostRecv(wrid, make([]byte, ControlBufferSize)); err != nil {
			return fmt.Errorf("rdma: control: post recv buffer: %w", err)
		}
	}
	return nil
}

// send posts one SEND carrying header+payload and blocks for its
// completion.
func (c *ControlExchange) send(ctx context.Context, h Header, payload []byte) error {
	h.Len = uint32(len(payload))
	buf := append(h.Encode(), payload...)
	wrid := MustEncodeWRID(WRControlSend, 0, c.nextTag)
	c.nextTag++
	if err := c.qp.PostSend(wrid, buf); err != nil {
		return fmt.Errorf("rdma: control: post send: %w", err)
	}
	return c.awaitCompletion(ctx, wrid, CompletionSend)
}

// awaitCompletion blocks until a completion matching wrid and kind
// arrives on the completion queue.
func (c *ControlExchange) awaitCompletion(ctx context.Context, wrid WorkRequestID, kind CompletionKind) error {
	for {
		wc, ok := c.cq.Poll()
		if !ok {
			if err := c.cq.Wait(ctx); err != nil {
				return err
			}
			continue
		}
		if wc.WRID == wrid && wc.Kind == kind {
			if !wc.Success {
				return fmt.Errorf("rdma: control: completion failed: %w", wc.Err)
			}
			return nil
		}
	}
}

// SendReady sends the READY handshake message. Requires receive buffers
// to already be posted via PostRecvBuffers.
func (c *ControlExchange) SendReady(ctx context.Context) error {
	if err := c.send(ctx, Header{Type: MsgReady}, nil); err != nil {
		return err
	}
	c.readySent = true
	return nil
}

// AwaitReady blocks until the peer's READY message has been received.
func (c *ControlExchange) AwaitReady(ctx context.Context, recvBufs [][]byte) error {
	for !c.readyReceived {
		h, _, err := c.receiveBuffered(ctx, recvBufs)
		if err != nil {
			return err
		}
		if h.Type != MsgReady {
			return fmt.Errorf("rdma: control: expected READY, got %v", h.Type)
		}
		c.readyReceived = true
	}
	return nil
}

// receiveBuffered waits for the next RECV completion and decodes the
// header+payload out of the buffer that was posted for it. recvBufs
// must be indexed by the RECV work request's tag (its Chunk() field),
// matching the order buffers were posted in PostRecvBuffers.
func (c *ControlExchange) receiveBuffered(ctx context.Context, recvBufs [][]byte) (Header, []byte, error) {
	if err := c.cq.Wait(ctx); err != nil {
		return Header{}, nil, fmt.Errorf("rdma: control: wait for recv completion: %w", err)
	}
	wc, ok := c.cq.Poll()
	if !ok {
		return Header{}, nil, fmt.Errorf("rdma: control: no completion ready after Wait")
	}
	if !wc.Success {
		return Header{}, nil, fmt.Errorf("rdma: control: recv completion failed: %w", wc.Err)
	}
	tag := wc.WRID.Chunk()
	if int(tag) >= len(recvBufs) {
		return Header{}, nil, fmt.Errorf("rdma: control: recv tag %d out of range", tag)
	}
	buf := recvBufs[tag]
	h, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}
	if h.Len > uint32(len(buf))-HeaderSize {
		return Header{}, nil, fmt.Errorf("rdma: control: declared length %d exceeds buffer", h.Len)
	}
	payload := buf[HeaderSize : HeaderSize+h.Len]
	return h, payload, nil
}

// Request sends msgType with payload and waits for the peer's reply,
// gated on the READY handshake having already completed both ways.
func (c *ControlExchange) Request(ctx context.Context, msgType MsgType, payload []byte, repeat uint32, recvBufs [][]byte) (Header, []byte, error) {
	if !c.readySent || !c.readyReceived {
		return Header{}, nil, fmt.Errorf("rdma: control: request sent before READY handshake completed")
	}
	if err := c.send(ctx, Header{Type: msgType, Repeat: repeat}, payload); err != nil {
		return Header{}, nil, err
	}
	return c.receiveBuffered(ctx, recvBufs)
}

// Respond blocks for the next incoming control message, gated on the
// READY handshake. It is the answering side's counterpart to Request:
// a secondary driving a Responder calls Respond to receive the
// primary's next on-demand request, then Reply to answer it.
func (c *ControlExchange) Respond(ctx context.Context, recvBufs [][]byte) (Header, []byte, error) {
	if !c.readySent || !c.readyReceived {
		return Header{}, nil, fmt.Errorf("rdma: control: respond attempted before READY handshake completed")
	}
	return c.receiveBuffered(ctx, recvBufs)
}

// Reply answers a message received via Respond.
func (c *ControlExchange) Reply(ctx context.Context, msgType MsgType, payload []byte, repeat uint32) error {
	return c.send(ctx, Header{Type: msgType, Repeat: repeat}, payload)
}
