package slabring

import "io"

// Adapter adapts a Ring to the byte-stream interface the hypervisor's
// save-state/load-state calls expect (C2): an io.Writer during save, an
// io.Reader once the save has completed and the bytes need to be streamed
// to the transport, and the same io.Writer/io.Reader pair again on the
// receiving side (write the wire bytes in, then replay them through
// load-state).
type Adapter struct {
	ring *Ring
}

var (
	_ io.Writer = (*Adapter)(nil)
	_ io.Reader = (*Adapter)(nil)
)

// NewAdapter wraps ring for use as a hypervisor byte-stream.
func NewAdapter(ring *Ring) *Adapter {
	return &Adapter{ring: ring}
}

// Write implements io.Writer, used by the hypervisor during save-state and
// by the MC receiver while it reassembles an incoming checkpoint.
func (a *Adapter) Write(p []byte) (int, error) {
	return a.ring.Put(p)
}

// Read implements io.Reader, used to stream a completed checkpoint out to
// the transport, and by the hypervisor during load-state on the secondary.
func (a *Adapter) Read(p []byte) (int, error) {
	n, err := a.ring.Get(p)
	if n == 0 && err == nil {
		return 0, io.EOF
	}
	return n, err
}

// CompleteSave rewinds the ring's read cursor to the head without
// disturbing the bytes just written, so the checkpoint can be streamed out
// from the beginning. It corresponds to the hypervisor's
// save_state_complete call returning control to the MC loop.
func (a *Adapter) CompleteSave() {
	a.ring.SeekHead()
}

// ResetForCheckpoint applies the elastic-sizing policy and prepares the
// ring for a fresh save. It corresponds to the tick-start step "reset slab
// ring" in the MC loop (C4 step 1) and the MC receiver (C5).
func (a *Adapter) ResetForCheckpoint() {
	a.ring.ResetForCheckpoint()
}

// Ring exposes the underlying ring, e.g. for Total()/NumSlabs() reporting
// into pkg/metrics.
func (a *Adapter) Ring() *Ring {
	return a.ring
}

// Close releases the underlying ring's slabs.
func (a *Adapter) Close() {
	a.ring.Close()
}
