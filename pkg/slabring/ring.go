package slabring

// Ring is the elastic staging buffer (C1). It is built as an owning slice of
// slabs plus head/tail/current index cursors rather than a literal
// doubly-linked list: growth appends to the slice, shrinkage pops from the
// tail, and index 0 (head) is never popped. This gives the same external
// contract as a linked list (byte-stream with reset-to-head) without the
// aliasing hazards of raw next/prev pointers.
//
// Ring is not safe for concurrent use; callers in this module only ever
// touch a ring from the single worker goroutine that owns the checkpoint
// tick (see pkg/mcloop).
type Ring struct {
	slabs      []*slab
	current    int // index into slabs, used for both Put growth and Get consumption
	slabSize   int
	strikes    int
	maxStrikes int
}

// New creates a ring with one slab already allocated (head always exists).
// maxStrikes is the caller-derived max_strikes_delay_secs*1000/freq_ms value
// from the MC tick state (spec.md §3).
func New(slabSize, maxStrikes int) *Ring {
	if slabSize <= 0 {
		slabSize = DefaultSlabSize
	}
	if maxStrikes < 1 {
		maxStrikes = 1
	}
	return &Ring{
		slabs:      []*slab{newSlab(slabSize)},
		slabSize:   slabSize,
		maxStrikes: maxStrikes,
	}
}

// NumSlabs returns nb_slabs.
func (r *Ring) NumSlabs() int {
	return len(r.slabs)
}

// Total returns slab_total, the sum of filled bytes across every slab.
func (r *Ring) Total() int {
	total := 0
	for _, s := range r.slabs {
		total += s.size
	}
	return total
}

// Strikes exposes the current strike counter, for tests.
func (r *Ring) Strikes() int {
	return r.strikes
}

// Put appends bytes to the ring, growing the slab chain as needed. It never
// short-writes: the returned count always equals len(p) when err is nil.
func (r *Ring) Put(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		cur := r.slabs[r.current]
		if cur.free() == 0 {
			if r.current == len(r.slabs)-1 {
				r.slabs = append(r.slabs, newSlab(r.slabSize))
			}
			r.current++
			cur = r.slabs[r.current]
		}
		n := copy(cur.buf[cur.size:], p)
		cur.size += n
		p = p[n:]
		written += n
	}
	return written, nil
}

// Get reads up to len(out) bytes starting from the current read cursor,
// spanning successive slabs. It stops at the end of the ring's filled data
// and returns the number of bytes actually produced (which may be less than
// len(out), including zero at end-of-data).
func (r *Ring) Get(out []byte) (int, error) {
	produced := 0
	for produced < len(out) {
		if r.current >= len(r.slabs) {
			break
		}
		cur := r.slabs[r.current]
		if cur.unread() == 0 {
			if r.current == len(r.slabs)-1 {
				break
			}
			r.current++
			continue
		}
		n := copy(out[produced:], cur.buf[cur.read:cur.size])
		cur.read += n
		produced += n
	}
	return produced, nil
}

// SeekHead rewinds the read cursor to the start of the ring without
// disturbing the filled lengths (size) recorded by Put. It is used after a
// save-state completes, to stream the just-written checkpoint back out.
func (r *Ring) SeekHead() {
	for _, s := range r.slabs {
		s.read = 0
	}
	r.current = 0
}

// ResetForCheckpoint applies the elastic-sizing policy (spec.md §3) using
// the ring's current Total() as "previous slab_total", then logically
// empties every slab and repositions current at head. Called once at the
// start of each tick.
func (r *Ring) ResetForCheckpoint() {
	nb := len(r.slabs)
	prevTotal := r.Total()

	if nb >= 2 {
		if prevTotal <= (nb-1)*r.slabSize {
			r.strikes++
		} else {
			// the previous tick filled every slab to capacity.
			r.strikes = 0
		}
	}

	if r.strikes >= r.maxStrikes {
		available := nb - 1 // head is never freed
		toFree := available / 2
		if toFree < 1 {
			toFree = 1
		}
		if toFree > available {
			toFree = available
		}
		if toFree > 0 {
			r.slabs = r.slabs[:len(r.slabs)-toFree]
		}
		r.strikes = 0
	}

	for _, s := range r.slabs {
		s.size = 0
		s.read = 0
	}
	r.current = 0
}

// Close releases every slab. The ring must not be used afterwards.
func (r *Ring) Close() {
	r.slabs = nil
	r.current = 0
}
