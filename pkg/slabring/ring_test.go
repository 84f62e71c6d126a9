package slabring

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRing_RoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 4096, 10 * 1024 * 1024} {
		r := New(DefaultSlabSize, 100)
		buf := make([]byte, n)
		_, _ = rand.Read(buf)

		written, err := r.Put(buf)
		require.NoError(t, err)
		require.Equal(t, n, written)

		r.SeekHead()
		out := make([]byte, n)
		got, err := r.Get(out)
		require.NoError(t, err)
		require.Equal(t, n, got)
		require.True(t, bytes.Equal(buf, out))
	}
}

func TestRing_SlabBoundary(t *testing.T) {
	r := New(5*1024*1024, 100)
	buf := make([]byte, 10*1024*1024)
	_, _ = rand.Read(buf)

	_, err := r.Put(buf)
	require.NoError(t, err)
	require.GreaterOrEqual(t, r.NumSlabs(), 2)

	r.SeekHead()
	out := make([]byte, len(buf))
	got, err := r.Get(out)
	require.NoError(t, err)
	require.Equal(t, len(buf), got)
	require.True(t, bytes.Equal(buf, out))
}

func TestRing_ResetForCheckpoint_ClearsState(t *testing.T) {
	r := New(1024, 100)
	_, err := r.Put(make([]byte, 2048))
	require.NoError(t, err)
	require.Equal(t, 2048, r.Total())

	r.ResetForCheckpoint()

	require.GreaterOrEqual(t, r.NumSlabs(), 1)
	require.Equal(t, 0, r.Total())
}

func TestRing_ShrinkAfterMaxStrikes(t *testing.T) {
	const slabSize = 1024
	const maxStrikes = 100
	r := New(slabSize, maxStrikes)

	// Grow to 4 slabs.
	_, err := r.Put(make([]byte, slabSize*4))
	require.NoError(t, err)
	require.Equal(t, 4, r.NumSlabs())
	r.ResetForCheckpoint() // this tick filled every slab: strikes stays 0

	// Now under-fill relative to (nb_slabs-1)*slabSize for maxStrikes ticks.
	for i := 0; i < maxStrikes; i++ {
		_, err := r.Put(make([]byte, slabSize)) // 1 of 4 slabs filled <= 3*slabSize
		require.NoError(t, err)
		r.ResetForCheckpoint()
	}

	require.Equal(t, 3, r.NumSlabs(), "max(1,(4-1)/2) = 1 slab should have been freed, leaving 3")
	require.Equal(t, 0, r.Strikes())
}

func TestRing_NeverFreesHead(t *testing.T) {
	r := New(16, 1)
	_, err := r.Put(make([]byte, 4))
	require.NoError(t, err)
	r.ResetForCheckpoint()
	r.ResetForCheckpoint()
	require.GreaterOrEqual(t, r.NumSlabs(), 1)
}

func TestAdapter_WriteReadCycle(t *testing.T) {
	r := New(DefaultSlabSize, 100)
	a := NewAdapter(r)

	payload := []byte("checkpoint-bytes")
	n, err := a.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	a.CompleteSave()

	out := make([]byte, len(payload))
	n, err = a.Read(out)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, out)
}
