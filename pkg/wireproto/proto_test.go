package wireproto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSentinel_RoundTrip(t *testing.T) {
	for _, s := range []Sentinel{NACK, COMMIT, CANCEL, ACK} {
		var buf bytes.Buffer
		require.NoError(t, WriteSentinel(&buf, s))
		got, err := ReadSentinel(&buf)
		require.NoError(t, err)
		require.Equal(t, s, got)
	}
}

func TestSendReceiveCheckpoint_RoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")

	var wire bytes.Buffer
	require.NoError(t, SendCheckpoint(&wire, bytes.NewReader(payload), uint32(len(payload))))

	var body bytes.Buffer
	sentinel, size, err := ReceiveCheckpoint(&wire, &body)
	require.NoError(t, err)
	require.Equal(t, COMMIT, sentinel)
	require.Equal(t, uint32(len(payload)), size)
	require.Equal(t, payload, body.Bytes())
}

func TestReceiveCheckpoint_ZeroSizeIsProtocolViolation(t *testing.T) {
	var wire bytes.Buffer
	require.NoError(t, WriteSentinel(&wire, COMMIT))
	require.NoError(t, binaryWriteU32(&wire, 0))

	var body bytes.Buffer
	_, _, err := ReceiveCheckpoint(&wire, &body)
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestReceiveCheckpoint_CancelIsAcceptedAsOrderlyStop(t *testing.T) {
	var wire bytes.Buffer
	require.NoError(t, WriteSentinel(&wire, CANCEL))

	var body bytes.Buffer
	sentinel, size, err := ReceiveCheckpoint(&wire, &body)
	require.NoError(t, err)
	require.Equal(t, CANCEL, sentinel)
	require.Zero(t, size)
}

func TestACK_RoundTrip(t *testing.T) {
	var wire bytes.Buffer
	require.NoError(t, SendACK(&wire))
	require.NoError(t, AwaitACK(&wire))
}

func binaryWriteU32(w *bytes.Buffer, v uint32) error {
	b := []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	_, err := w.Write(b)
	return err
}
