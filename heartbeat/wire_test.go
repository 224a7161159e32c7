package heartbeat

import (
	"bytes"
	"testing"

	"github.com/reveries-network/node/reverie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := wireMessage{Kind: kindHeartbeat, Payload: reverie.HeartbeatPayload{BlockHeight: 42}}

	require.NoError(t, writeFrame(&buf, msg))

	got, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, msg.Kind, got.Kind)
	assert.Equal(t, msg.Payload.BlockHeight, got.Payload.BlockHeight)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	var length [8]byte
	for i := range length {
		length[i] = 0xFF
	}
	buf.Write(length[:])

	_, err := readFrame(&buf)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	msg := wireMessage{Kind: kindHeartbeat, Payload: reverie.HeartbeatPayload{
		TeeAttestation: make([]byte, maxPayloadSize+1),
	}}
	err := writeFrame(&buf, msg)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
