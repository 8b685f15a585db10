package jitterbuffer

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhpke/aes67node/pkg/aes67"
)

func testFormat() aes67.AudioFormat {
	return aes67.AudioFormat{SampleRate: 48000, Channels: 1, BitDepth: 16}
}

func marshalPacket(t *testing.T, seq uint16, ts uint32) []byte {
	t.Helper()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    98,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           1,
		},
		Payload: []byte{0x01, 0x02},
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	return raw
}

func TestDepacketizerInOrderNoLoss(t *testing.T) {
	d := NewDepacketizer(testFormat())
	for seq := uint16(0); seq < 10; seq++ {
		_, err := d.Unmarshal(marshalPacket(t, seq, uint32(seq)*160))
		require.NoError(t, err)
	}
	stats := d.Statistics()
	assert.Equal(t, uint64(10), stats.PacketsReceived)
	assert.Equal(t, uint64(0), stats.PacketsLost)
	assert.Equal(t, uint64(0), stats.PacketsOutOfOrder)
}

func TestDepacketizerCountsGapAsLoss(t *testing.T) {
	d := NewDepacketizer(testFormat())
	_, err := d.Unmarshal(marshalPacket(t, 0, 0))
	require.NoError(t, err)
	_, err = d.Unmarshal(marshalPacket(t, 5, 800))
	require.NoError(t, err)

	stats := d.Statistics()
	assert.Equal(t, uint64(4), stats.PacketsLost)
}

func TestDepacketizerSequenceWrapIsNotCountedAsLoss(t *testing.T) {
	d := NewDepacketizer(testFormat())
	for _, seq := range []uint16{65533, 65534, 65535, 0, 1} {
		_, err := d.Unmarshal(marshalPacket(t, seq, uint32(seq)))
		require.NoError(t, err)
	}
	stats := d.Statistics()
	assert.Equal(t, uint64(0), stats.PacketsLost)
	assert.Equal(t, uint64(0), stats.PacketsOutOfOrder)
}

func TestDepacketizerOutOfOrderReinsertionCounted(t *testing.T) {
	d := NewDepacketizer(testFormat())
	_, err := d.Unmarshal(marshalPacket(t, 0, 0))
	require.NoError(t, err)
	_, err = d.Unmarshal(marshalPacket(t, 2, 320))
	require.NoError(t, err)
	_, err = d.Unmarshal(marshalPacket(t, 1, 160)) // late arrival of the packet "lost" above
	require.NoError(t, err)

	stats := d.Statistics()
	assert.Equal(t, uint64(0), stats.PacketsLost, "the late arrival corrects the provisional loss back to zero")
	assert.Equal(t, uint64(1), stats.PacketsOutOfOrder)
}

func TestDepacketizerBoundarySequenceReordering(t *testing.T) {
	d := NewDepacketizer(testFormat())
	for _, seq := range []uint16{10, 13, 11, 12, 14} {
		_, err := d.Unmarshal(marshalPacket(t, seq, uint32(seq)*160))
		require.NoError(t, err)
	}

	stats := d.Statistics()
	assert.Equal(t, uint64(0), stats.PacketsLost)
	assert.Equal(t, uint64(2), stats.PacketsOutOfOrder)
}

func TestDepacketizerMalformedDoesNotCountAsLoss(t *testing.T) {
	d := NewDepacketizer(testFormat())
	_, err := d.Unmarshal([]byte{0x00})
	require.Error(t, err)

	stats := d.Statistics()
	assert.Equal(t, uint64(1), stats.Malformed)
	assert.Equal(t, uint64(0), stats.PacketsReceived)
}

func TestDepacketizerUnalignedPayloadCountsAsMalformed(t *testing.T) {
	d := NewDepacketizer(testFormat()) // BytesPerFrame() == 2
	pkt := &rtp.Packet{
		Header: rtp.Header{Version: 2, PayloadType: 98, SequenceNumber: 0, Timestamp: 0, SSRC: 1},
		Payload: []byte{0x01, 0x02, 0x03}, // 3 bytes, not a multiple of the 2-byte frame size
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)

	_, err = d.Unmarshal(raw)
	require.Error(t, err)

	stats := d.Statistics()
	assert.Equal(t, uint64(1), stats.Malformed)
	assert.Equal(t, uint64(0), stats.PacketsReceived)
	assert.Equal(t, uint64(0), stats.PacketsLost)
}

func TestDepacketizerReset(t *testing.T) {
	d := NewDepacketizer(testFormat())
	_, err := d.Unmarshal(marshalPacket(t, 0, 0))
	require.NoError(t, err)
	d.Reset()
	stats := d.Statistics()
	assert.Equal(t, uint64(0), stats.PacketsReceived)
}
