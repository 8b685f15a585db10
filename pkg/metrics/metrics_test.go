package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhpke/aes67node/pkg/aes67"
)

type fakeSenderSource struct {
	stats   aes67.SenderStatistics
	healthy bool
}

func (f *fakeSenderSource) Statistics() aes67.SenderStatistics { return f.stats }
func (f *fakeSenderSource) IsHealthy() bool                   { return f.healthy }

type fakeReceiverSource struct {
	stats   aes67.ReceiverStatistics
	healthy bool
}

func (f *fakeReceiverSource) Statistics() aes67.ReceiverStatistics { return f.stats }
func (f *fakeReceiverSource) IsHealthy() bool                      { return f.healthy }

func TestCollectorSamplesSenderStatistics(t *testing.T) {
	c := NewCollector()
	source := &fakeSenderSource{
		stats:   aes67.SenderStatistics{PacketsSent: 42, BytesSent: 1000, BitrateBps: 1536000, Underruns: 2},
		healthy: true,
	}
	c.AddSender("tx-1", source)
	c.sample()

	assert.Equal(t, float64(42), testutil.ToFloat64(c.senderPacketsSent.WithLabelValues("tx-1")))
	assert.Equal(t, float64(1000), testutil.ToFloat64(c.senderBytesSent.WithLabelValues("tx-1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.senderHealthy.WithLabelValues("tx-1")))
}

func TestCollectorSamplesReceiverStatistics(t *testing.T) {
	c := NewCollector()
	source := &fakeReceiverSource{
		stats: aes67.ReceiverStatistics{
			PacketsReceived: 100, PacketsLost: 3, BufferLevel: 0.25, JitterMs: 1.2, LatencyMs: 8.5,
			PTPSynchronized: true,
		},
		healthy: false,
	}
	c.AddReceiver("rx-1", source)
	c.sample()

	assert.Equal(t, float64(100), testutil.ToFloat64(c.receiverPacketsReceived.WithLabelValues("rx-1")))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.receiverPacketsLost.WithLabelValues("rx-1")))
	assert.Equal(t, float64(8.5), testutil.ToFloat64(c.receiverLatencyMs.WithLabelValues("rx-1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.receiverPTPSynchronized.WithLabelValues("rx-1")))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.receiverHealthy.WithLabelValues("rx-1")))
}

func TestCollectorStartStop(t *testing.T) {
	c := NewCollector()
	source := &fakeSenderSource{stats: aes67.SenderStatistics{PacketsSent: 5}, healthy: true}
	c.AddSender("tx-2", source)

	c.Start(5 * time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.senderPacketsSent.WithLabelValues("tx-2")) == 5
	}, time.Second, 5*time.Millisecond)
	c.Stop()
}
