// Package metrics exports Sender/Receiver statistics as Prometheus
// metrics. Unlike the teacher's dialog metrics collector, which lives
// behind a "prometheus" build tag gating an optional SIP subsystem, this
// collector runs unconditionally: statistics visibility is one of
// spec.md's own requirements, not an optional extra.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dhpke/aes67node/pkg/aes67"
)

const namespace = "aes67"

// SenderSource is anything a Collector can periodically sample for
// outbound statistics. *sender.Sender satisfies this.
type SenderSource interface {
	Statistics() aes67.SenderStatistics
	IsHealthy() bool
}

// ReceiverSource is anything a Collector can periodically sample for
// inbound statistics. *receiver.Receiver satisfies this.
type ReceiverSource interface {
	Statistics() aes67.ReceiverStatistics
	IsHealthy() bool
}

// Collector polls a set of named senders/receivers on an interval and
// reflects their statistics into Prometheus gauges, labeled by stream ID.
type Collector struct {
	senders   map[string]SenderSource
	receivers map[string]ReceiverSource

	senderPacketsSent *prometheus.GaugeVec
	senderBytesSent   *prometheus.GaugeVec
	senderBitrate     *prometheus.GaugeVec
	senderUnderruns   *prometheus.GaugeVec
	senderHealthy     *prometheus.GaugeVec

	receiverPacketsReceived *prometheus.GaugeVec
	receiverPacketsLost     *prometheus.GaugeVec
	receiverOutOfOrder      *prometheus.GaugeVec
	receiverBufferLevel     *prometheus.GaugeVec
	receiverJitterMs        *prometheus.GaugeVec
	receiverLatencyMs       *prometheus.GaugeVec
	receiverOverruns        *prometheus.GaugeVec
	receiverMalformed       *prometheus.GaugeVec
	receiverPTPSynchronized *prometheus.GaugeVec
	receiverHealthy         *prometheus.GaugeVec

	stopCh chan struct{}
}

// NewCollector registers every metric with the default Prometheus
// registry and returns an empty Collector. Register senders/receivers
// with AddSender/AddReceiver before calling Start.
func NewCollector() *Collector {
	labels := []string{"id"}
	return &Collector{
		senders:   make(map[string]SenderSource),
		receivers: make(map[string]ReceiverSource),

		senderPacketsSent: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sender", Name: "packets_sent_total",
			Help: "Total RTP packets sent.",
		}, labels),
		senderBytesSent: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sender", Name: "bytes_sent_total",
			Help: "Total RTP payload bytes sent.",
		}, labels),
		senderBitrate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sender", Name: "bitrate_bps",
			Help: "Instantaneous outbound bitrate in bits per second.",
		}, labels),
		senderUnderruns: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sender", Name: "underruns_total",
			Help: "Total capture underruns (source returned zero frames).",
		}, labels),
		senderHealthy: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sender", Name: "healthy",
			Help: "1 if the sender has sent a packet within the last 5s, else 0.",
		}, labels),

		receiverPacketsReceived: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "receiver", Name: "packets_received_total",
			Help: "Total RTP packets received.",
		}, labels),
		receiverPacketsLost: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "receiver", Name: "packets_lost_total",
			Help: "Total RTP packets inferred lost from sequence gaps.",
		}, labels),
		receiverOutOfOrder: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "receiver", Name: "packets_out_of_order_total",
			Help: "Total RTP packets arriving out of sequence order.",
		}, labels),
		receiverBufferLevel: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "receiver", Name: "buffer_level_ratio",
			Help: "Jitter buffer occupancy as a fraction of its configured capacity.",
		}, labels),
		receiverJitterMs: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "receiver", Name: "jitter_milliseconds",
			Help: "RFC 3550 interarrival jitter estimate in milliseconds.",
		}, labels),
		receiverLatencyMs: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "receiver", Name: "latency_milliseconds",
			Help: "Current head-of-queue age in the jitter buffer, in milliseconds.",
		}, labels),
		receiverOverruns: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "receiver", Name: "overruns_total",
			Help: "Total packets dropped to enforce jitter buffer capacity.",
		}, labels),
		receiverMalformed: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "receiver", Name: "malformed_total",
			Help: "Total datagrams that failed RTP unmarshal or carried a payload that is not frame-aligned.",
		}, labels),
		receiverPTPSynchronized: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "receiver", Name: "ptp_synchronized",
			Help: "1 if the referenced PTP clock reports synchronized, else 0.",
		}, labels),
		receiverHealthy: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "receiver", Name: "healthy",
			Help: "1 if the receiver has seen a packet within the last 5s, else 0.",
		}, labels),

		stopCh: make(chan struct{}),
	}
}

// AddSender registers a sender under id for periodic sampling.
func (c *Collector) AddSender(id string, s SenderSource) {
	c.senders[id] = s
}

// AddReceiver registers a receiver under id for periodic sampling.
func (c *Collector) AddReceiver(id string, r ReceiverSource) {
	c.receivers[id] = r
}

// Start begins sampling every interval until Stop is called.
func (c *Collector) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.sample()
			}
		}
	}()
}

// Stop halts sampling.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) sample() {
	for id, s := range c.senders {
		stats := s.Statistics()
		c.senderPacketsSent.WithLabelValues(id).Set(float64(stats.PacketsSent))
		c.senderBytesSent.WithLabelValues(id).Set(float64(stats.BytesSent))
		c.senderBitrate.WithLabelValues(id).Set(stats.BitrateBps)
		c.senderUnderruns.WithLabelValues(id).Set(float64(stats.Underruns))
		c.senderHealthy.WithLabelValues(id).Set(boolToFloat(s.IsHealthy()))
	}

	for id, r := range c.receivers {
		stats := r.Statistics()
		c.receiverPacketsReceived.WithLabelValues(id).Set(float64(stats.PacketsReceived))
		c.receiverPacketsLost.WithLabelValues(id).Set(float64(stats.PacketsLost))
		c.receiverOutOfOrder.WithLabelValues(id).Set(float64(stats.PacketsOutOfOrder))
		c.receiverBufferLevel.WithLabelValues(id).Set(stats.BufferLevel)
		c.receiverJitterMs.WithLabelValues(id).Set(stats.JitterMs)
		c.receiverLatencyMs.WithLabelValues(id).Set(stats.LatencyMs)
		c.receiverOverruns.WithLabelValues(id).Set(float64(stats.Overruns))
		c.receiverMalformed.WithLabelValues(id).Set(float64(stats.Malformed))
		c.receiverPTPSynchronized.WithLabelValues(id).Set(boolToFloat(stats.PTPSynchronized))
		c.receiverHealthy.WithLabelValues(id).Set(boolToFloat(r.IsHealthy()))
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
