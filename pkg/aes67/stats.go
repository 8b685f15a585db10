package aes67

import "time"

// SenderStatistics mirrors spec.md §3's sender statistics set.
type SenderStatistics struct {
	PacketsSent     uint64
	BytesSent       uint64
	Sequence        uint16
	Timestamp       uint32
	BitrateBps      float64
	Underruns       uint64
	LastSend        time.Time
}

// ReceiverStatistics mirrors spec.md §3's receiver statistics set.
type ReceiverStatistics struct {
	PacketsReceived   uint64
	PacketsLost       uint64
	PacketsOutOfOrder uint64
	BytesReceived     uint64
	JitterMs          float64
	BufferLevel       float64 // [0,1]
	LatencyMs         float64
	LastReceive       time.Time
	PTPSynchronized   bool
	Overruns          uint64
	Malformed         uint64
}

// SeqDelta returns the signed 16-bit delta (s - prev), tolerant of
// wraparound: 1 means s directly follows prev, a value above 1 means
// delta-1 sequence numbers were skipped, and zero or a negative value
// means s is not ahead of prev (a repeat or a late arrival).
func SeqDelta(s, prev uint16) int32 {
	return int32(int16(s - prev))
}

// SeqWrapLess reports whether a precedes b in sequence-number order,
// tolerant of 16-bit wraparound.
func SeqWrapLess(a, b uint16) bool {
	return int16(a-b) < 0
}

// TimestampWrapLess reports whether a precedes b in RTP-timestamp order
// per spec.md §4.4: ordered by (a-b) interpreted as 32-bit signed, with
// ties broken by the caller (sequence number).
func TimestampWrapLess(a, b uint32) bool {
	return int32(a-b) < 0
}
