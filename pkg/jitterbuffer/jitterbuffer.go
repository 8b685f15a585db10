package jitterbuffer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/dhpke/aes67node/pkg/aes67"
)

// Config mirrors original_source's JitterBuffer::Config field names.
type Config struct {
	TargetDelayMs int // playout target above arrival time
	MinDelayMs    int // carried for configuration parity; Pop does not consult it
	MaxDelayMs    int // ceiling; Pop releases a head packet this old even before TargetDelayMs
	MaxPackets    int // hard cap on queued packets (DoS/leak guard)
	SampleRate    int // clock rate packet timestamps are expressed in
}

// DefaultConfig returns original_source's defaults: 10/5/50ms, 1000 packets.
func DefaultConfig(sampleRate int) Config {
	return Config{
		TargetDelayMs: 10,
		MinDelayMs:    5,
		MaxDelayMs:    50,
		MaxPackets:    1000,
		SampleRate:    sampleRate,
	}
}

// PushResult reports what Push did with an incoming packet, mirroring
// original_source's JitterBuffer::insert() Accepted/Duplicate/Dropped
// result.
type PushResult int

const (
	// Accepted means the packet was queued for playout.
	Accepted PushResult = iota
	// Duplicate means a packet with the same RTP timestamp is already
	// queued or was the most recently played out; the incoming one was
	// discarded.
	Duplicate
	// Dropped means the packet arrived after its timestamp's playout
	// slot had already passed and was discarded instead of queued.
	Dropped
)

func (r PushResult) String() string {
	switch r {
	case Accepted:
		return "Accepted"
	case Duplicate:
		return "Duplicate"
	case Dropped:
		return "Dropped"
	default:
		return "Unknown"
	}
}

// burstReleaseDepth is the queue depth at which Pop releases its head
// regardless of age, relieving a burst of back-to-back arrivals before it
// compounds into added playout latency (spec.md §4.4 drain policy (b)).
const burstReleaseDepth = 3

type queuedPacket struct {
	packet  *rtp.Packet
	arrival time.Time
	index   int
}

// packetHeap orders queuedPacket by RTP timestamp, tolerant of 32-bit
// wraparound via aes67.TimestampWrapLess.
type packetHeap []*queuedPacket

func (h packetHeap) Len() int { return len(h) }
func (h packetHeap) Less(i, j int) bool {
	return aes67.TimestampWrapLess(h[i].packet.Timestamp, h[j].packet.Timestamp)
}
func (h packetHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *packetHeap) Push(x interface{}) {
	item := x.(*queuedPacket)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *packetHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// JitterBuffer reorders received RTP packets by timestamp and releases
// them once they have aged past the target playout delay, absorbing
// network jitter at the cost of TargetDelayMs of added latency.
type JitterBuffer struct {
	cfg Config

	mu       sync.Mutex
	packets  packetHeap
	queued   map[uint32]struct{} // timestamps currently queued, for duplicate detection
	overruns uint64

	haveReleased    bool
	lastReleasedTs  uint32
	haveLastTransit bool
	lastTransit     int64
	jitter          float64 // RFC 3550 §6.4.1 estimate, in RTP clock units
}

// New constructs a JitterBuffer from cfg, filling in DefaultConfig(cfg.SampleRate)
// values for any zero field.
func New(cfg Config) *JitterBuffer {
	d := DefaultConfig(cfg.SampleRate)
	if cfg.TargetDelayMs == 0 {
		cfg.TargetDelayMs = d.TargetDelayMs
	}
	if cfg.MinDelayMs == 0 {
		cfg.MinDelayMs = d.MinDelayMs
	}
	if cfg.MaxDelayMs == 0 {
		cfg.MaxDelayMs = d.MaxDelayMs
	}
	if cfg.MaxPackets == 0 {
		cfg.MaxPackets = d.MaxPackets
	}
	jb := &JitterBuffer{cfg: cfg, queued: make(map[uint32]struct{})}
	heap.Init(&jb.packets)
	return jb
}

// Push inserts pkt, received at arrival, into the buffer. It returns
// Duplicate without queuing if a packet at the same RTP timestamp is
// already queued or was the most recently released, Dropped without queuing if
// pkt's timestamp precedes the most recently released one (it arrived
// too late to play in order), and Accepted otherwise. An Accepted push
// that exceeds MaxPackets evicts the oldest (lowest-timestamp) entry to
// make room — bounded memory takes priority over completeness once the
// cap is hit — and counts it as an overrun.
func (jb *JitterBuffer) Push(pkt *rtp.Packet, arrival time.Time) (PushResult, error) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if _, dup := jb.queued[pkt.Timestamp]; dup {
		return Duplicate, nil
	}
	if jb.haveReleased && pkt.Timestamp == jb.lastReleasedTs {
		return Duplicate, nil
	}
	if jb.haveReleased && aes67.TimestampWrapLess(pkt.Timestamp, jb.lastReleasedTs) {
		return Dropped, nil
	}

	jb.updateJitterLocked(pkt, arrival)

	if len(jb.packets) >= jb.cfg.MaxPackets {
		evicted := heap.Pop(&jb.packets).(*queuedPacket)
		delete(jb.queued, evicted.packet.Timestamp)
		jb.overruns++
	}

	heap.Push(&jb.packets, &queuedPacket{packet: pkt, arrival: arrival})
	jb.queued[pkt.Timestamp] = struct{}{}
	return Accepted, nil
}

// updateJitterLocked applies the RFC 3550 §6.4.1 interarrival jitter
// estimate: J += (|D| - J) / 16, where D is the difference between
// consecutive (arrival-time delta, RTP-timestamp delta) pairs, both
// expressed in RTP clock units.
func (jb *JitterBuffer) updateJitterLocked(pkt *rtp.Packet, arrival time.Time) {
	if jb.cfg.SampleRate <= 0 {
		return
	}
	arrivalUnits := arrival.UnixNano() * int64(jb.cfg.SampleRate) / 1_000_000_000
	transit := arrivalUnits - int64(int32(pkt.Timestamp))

	if jb.haveLastTransit {
		d := transit - jb.lastTransit
		if d < 0 {
			d = -d
		}
		jb.jitter += (float64(d) - jb.jitter) / 16.0
	}
	jb.lastTransit = transit
	jb.haveLastTransit = true
}

// Pop releases the oldest-by-timestamp packet whose target playout time
// (arrival + TargetDelayMs) has passed relative to now, whose age has
// passed MaxDelayMs regardless of target, or when queue depth has
// reached burstReleaseDepth — releasing ahead of schedule to relieve a
// burst rather than let it add further latency. Returns ok=false if none
// of those conditions hold yet.
func (jb *JitterBuffer) Pop(now time.Time) (pkt *rtp.Packet, ok bool) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if len(jb.packets) == 0 {
		return nil, false
	}

	head := jb.packets[0]
	age := now.Sub(head.arrival)
	targetReady := age >= time.Duration(jb.cfg.TargetDelayMs)*time.Millisecond
	tooOld := age >= time.Duration(jb.cfg.MaxDelayMs)*time.Millisecond
	burstPressure := len(jb.packets) >= burstReleaseDepth

	if !targetReady && !tooOld && !burstPressure {
		return nil, false
	}

	item := heap.Pop(&jb.packets).(*queuedPacket)
	delete(jb.queued, item.packet.Timestamp)
	jb.haveReleased = true
	jb.lastReleasedTs = item.packet.Timestamp
	return item.packet, true
}

// Level reports buffer occupancy in [0,1] as a fraction of MaxPackets.
func (jb *JitterBuffer) Level() float64 {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	if jb.cfg.MaxPackets == 0 {
		return 0
	}
	return float64(len(jb.packets)) / float64(jb.cfg.MaxPackets)
}

// JitterMs returns the RFC 3550 interarrival jitter estimate converted to
// milliseconds, using the configured SampleRate. Returns 0 if SampleRate
// is unset.
func (jb *JitterBuffer) JitterMs() float64 {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	if jb.cfg.SampleRate <= 0 {
		return 0
	}
	return jb.jitter * 1000.0 / float64(jb.cfg.SampleRate)
}

// LatencyMs returns how long, in milliseconds, the current head-of-queue
// packet has been waiting as of now — the buffer's actual accumulated
// playout latency, distinct from the jitter estimate JitterMs reports.
// Returns 0 if the buffer is empty.
func (jb *JitterBuffer) LatencyMs(now time.Time) float64 {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	if len(jb.packets) == 0 {
		return 0
	}
	return float64(now.Sub(jb.packets[0].arrival)) / float64(time.Millisecond)
}

// Overruns returns the number of packets dropped to enforce MaxPackets.
func (jb *JitterBuffer) Overruns() uint64 {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.overruns
}

// Reset empties the buffer and clears jitter state, used when a Receiver
// reconnects to a new source.
func (jb *JitterBuffer) Reset() {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	jb.packets = nil
	heap.Init(&jb.packets)
	jb.queued = make(map[uint32]struct{})
	jb.haveReleased = false
	jb.lastReleasedTs = 0
	jb.haveLastTransit = false
	jb.lastTransit = 0
	jb.jitter = 0
	jb.overruns = 0
}
