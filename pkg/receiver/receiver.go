// Package receiver implements the AES67 receive pipeline: joining a
// multicast group (by SDP or explicit source/port), depacketizing and
// jitter-buffering incoming RTP, and delivering paced PCM to an
// AudioSink, with a looplab/fsm-driven lifecycle matching
// original_source's AES67Receiver state machine.
package receiver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dhpke/aes67node/pkg/aes67"
	"github.com/dhpke/aes67node/pkg/control"
	"github.com/dhpke/aes67node/pkg/jitterbuffer"
	"github.com/dhpke/aes67node/pkg/ptpclock"
	"github.com/dhpke/aes67node/pkg/sdpcodec"
	"github.com/dhpke/aes67node/pkg/transport"
)

// State mirrors original_source's ReceiverState.
type State int

const (
	Stopped State = iota
	Initializing
	Listening
	Receiving
	Error
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Initializing:
		return "Initializing"
	case Listening:
		return "Listening"
	case Receiving:
		return "Receiving"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

var stringToState = map[string]State{
	"stopped":      Stopped,
	"initializing": Initializing,
	"listening":    Listening,
	"receiving":    Receiving,
	"error":        Error,
}

// Config configures a Receiver.
type Config struct {
	ID    string
	Label string
	Iface string

	JitterTargetDelayMs int
	JitterMinDelayMs    int
	JitterMaxDelayMs    int
	JitterMaxPackets    int
}

// StateCallback is invoked on every Receiver state transition.
type StateCallback func(State)

// Receiver owns the multicast-to-playback pipeline for one AES67 stream.
type Receiver struct {
	cfg Config

	mu            sync.RWMutex
	machine       *fsm.FSM
	depacketizer  *jitterbuffer.Depacketizer
	jitterBuf     *jitterbuffer.JitterBuffer
	transport     *transport.Transport
	clock         *ptpclock.Clock
	sink          control.AudioSink
	stateCallback StateCallback

	sdpInfo        sdpcodec.SdpInfo
	connected      bool
	lastPacketTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger zerolog.Logger
}

// New constructs a Receiver in the Stopped state.
func New(cfg Config) (*Receiver, error) {
	r := &Receiver{cfg: cfg, logger: log.With().Str("component", "receiver").Str("id", cfg.ID).Logger()}
	r.machine = fsm.NewFSM(
		"stopped",
		fsm.Events{
			{Name: "initialize", Src: []string{"stopped"}, Dst: "initializing"},
			{Name: "listen", Src: []string{"initializing"}, Dst: "listening"},
			{Name: "receive", Src: []string{"listening"}, Dst: "receiving"},
			{Name: "stop", Src: []string{"initializing", "listening", "receiving", "error"}, Dst: "stopped"},
			{Name: "fail", Src: []string{"initializing", "listening", "receiving"}, Dst: "error"},
			{Name: "recover", Src: []string{"error"}, Dst: "stopped"},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				r.handleStateChange(e)
			},
		},
	)
	return r, nil
}

func (r *Receiver) handleStateChange(e *fsm.Event) {
	r.logger.Info().Str("from", e.Src).Str("to", e.Dst).Msg("receiver state changed")
	// Every machine.Event call is made with r.mu already held, so the
	// callback field is read directly and cb runs under that lock.
	cb := r.stateCallback
	if cb != nil {
		cb(stringToState[e.Dst])
	}
}

// SetAudioSink sets the playback sink. Must be called before Start.
func (r *Receiver) SetAudioSink(sink control.AudioSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// SetPTPSync sets the PTP clock used to report synchronization status.
func (r *Receiver) SetPTPSync(clock *ptpclock.Clock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
}

// OnStateChange registers cb to be called on every state transition. cb
// runs with the Receiver's lock held and must not call back into it.
func (r *Receiver) OnStateChange(cb StateCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateCallback = cb
}

// Initialize prepares the depacketizer and jitter buffer. Call before
// ConnectSDP/ConnectParams.
func (r *Receiver) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.machine.Event(context.Background(), "initialize"); err != nil {
		return aes67.Wrap(aes67.ConfigInvalid, "Initialize", "invalid state transition", err)
	}

	r.depacketizer = jitterbuffer.NewDepacketizer(aes67.AudioFormat{})
	return nil
}

// ConnectSDP parses raw and joins the multicast group it describes.
func (r *Receiver) ConnectSDP(raw string) error {
	info, err := sdpcodec.Parse(raw)
	if err != nil {
		return err
	}
	return r.connect(info)
}

// ConnectParams joins sourceIP:port directly, without an SDP description,
// using format to size the jitter buffer's sample-rate-dependent fields.
func (r *Receiver) ConnectParams(sourceIP string, port uint16, format aes67.AudioFormat) error {
	if err := format.Validate(); err != nil {
		return err
	}
	return r.connect(sdpcodec.SdpInfo{SourceIP: sourceIP, Port: port, Format: format})
}

func (r *Receiver) connect(info sdpcodec.SdpInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connected {
		return aes67.New(aes67.ConfigInvalid, "connect", "already connected; call Disconnect first")
	}

	if err := r.machine.Event(context.Background(), "listen"); err != nil {
		return aes67.Wrap(aes67.ConfigInvalid, "connect", "invalid state transition", err)
	}

	tr, err := transport.New(transport.Config{
		Group: info.SourceIP,
		Port:  int(info.Port),
		Iface: r.cfg.Iface,
	})
	if err != nil {
		_ = r.machine.Event(context.Background(), "fail")
		return err
	}

	jb := jitterbuffer.New(jitterbuffer.Config{
		TargetDelayMs: r.cfg.JitterTargetDelayMs,
		MinDelayMs:    r.cfg.JitterMinDelayMs,
		MaxDelayMs:    r.cfg.JitterMaxDelayMs,
		MaxPackets:    r.cfg.JitterMaxPackets,
		SampleRate:    info.Format.SampleRate,
	})

	r.transport = tr
	r.jitterBuf = jb
	r.depacketizer = jitterbuffer.NewDepacketizer(info.Format)
	r.sdpInfo = info
	r.connected = true
	return nil
}

// Disconnect leaves the multicast group and clears connection state.
// Must be called before reconnecting to a different source.
func (r *Receiver) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.transport != nil {
		r.transport.Close()
		r.transport = nil
	}
	r.connected = false
	if r.depacketizer != nil {
		r.depacketizer.Reset()
	}
}

// IsConnected reports whether a source is currently joined.
func (r *Receiver) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// Start begins the receive and playout loops. ConnectSDP/ConnectParams
// and a sink must already be set.
func (r *Receiver) Start() error {
	r.mu.Lock()

	if !r.connected {
		r.mu.Unlock()
		return aes67.New(aes67.NotConnected, "Start", "not connected to a source")
	}
	if r.sink == nil {
		r.mu.Unlock()
		return aes67.New(aes67.ConfigInvalid, "Start", "no audio sink configured")
	}
	if err := r.machine.Event(context.Background(), "receive"); err != nil {
		r.mu.Unlock()
		return aes67.Wrap(aes67.ConfigInvalid, "Start", "invalid state transition", err)
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.lastPacketTime = time.Now()
	r.mu.Unlock()

	r.wg.Add(2)
	go r.receiveLoop()
	go r.playoutLoop()
	return nil
}

// Stop halts both loops and leaves the transport open (use Disconnect to
// leave the multicast group).
func (r *Receiver) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.machine.Event(context.Background(), "stop")
}

// IsRunning reports whether the Receiver is in the Receiving state.
func (r *Receiver) IsRunning() bool {
	return r.State() == Receiving
}

// State returns the current lifecycle state.
func (r *Receiver) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return stringToState[r.machine.Current()]
}

func (r *Receiver) receiveLoop() {
	defer r.wg.Done()

	r.mu.RLock()
	ctx := r.ctx
	tr := r.transport
	depacketizer := r.depacketizer
	jb := r.jitterBuf
	r.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, _, err := tr.Receive(ctx)
		if err != nil {
			var coreErr *aes67.Error
			if errors.As(err, &coreErr) && coreErr.Kind == aes67.TransportTransient {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			r.logger.Error().Err(err).Msg("transport receive failed")
			r.mu.Lock()
			_ = r.machine.Event(context.Background(), "fail")
			r.mu.Unlock()
			return
		}

		pkt, err := depacketizer.Unmarshal(raw)
		if err != nil {
			continue
		}

		if _, err := jb.Push(pkt, time.Now()); err != nil {
			continue
		}

		r.mu.Lock()
		r.lastPacketTime = time.Now()
		r.mu.Unlock()
	}
}

func (r *Receiver) playoutLoop() {
	defer r.wg.Done()

	r.mu.RLock()
	ctx := r.ctx
	jb := r.jitterBuf
	sink := r.sink
	r.mu.RUnlock()

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				pkt, ok := jb.Pop(time.Now())
				if !ok {
					break
				}
				if err := sink.WriteFrames(pkt.Payload); err != nil {
					continue
				}
			}
		}
	}
}

// Statistics returns a point-in-time snapshot of reception counters,
// folding in the jitter buffer's level/latency and the PTP sync state.
func (r *Receiver) Statistics() aes67.ReceiverStatistics {
	r.mu.RLock()
	depacketizer := r.depacketizer
	jb := r.jitterBuf
	clock := r.clock
	lastReceive := r.lastPacketTime
	r.mu.RUnlock()

	if depacketizer == nil {
		return aes67.ReceiverStatistics{}
	}
	stats := depacketizer.Statistics()
	stats.LastReceive = lastReceive
	if jb != nil {
		stats.BufferLevel = jb.Level()
		stats.JitterMs = jb.JitterMs()
		stats.LatencyMs = jb.LatencyMs(time.Now())
		stats.Overruns = jb.Overruns()
	}
	if clock != nil {
		stats.PTPSynchronized = clock.IsSynchronized()
	}
	return stats
}

// SdpInfo returns the parsed SDP this Receiver connected with (only
// SourceIP, Port and Format are set if connected via ConnectParams).
func (r *Receiver) SdpInfo() sdpcodec.SdpInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sdpInfo
}

// IsHealthy reports whether the Receiver is Receiving and has seen a
// packet within the last 5 seconds, matching spec.md §7's health
// threshold.
func (r *Receiver) IsHealthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if stringToState[r.machine.Current()] != Receiving {
		return false
	}
	return time.Since(r.lastPacketTime) < 5*time.Second
}

// Recover transitions out of the Error state back to Stopped.
func (r *Receiver) Recover() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.machine.Event(context.Background(), "recover"); err != nil {
		return aes67.Wrap(aes67.Unhealthy, "Recover", "cannot recover from current state", err)
	}
	return nil
}
