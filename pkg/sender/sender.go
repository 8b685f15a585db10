// Package sender implements the AES67 transmit pipeline: pulling PCM
// frames from an AudioSource, packetizing them against a PTP-synchronized
// clock, and multicasting the result, with a looplab/fsm-driven lifecycle
// matching original_source's AES67Sender state machine.
package sender

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dhpke/aes67node/pkg/aes67"
	"github.com/dhpke/aes67node/pkg/control"
	"github.com/dhpke/aes67node/pkg/ptpclock"
	"github.com/dhpke/aes67node/pkg/rtppacketizer"
	"github.com/dhpke/aes67node/pkg/sdpcodec"
	"github.com/dhpke/aes67node/pkg/transport"
)

// State mirrors original_source's SenderState.
type State int

const (
	Stopped State = iota
	Initializing
	Running
	Error
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Initializing:
		return "Initializing"
	case Running:
		return "Running"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

var stringToState = map[string]State{
	"stopped":      Stopped,
	"initializing": Initializing,
	"running":      Running,
	"error":        Error,
}

// Config configures a Sender.
type Config struct {
	ID          string
	Label       string
	SessionName string
	Format      aes67.AudioFormat
	PacketTime  aes67.PacketTime
	PayloadType uint8

	MulticastGroup string
	Port           int
	TTL            int
	Iface          string
	PtpDomain      uint8

	// ReadChunkPackets controls how many packets' worth of PCM are
	// pulled from the AudioSource per ReadFrames call; 1 minimizes
	// capture-to-wire latency, larger values reduce syscall overhead.
	ReadChunkPackets int
}

// StateCallback is invoked on every Sender state transition.
type StateCallback func(State)

// Sender owns the capture-to-multicast pipeline for one AES67 stream.
type Sender struct {
	cfg Config

	mu            sync.RWMutex
	machine       *fsm.FSM
	packetizer    *rtppacketizer.Packetizer
	transport     *transport.Transport
	clock         *ptpclock.Clock
	source        control.AudioSource
	stateCallback StateCallback

	startTime      time.Time
	lastPacketTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger zerolog.Logger
}

// New validates cfg and constructs a Sender in the Stopped state. It does
// not open any socket or start capturing; call Initialize then Start.
func New(cfg Config) (*Sender, error) {
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	if !cfg.PacketTime.Valid() {
		return nil, aes67.New(aes67.ConfigInvalid, "New", fmt.Sprintf("unsupported packet time %dus", cfg.PacketTime))
	}
	if cfg.ReadChunkPackets <= 0 {
		cfg.ReadChunkPackets = 1
	}

	s := &Sender{cfg: cfg, logger: log.With().Str("component", "sender").Str("id", cfg.ID).Logger()}
	s.machine = fsm.NewFSM(
		"stopped",
		fsm.Events{
			{Name: "initialize", Src: []string{"stopped"}, Dst: "initializing"},
			{Name: "run", Src: []string{"initializing"}, Dst: "running"},
			{Name: "stop", Src: []string{"initializing", "running", "error"}, Dst: "stopped"},
			{Name: "fail", Src: []string{"initializing", "running"}, Dst: "error"},
			{Name: "recover", Src: []string{"error"}, Dst: "stopped"},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				s.handleStateChange(e)
			},
		},
	)
	return s, nil
}

func (s *Sender) handleStateChange(e *fsm.Event) {
	s.logger.Info().Str("from", e.Src).Str("to", e.Dst).Msg("sender state changed")
	// Every machine.Event call is made with s.mu already held, so the
	// callback field is read directly and cb runs under that lock.
	cb := s.stateCallback
	if cb != nil {
		cb(stringToState[e.Dst])
	}
}

// SetAudioSource sets the capture source. Must be called before Start.
func (s *Sender) SetAudioSource(source control.AudioSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = source
}

// SetPTPSync sets the PTP clock used to stamp outgoing packets. Must be
// called before Initialize.
func (s *Sender) SetPTPSync(clock *ptpclock.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// OnStateChange registers cb to be called on every state transition. cb
// runs with the Sender's lock held and must not call back into it.
func (s *Sender) OnStateChange(cb StateCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateCallback = cb
}

// Initialize builds the packetizer and joins the multicast transport.
func (s *Sender) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.machine.Event(context.Background(), "initialize"); err != nil {
		return aes67.Wrap(aes67.ConfigInvalid, "Initialize", "invalid state transition", err)
	}

	packetizer, err := rtppacketizer.New(rtppacketizer.Config{
		Format:      s.cfg.Format,
		PacketTime:  s.cfg.PacketTime,
		PayloadType: s.cfg.PayloadType,
	})
	if err != nil {
		_ = s.machine.Event(context.Background(), "fail")
		return err
	}

	tr, err := transport.New(transport.Config{
		Group: s.cfg.MulticastGroup,
		Port:  s.cfg.Port,
		Iface: s.cfg.Iface,
		TTL:   s.cfg.TTL,
	})
	if err != nil {
		_ = s.machine.Event(context.Background(), "fail")
		return err
	}

	if s.clock != nil {
		packetizer.SyncTimestamp(s.clock.RTPTimestamp(uint32(s.cfg.Format.SampleRate)))
		packetizer.SetPTPClock(s.clock)
	}

	s.packetizer = packetizer
	s.transport = tr
	return nil
}

// Start begins the capture loop. Requires SetAudioSource and Initialize
// to have run first.
func (s *Sender) Start() error {
	s.mu.Lock()

	if s.source == nil {
		s.mu.Unlock()
		return aes67.New(aes67.ConfigInvalid, "Start", "no audio source configured")
	}
	if err := s.machine.Event(context.Background(), "run"); err != nil {
		s.mu.Unlock()
		return aes67.Wrap(aes67.ConfigInvalid, "Start", "invalid state transition", err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.startTime = time.Now()
	s.lastPacketTime = s.startTime
	s.mu.Unlock()

	s.wg.Add(1)
	go s.captureLoop()
	return nil
}

// Stop halts the capture loop and releases the transport.
func (s *Sender) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.machine.Event(context.Background(), "stop")
	if s.transport != nil {
		s.transport.Close()
	}
}

// IsRunning reports whether the Sender is in the Running state.
func (s *Sender) IsRunning() bool {
	return s.State() == Running
}

// State returns the current lifecycle state.
func (s *Sender) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stringToState[s.machine.Current()]
}

func (s *Sender) captureLoop() {
	defer s.wg.Done()

	s.mu.RLock()
	frameBytes := s.packetizer.SamplesPerPacket() * s.cfg.Format.BytesPerFrame() * s.cfg.ReadChunkPackets
	s.mu.RUnlock()

	buf := make([]byte, frameBytes)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		n, err := s.source.ReadFrames(buf)
		if err != nil {
			s.logger.Error().Err(err).Msg("audio source read failed")
			s.mu.Lock()
			_ = s.machine.Event(context.Background(), "fail")
			s.mu.Unlock()
			return
		}
		if n == 0 {
			s.packetizer.RecordUnderrun()
			continue
		}

		packets, err := s.packetizer.Write(buf[:n])
		if err != nil {
			continue
		}

		for _, pkt := range packets {
			raw, err := pkt.Marshal()
			if err != nil {
				continue
			}
			if err := s.transport.Send(raw); err != nil {
				if coreErr, ok := err.(*aes67.Error); ok && coreErr.Kind == aes67.TransportTransient {
					continue
				}
				s.logger.Error().Err(err).Msg("transport send failed")
				s.mu.Lock()
				_ = s.machine.Event(context.Background(), "fail")
				s.mu.Unlock()
				return
			}
			s.mu.Lock()
			s.lastPacketTime = time.Now()
			s.mu.Unlock()
		}
	}
}

// GenerateSDP builds this Sender's advertisement SDP, using originAddr as
// the unicast source address and ptpClockID as the referenced grandmaster
// clock identity.
func (s *Sender) GenerateSDP(originAddr, ptpClockID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return sdpcodec.Emit(sdpcodec.EmitParams{
		SessionName: s.cfg.SessionName,
		SessionID:   uint64(time.Now().Unix()),
		OriginAddr:  originAddr,
		DestAddr:    s.cfg.MulticastGroup,
		Port:        uint16(s.cfg.Port),
		TTL:         s.cfg.TTL,
		PayloadType: s.cfg.PayloadType,
		Format:      s.cfg.Format,
		PacketTime:  s.cfg.PacketTime,
		PtpClockID:  ptpClockID,
		PtpDomain:   s.cfg.PtpDomain,
	})
}

// Statistics returns a point-in-time snapshot of send counters.
func (s *Sender) Statistics() aes67.SenderStatistics {
	s.mu.RLock()
	packetizer := s.packetizer
	s.mu.RUnlock()
	if packetizer == nil {
		return aes67.SenderStatistics{}
	}
	stats := packetizer.Statistics()
	s.mu.RLock()
	stats.LastSend = s.lastPacketTime
	s.mu.RUnlock()
	return stats
}

// IsHealthy reports whether the Sender is Running and has sent a packet
// within the last 5 seconds, matching spec.md §7's health threshold.
func (s *Sender) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if stringToState[s.machine.Current()] != Running {
		return false
	}
	return time.Since(s.lastPacketTime) < 5*time.Second
}

// Recover transitions out of the Error state back to Stopped, from which
// Initialize/Start can be retried.
func (s *Sender) Recover() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.machine.Event(context.Background(), "recover"); err != nil {
		return aes67.Wrap(aes67.Unhealthy, "Recover", "cannot recover from current state", err)
	}
	return nil
}
