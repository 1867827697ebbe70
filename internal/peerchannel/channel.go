package peerchannel

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/peerly/peerly/internal/signaling"
)

// DataChannelLabel is the label of the single file-transfer DataChannel.
const DataChannelLabel = "file"

// ErrNotOpen is returned by Send/SendText before the DataChannel has opened
// or after it has closed.
var ErrNotOpen = errors.New("peerchannel: data channel not open")

// DefaultSTUNServers are used when the config names none.
var DefaultSTUNServers = []string{"stun:stun.l.google.com:19302"}

// Config carries transport construction knobs.
type Config struct {
	// STUNServers are ICE server URLs. nil means DefaultSTUNServers; an
	// empty non-nil slice disables STUN entirely (LAN/loopback only).
	STUNServers []string

	// Log receives pion's internal logging. nil means slog.Default().
	Log *slog.Logger
}

// Hooks are the channel's lifecycle callbacks. All are optional; they fire
// on pion's callback goroutines and must not block.
type Hooks struct {
	// OnICECandidate fires for each locally gathered candidate, for
	// trickling to the peer via the relay.
	OnICECandidate func(signaling.Candidate)

	// OnOpen fires once when the DataChannel reaches open.
	OnOpen func()

	// OnMessage fires per inbound DataChannel frame.
	OnMessage func(data []byte, isString bool)

	// OnFailed fires when the channel dies without ever having opened.
	OnFailed func()

	// OnDisconnected fires when the channel closes after having opened.
	OnDisconnected func()
}

// Channel is one live peer-to-peer transport. At most one Channel exists
// per identity at a time; the session state machine enforces that.
type Channel struct {
	log   *slog.Logger
	pc    *webrtc.PeerConnection
	hooks Hooks

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	open      bool
	wasOpen   bool
	notified  bool
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

// New constructs a Channel. The caller side creates the DataChannel up
// front (so it rides the initial offer); the callee side adopts the
// announced channel when it arrives.
func New(cfg Config, isCaller bool, hooks Hooks) (*Channel, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	stun := cfg.STUNServers
	if stun == nil {
		stun = DefaultSTUNServers
	}
	var iceServers []webrtc.ICEServer
	if len(stun) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: stun}}
	}

	se := webrtc.SettingEngine{
		LoggerFactory: slogLoggerFactory{log: log},
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers,
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	c := &Channel{
		log:   log,
		pc:    pc,
		hooks: hooks,
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || c.hooks.OnICECandidate == nil {
			return
		}
		c.hooks.OnICECandidate(signaling.CandidateFromPion(cand.ToJSON()))
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.log.Debug("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.terminate()
		}
	})

	if isCaller {
		ordered := true
		dc, err := pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{
			Ordered: &ordered,
		})
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		c.adoptDataChannel(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != DataChannelLabel {
				c.log.Warn("rejecting unexpected data channel", "label", dc.Label())
				_ = dc.Close()
				return
			}
			c.adoptDataChannel(dc)
		})
	}

	return c, nil
}

func (c *Channel) adoptDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.mu.Lock()
		c.open = true
		c.wasOpen = true
		c.mu.Unlock()
		if c.hooks.OnOpen != nil {
			c.hooks.OnOpen()
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if c.hooks.OnMessage != nil {
			c.hooks.OnMessage(msg.Data, msg.IsString)
		}
	})

	dc.OnClose(func() {
		c.terminate()
	})
}

// terminate fires exactly one of OnDisconnected/OnFailed, distinguishing a
// channel that closed after opening from one that never opened.
func (c *Channel) terminate() {
	c.mu.Lock()
	if c.notified {
		c.mu.Unlock()
		return
	}
	c.notified = true
	wasOpen := c.wasOpen
	c.open = false
	c.mu.Unlock()

	if wasOpen {
		if c.hooks.OnDisconnected != nil {
			c.hooks.OnDisconnected()
		}
	} else {
		if c.hooks.OnFailed != nil {
			c.hooks.OnFailed()
		}
	}
}

// CreateOffer produces and installs the local offer.
func (c *Channel) CreateOffer() (signaling.SDP, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return signaling.SDP{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return signaling.SDP{}, fmt.Errorf("set local offer: %w", err)
	}
	return signaling.SDPFromPion(offer), nil
}

// CreateAnswer produces and installs the local answer. The remote offer
// must already be set.
func (c *Channel) CreateAnswer() (signaling.SDP, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SDP{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return signaling.SDP{}, fmt.Errorf("set local answer: %w", err)
	}
	return signaling.SDPFromPion(answer), nil
}

// SetRemoteDescription installs the peer's offer or answer and flushes any
// candidates that trickled in ahead of it.
func (c *Channel) SetRemoteDescription(sdp signaling.SDP) error {
	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	c.mu.Lock()
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			c.log.Warn("apply queued ice candidate", "err", err)
		}
	}
	return nil
}

// AddICECandidate applies a remote candidate. Candidates may arrive before
// the remote description; those are queued and applied on
// SetRemoteDescription.
func (c *Channel) AddICECandidate(cand signaling.Candidate) error {
	init := cand.ToPion()

	c.mu.Lock()
	if !c.remoteSet {
		c.pending = append(c.pending, init)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// IsOpen reports whether the DataChannel is currently open.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Send transmits one binary frame. Rejected synchronously when the channel
// is not open; nothing is ever silently queued.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	dc, open := c.dc, c.open
	c.mu.Unlock()

	if dc == nil || !open {
		return ErrNotOpen
	}
	return dc.Send(data)
}

// SendText transmits one text frame (control messages of the transfer
// protocol).
func (c *Channel) SendText(data string) error {
	c.mu.Lock()
	dc, open := c.dc, c.open
	c.mu.Unlock()

	if dc == nil || !open {
		return ErrNotOpen
	}
	return dc.SendText(data)
}

// BufferedAmount reports bytes queued in the DataChannel's send buffer.
func (c *Channel) BufferedAmount() uint64 {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil {
		return 0
	}
	return dc.BufferedAmount()
}

// SetBufferedAmountLowThreshold sets the low-water mark below which
// OnBufferedAmountLow fires.
func (c *Channel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc != nil {
		dc.SetBufferedAmountLowThreshold(threshold)
	}
}

// OnBufferedAmountLow registers the drain callback. Pass nil to clear.
func (c *Channel) OnBufferedAmountLow(f func()) {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc != nil {
		dc.OnBufferedAmountLow(f)
	}
}

// Close tears the transport down without firing lifecycle hooks; callers
// initiating a local teardown already know.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.notified = true
	c.open = false
	dc := c.dc
	c.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	return c.pc.Close()
}
