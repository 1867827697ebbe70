package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/peerly/peerly/internal/peerchannel"
	"github.com/peerly/peerly/internal/signaling"
)

// State is the machine's position in the session lifecycle.
type State int

const (
	// Idle means no request or session is in flight.
	Idle State = iota
	// RequestSent means a connection request is awaiting the peer's answer.
	RequestSent
	// RequestReceived means a peer's request is awaiting a local decision.
	RequestReceived
	// Negotiating means a room exists and the peer channel is being set up.
	Negotiating
	// Active means the peer channel is open.
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RequestSent:
		return "request-sent"
	case RequestReceived:
		return "request-received"
	case Negotiating:
		return "negotiating"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrBusy is returned when an operation needs an idle machine but a
	// request or session is already in flight.
	ErrBusy = errors.New("session: another session is in progress")

	// ErrNoPendingRequest is returned by Accept/Reject with nothing to
	// accept or reject.
	ErrNoPendingRequest = errors.New("session: no pending incoming request")

	// ErrNoOutstandingRequest is returned by Cancel when no request of
	// ours is awaiting an answer.
	ErrNoOutstandingRequest = errors.New("session: no outstanding request")

	// ErrNoPeer is returned by Disconnect with no peer attached.
	ErrNoPeer = errors.New("session: no active peer")
)

// Signaler sends one control message to the relay.
type Signaler interface {
	Send(msg signaling.Message) error
}

// Channel is the negotiation surface of a peer transport. Satisfied by
// *peerchannel.Channel.
type Channel interface {
	CreateOffer() (signaling.SDP, error)
	CreateAnswer() (signaling.SDP, error)
	SetRemoteDescription(sdp signaling.SDP) error
	AddICECandidate(cand signaling.Candidate) error
	Close() error
}

// ChannelFactory builds the peer transport when a room starts. The machine
// wires hooks itself; factories only add transport configuration.
type ChannelFactory func(isCaller bool, hooks peerchannel.Hooks) (Channel, error)

// Events are the machine's notifications to its owner. All are optional
// and fire outside the machine's lock, so handlers may call back in.
type Events struct {
	OnStateChange func(from, to State)

	// OnSelfID fires once the relay has issued our identity.
	OnSelfID func(id string)

	// OnOnlineUsers fires per online-users broadcast, after peer-loss
	// checks have run.
	OnOnlineUsers func(users []signaling.User)

	// OnIncomingRequest fires when a request moves us to RequestReceived.
	OnIncomingRequest func(from, name string, device *signaling.DeviceInfo)

	// OnRequestRejected fires when our outstanding request is rejected.
	OnRequestRejected func(peerID string)

	// OnRequestCanceled fires when a pending incoming request is
	// withdrawn, by explicit cancel or by the requester going offline.
	OnRequestCanceled func(peerID string)

	// OnChannelOpen fires when negotiation reaches an open channel.
	OnChannelOpen func()

	// OnChannelMessage fires per inbound channel frame while Active.
	OnChannelMessage func(data []byte, isText bool)

	// OnConnectionFailed fires when negotiation dies before the channel
	// ever opened.
	OnConnectionFailed func()

	// OnPeerDisconnected fires when an open session ends for any reason
	// other than a local Disconnect call.
	OnPeerDisconnected func()
}

// Machine is one identity's session state machine. All methods are safe
// for concurrent use; transitions are serialized under one mutex.
type Machine struct {
	log        *slog.Logger
	sig        Signaler
	newChannel ChannelFactory
	events     Events

	mu       sync.Mutex
	state    State
	selfID   string
	peerID   string
	peerName string
	roomID   string
	isCaller bool
	ch       Channel
}

// NewMachine builds an idle machine over sig, creating transports with
// factory once a room starts.
func NewMachine(log *slog.Logger, sig Signaler, factory ChannelFactory, events Events) *Machine {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Machine{
		log:        log,
		sig:        sig,
		newChannel: factory,
		events:     events,
	}
}

// State reports the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SelfID reports the relay-issued identity, empty before your-id arrives.
func (m *Machine) SelfID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selfID
}

// PeerID reports the identity of the current request target, requester,
// or session peer. Empty when Idle.
func (m *Machine) PeerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerID
}

// PeerName reports the display name of the current peer, when known.
func (m *Machine) PeerName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerName
}

// IsCaller reports whether this side initiates the offer. Meaningful only
// while Negotiating or Active.
func (m *Machine) IsCaller() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isCaller
}

// Connect sends a connection request to peer, moving Idle to RequestSent.
func (m *Machine) Connect(peerID string) error {
	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		return ErrBusy
	}
	if err := m.sig.Send(signaling.Message{Type: signaling.TypeRequestConnection, To: peerID}); err != nil {
		m.mu.Unlock()
		return err
	}
	m.peerID = peerID
	fire := m.setStateLocked(RequestSent)
	m.mu.Unlock()
	fire()
	return nil
}

// Accept accepts the pending incoming request, moving RequestReceived to
// Negotiating. The coordinator answers with webrtc-start.
func (m *Machine) Accept() error {
	m.mu.Lock()
	if m.state != RequestReceived {
		m.mu.Unlock()
		return ErrNoPendingRequest
	}
	if err := m.sig.Send(signaling.Message{Type: signaling.TypeAcceptConnection, From: m.peerID}); err != nil {
		m.mu.Unlock()
		return err
	}
	fire := m.setStateLocked(Negotiating)
	m.mu.Unlock()
	fire()
	return nil
}

// Reject declines the pending incoming request and returns to Idle.
func (m *Machine) Reject() error {
	m.mu.Lock()
	if m.state != RequestReceived {
		m.mu.Unlock()
		return ErrNoPendingRequest
	}
	err := m.sig.Send(signaling.Message{Type: signaling.TypeRejectConnection, To: m.peerID})
	fire := m.resetLocked()
	m.mu.Unlock()
	fire()
	return err
}

// Cancel withdraws our outstanding request and returns to Idle.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	if m.state != RequestSent {
		m.mu.Unlock()
		return ErrNoOutstandingRequest
	}
	err := m.sig.Send(signaling.Message{Type: signaling.TypeCancelConnection, To: m.peerID})
	fire := m.resetLocked()
	m.mu.Unlock()
	fire()
	return err
}

// Disconnect notifies the peer and tears the session down locally. The
// peer-disconnect goes out first so it is not lost to the teardown.
func (m *Machine) Disconnect() error {
	m.mu.Lock()
	if m.peerID == "" {
		m.mu.Unlock()
		return ErrNoPeer
	}
	err := m.sig.Send(signaling.Message{Type: signaling.TypePeerDisconnect, To: m.peerID})
	fire := m.resetLocked()
	m.mu.Unlock()
	fire()
	return err
}

// Close releases the machine's transport without signaling the peer, for
// process shutdown.
func (m *Machine) Close() {
	m.mu.Lock()
	fire := m.resetLocked()
	m.mu.Unlock()
	fire()
}

// HandleMessage consumes one relay message. Unknown or out-of-sequence
// messages are logged and dropped; the machine never gets stuck on them.
func (m *Machine) HandleMessage(msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeYourID:
		m.mu.Lock()
		m.selfID = msg.ID
		m.mu.Unlock()
		if m.events.OnSelfID != nil {
			m.events.OnSelfID(msg.ID)
		}

	case signaling.TypeOnlineUsers:
		m.handleOnlineUsers(msg.Users)

	case signaling.TypeIncomingRequest:
		m.handleIncomingRequest(msg)

	case signaling.TypeConnectionRejected:
		m.mu.Lock()
		if m.state != RequestSent || msg.From != m.peerID {
			m.mu.Unlock()
			m.log.Debug("dropping stray connection-rejected", "from", msg.From)
			return
		}
		peer := m.peerID
		fire := m.resetLocked()
		m.mu.Unlock()
		fire()
		if m.events.OnRequestRejected != nil {
			m.events.OnRequestRejected(peer)
		}

	case signaling.TypeCancelConnection:
		m.mu.Lock()
		if m.state != RequestReceived || msg.From != m.peerID {
			m.mu.Unlock()
			m.log.Debug("dropping stray cancel-connection", "from", msg.From)
			return
		}
		peer := m.peerID
		fire := m.resetLocked()
		m.mu.Unlock()
		fire()
		if m.events.OnRequestCanceled != nil {
			m.events.OnRequestCanceled(peer)
		}

	case signaling.TypeWebRTCStart:
		m.handleWebRTCStart(msg)

	case signaling.TypeOffer:
		m.handleOffer(msg)

	case signaling.TypeAnswer:
		m.handleAnswer(msg)

	case signaling.TypeICECandidate:
		m.handleCandidate(msg)

	case signaling.TypePeerDisconnect, signaling.TypeConnectionTimeout:
		m.mu.Lock()
		if m.peerID == "" || msg.From != m.peerID {
			m.mu.Unlock()
			return
		}
		fire := m.resetLocked()
		m.mu.Unlock()
		fire()
		if m.events.OnPeerDisconnected != nil {
			m.events.OnPeerDisconnected()
		}

	default:
		m.log.Warn("dropping unexpected relay message", "type", msg.Type)
	}
}

// handleOnlineUsers runs peer-loss detection before reporting the set: a
// peer that vanished from the broadcast ends whatever involved it, without
// waiting for a peer-disconnect that will never come.
func (m *Machine) handleOnlineUsers(users []signaling.User) {
	m.mu.Lock()
	lost := false
	if m.peerID != "" && m.state != Idle {
		lost = true
		for _, u := range users {
			if u.ID == m.peerID {
				lost = false
				break
			}
		}
	}

	var notify func()
	if lost {
		peer := m.peerID
		wasReceived := m.state == RequestReceived
		wasSentOrLive := m.state == RequestSent || m.state == Negotiating || m.state == Active
		fire := m.resetLocked()
		m.mu.Unlock()
		fire()
		m.log.Info("peer vanished from online set", "peer", peer)
		switch {
		case wasReceived:
			if m.events.OnRequestCanceled != nil {
				notify = func() { m.events.OnRequestCanceled(peer) }
			}
		case wasSentOrLive:
			if m.events.OnPeerDisconnected != nil {
				notify = m.events.OnPeerDisconnected
			}
		}
	} else {
		m.mu.Unlock()
	}

	if notify != nil {
		notify()
	}
	if m.events.OnOnlineUsers != nil {
		m.events.OnOnlineUsers(users)
	}
}

// handleIncomingRequest rejects requests that arrive while a session is in
// flight, so the requester is told no instead of waiting forever.
func (m *Machine) handleIncomingRequest(msg signaling.Message) {
	m.mu.Lock()
	if m.state != Idle {
		state := m.state
		m.mu.Unlock()
		m.log.Info("auto-rejecting request while busy", "from", msg.From, "state", state)
		if err := m.sig.Send(signaling.Message{Type: signaling.TypeRejectConnection, To: msg.From}); err != nil {
			m.log.Warn("send auto-reject", "err", err)
		}
		return
	}
	m.peerID = msg.From
	m.peerName = msg.FromName
	fire := m.setStateLocked(RequestReceived)
	m.mu.Unlock()
	fire()
	if m.events.OnIncomingRequest != nil {
		m.events.OnIncomingRequest(msg.From, msg.FromName, msg.DeviceInfo)
	}
}

// handleWebRTCStart instantiates the transport. A start that would replace
// a live channel is dropped; the single-channel invariant wins over the
// coordinator's opinion.
func (m *Machine) handleWebRTCStart(msg signaling.Message) {
	m.mu.Lock()
	if m.state != RequestSent && m.state != RequestReceived && m.state != Negotiating {
		state := m.state
		m.mu.Unlock()
		m.log.Warn("dropping webrtc-start in wrong state", "state", state, "room", msg.RoomID)
		return
	}
	if m.ch != nil {
		m.mu.Unlock()
		m.log.Warn("dropping webrtc-start while a channel is live", "room", msg.RoomID)
		return
	}

	peer := msg.OtherUser
	isCaller := msg.IsCaller != nil && *msg.IsCaller
	ch, err := m.newChannel(isCaller, m.channelHooks(peer))
	if err != nil {
		fire := m.resetLocked()
		m.mu.Unlock()
		fire()
		m.log.Error("create peer channel", "err", err)
		if m.events.OnConnectionFailed != nil {
			m.events.OnConnectionFailed()
		}
		return
	}

	m.ch = ch
	m.roomID = msg.RoomID
	m.peerID = peer
	m.isCaller = isCaller
	fire := m.setStateLocked(Negotiating)
	m.mu.Unlock()
	fire()
	m.log.Info("negotiation started", "room", msg.RoomID, "peer", peer, "caller", isCaller)

	if !isCaller {
		return
	}
	offer, err := ch.CreateOffer()
	if err != nil {
		m.log.Error("create offer", "err", err)
		m.failNegotiation()
		return
	}
	if err := m.sig.Send(signaling.Message{Type: signaling.TypeOffer, To: peer, SDP: &offer}); err != nil {
		m.log.Error("send offer", "err", err)
		m.failNegotiation()
	}
}

func (m *Machine) handleOffer(msg signaling.Message) {
	m.mu.Lock()
	ch := m.ch
	peer := m.peerID
	m.mu.Unlock()
	if ch == nil || msg.From != peer || msg.SDP == nil {
		m.log.Debug("dropping stray offer", "from", msg.From)
		return
	}
	if err := ch.SetRemoteDescription(*msg.SDP); err != nil {
		m.log.Error("apply remote offer", "err", err)
		m.failNegotiation()
		return
	}
	answer, err := ch.CreateAnswer()
	if err != nil {
		m.log.Error("create answer", "err", err)
		m.failNegotiation()
		return
	}
	if err := m.sig.Send(signaling.Message{Type: signaling.TypeAnswer, To: peer, SDP: &answer}); err != nil {
		m.log.Error("send answer", "err", err)
		m.failNegotiation()
	}
}

func (m *Machine) handleAnswer(msg signaling.Message) {
	m.mu.Lock()
	ch := m.ch
	peer := m.peerID
	m.mu.Unlock()
	if ch == nil || msg.From != peer || msg.SDP == nil {
		m.log.Debug("dropping stray answer", "from", msg.From)
		return
	}
	if err := ch.SetRemoteDescription(*msg.SDP); err != nil {
		m.log.Error("apply remote answer", "err", err)
		m.failNegotiation()
	}
}

func (m *Machine) handleCandidate(msg signaling.Message) {
	m.mu.Lock()
	ch := m.ch
	peer := m.peerID
	m.mu.Unlock()
	if ch == nil || msg.From != peer || msg.Candidate == nil {
		m.log.Debug("dropping stray ice candidate", "from", msg.From)
		return
	}
	if err := ch.AddICECandidate(*msg.Candidate); err != nil {
		m.log.Warn("apply ice candidate", "err", err)
	}
}

// channelHooks bridges transport lifecycle into machine transitions. The
// hooks fire on the transport's goroutines, never under the machine lock.
func (m *Machine) channelHooks(peer string) peerchannel.Hooks {
	return peerchannel.Hooks{
		OnICECandidate: func(cand signaling.Candidate) {
			msg := signaling.Message{Type: signaling.TypeICECandidate, To: peer, Candidate: &cand}
			if err := m.sig.Send(msg); err != nil {
				m.log.Warn("send ice candidate", "err", err)
			}
		},
		OnOpen: func() {
			m.mu.Lock()
			if m.state != Negotiating {
				m.mu.Unlock()
				return
			}
			fire := m.setStateLocked(Active)
			m.mu.Unlock()
			fire()
			if m.events.OnChannelOpen != nil {
				m.events.OnChannelOpen()
			}
		},
		OnMessage: func(data []byte, isText bool) {
			if m.events.OnChannelMessage != nil {
				m.events.OnChannelMessage(data, isText)
			}
		},
		OnFailed: func() {
			m.mu.Lock()
			fire := m.resetLocked()
			m.mu.Unlock()
			fire()
			if m.events.OnConnectionFailed != nil {
				m.events.OnConnectionFailed()
			}
		},
		OnDisconnected: func() {
			m.mu.Lock()
			fire := m.resetLocked()
			m.mu.Unlock()
			fire()
			if m.events.OnPeerDisconnected != nil {
				m.events.OnPeerDisconnected()
			}
		},
	}
}

// failNegotiation tears down after a local negotiation error and reports a
// connection failure, the channel never having opened.
func (m *Machine) failNegotiation() {
	m.mu.Lock()
	fire := m.resetLocked()
	m.mu.Unlock()
	fire()
	if m.events.OnConnectionFailed != nil {
		m.events.OnConnectionFailed()
	}
}

// resetLocked releases the channel and returns to Idle. Caller holds mu;
// the returned func fires the state-change event and must run unlocked.
func (m *Machine) resetLocked() func() {
	if m.ch != nil {
		// Close suppresses the channel's own lifecycle hooks; whoever
		// called reset decides what the owner hears.
		if err := m.ch.Close(); err != nil {
			m.log.Debug("close peer channel", "err", err)
		}
		m.ch = nil
	}
	m.peerID = ""
	m.peerName = ""
	m.roomID = ""
	m.isCaller = false
	return m.setStateLocked(Idle)
}

// setStateLocked records the transition and returns the event thunk to
// run after unlocking.
func (m *Machine) setStateLocked(to State) func() {
	from := m.state
	m.state = to
	if from == to || m.events.OnStateChange == nil {
		return func() {}
	}
	m.log.Debug("state transition", "from", from, "to", to)
	return func() { m.events.OnStateChange(from, to) }
}
