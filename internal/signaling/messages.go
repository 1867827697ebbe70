package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// Type discriminates signaling messages on the wire. The same envelope is
// used in both directions; Validate enforces which fields each type carries.
type Type string

const (
	// Client -> relay.
	TypeRegisterName      Type = "register-name"
	TypeRegisterDevice    Type = "register-device"
	TypeRequestConnection Type = "request-connection"
	TypeAcceptConnection  Type = "accept-connection"
	TypeRejectConnection  Type = "reject-connection"
	TypeCancelConnection  Type = "cancel-connection"
	TypeOffer             Type = "offer"
	TypeAnswer            Type = "answer"
	TypeICECandidate      Type = "ice-candidate"
	TypePeerDisconnect    Type = "peer-disconnect"
	TypeConnectionTimeout Type = "connection-timeout"

	// Relay -> client.
	TypeYourID             Type = "your-id"
	TypeOnlineUsers        Type = "online-users"
	TypeIncomingRequest    Type = "incoming-request"
	TypeConnectionRejected Type = "connection-rejected"
	TypeWebRTCStart        Type = "webrtc-start"
)

// DeviceInfo is client-reported device metadata, registered via
// register-device and echoed in the Online Set and incoming requests.
type DeviceInfo struct {
	DeviceName   string `json:"deviceName,omitempty"`
	DeviceModel  string `json:"deviceModel,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
}

// User is one entry of an online-users broadcast. Device details are
// flattened into the entry rather than nested, matching what clients render.
type User struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	DeviceName   string `json:"deviceName,omitempty"`
	DeviceModel  string `json:"deviceModel,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
}

// SDP is a minimal, JSON-friendly representation of a session description.
//
// We intentionally keep the wire type decoupled from pion's; this package
// models the protocol surface, not the implementation.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate mirrors the browser's RTCIceCandidateInit shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is the signaling envelope. Only the fields relevant to Type are
// populated; Validate rejects messages whose required fields are missing.
type Message struct {
	Type Type `json:"type"`

	// Server-assigned identity (your-id).
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`

	// Routing. Clients address messages with To; the relay stamps From
	// before forwarding.
	To       string `json:"to,omitempty"`
	From     string `json:"from,omitempty"`
	FromName string `json:"fromName,omitempty"`

	Users []User `json:"users,omitempty"`

	DeviceInfo *DeviceInfo `json:"deviceInfo,omitempty"`

	// Session establishment (webrtc-start).
	RoomID    string `json:"roomId,omitempty"`
	OtherUser string `json:"otherUser,omitempty"`
	IsCaller  *bool  `json:"isCaller,omitempty"`

	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

// Parse decodes and validates a single client -> relay message. Unknown
// fields and trailing data are rejected so protocol drift surfaces early.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

// Validate checks the client -> relay message surface. Relay -> client
// types are produced locally and never parsed by the relay, so they are
// rejected here.
func (m Message) Validate() error {
	switch m.Type {
	case TypeRegisterName:
		if m.Name == "" {
			return fmt.Errorf("register-name message missing name")
		}
	case TypeRegisterDevice:
		if m.DeviceInfo == nil {
			return fmt.Errorf("register-device message missing deviceInfo")
		}
	case TypeRequestConnection, TypeRejectConnection, TypeCancelConnection,
		TypePeerDisconnect, TypeConnectionTimeout:
		if m.To == "" {
			return fmt.Errorf("%s message missing to", m.Type)
		}
	case TypeAcceptConnection:
		if m.From == "" {
			return fmt.Errorf("accept-connection message missing from")
		}
	case TypeOffer:
		if m.To == "" {
			return fmt.Errorf("offer message missing to")
		}
		if m.SDP == nil {
			return fmt.Errorf("offer message missing sdp")
		}
		if m.SDP.Type != "offer" {
			return fmt.Errorf("offer message has sdp.type=%q", m.SDP.Type)
		}
	case TypeAnswer:
		if m.To == "" {
			return fmt.Errorf("answer message missing to")
		}
		if m.SDP == nil {
			return fmt.Errorf("answer message missing sdp")
		}
		if m.SDP.Type != "answer" {
			return fmt.Errorf("answer message has sdp.type=%q", m.SDP.Type)
		}
	case TypeICECandidate:
		if m.To == "" {
			return fmt.Errorf("ice-candidate message missing to")
		}
		if m.Candidate == nil {
			return fmt.Errorf("ice-candidate message missing candidate")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}
