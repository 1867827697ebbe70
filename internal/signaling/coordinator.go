package signaling

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/peerly/peerly/internal/metrics"
)

// Coordinator routes control messages between Identities. It never inspects
// or carries file bytes; the only state it creates is the roomId minted on
// accept-connection, an opaque correlation token with no further server-side
// meaning.
type Coordinator struct {
	reg *Registry
	m   *metrics.Metrics
	log *slog.Logger
}

func NewCoordinator(reg *Registry, m *metrics.Metrics, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{reg: reg, m: m, log: log}
}

// deliver forwards to the registry and counts the outcome. A miss is a
// silent no-op for the sender.
func (c *Coordinator) deliver(id string, msg Message) {
	if c.reg.Deliver(id, msg) {
		c.m.Inc(metrics.EventMessagesRouted)
	} else {
		c.m.Inc(metrics.EventRoutingMisses)
	}
}

// Registry exposes the Online Set owned by this Coordinator.
func (c *Coordinator) Registry() *Registry {
	return c.reg
}

// HandleMessage processes one validated message from a connected Identity.
// Every branch is a single atomic step with respect to the registry, and a
// missing target is always a silent no-op.
func (c *Coordinator) HandleMessage(from *Identity, msg Message) {
	switch msg.Type {
	case TypeRegisterName:
		if c.reg.SetName(from.ID, msg.Name) {
			c.log.Debug("name updated", "client_id", from.ID, "name", msg.Name)
			c.reg.BroadcastOnlineUsers()
		}

	case TypeRegisterDevice:
		if c.reg.SetDevice(from.ID, *msg.DeviceInfo) {
			c.log.Debug("device registered", "client_id", from.ID)
			c.reg.BroadcastOnlineUsers()
		}

	case TypeRequestConnection:
		name, device, ok := c.reg.Lookup(from.ID)
		if !ok {
			return
		}
		c.deliver(msg.To, Message{
			Type:       TypeIncomingRequest,
			From:       from.ID,
			FromName:   name,
			DeviceInfo: device,
		})

	case TypeAcceptConnection:
		// The only operation that creates a Session. Both ends get the same
		// roomId; the accepting side is never the caller.
		roomID := uuid.NewString()
		c.m.Inc(metrics.EventRoomsCreated)
		caller, callee := true, false
		c.deliver(msg.From, Message{
			Type:      TypeWebRTCStart,
			RoomID:    roomID,
			OtherUser: from.ID,
			IsCaller:  &caller,
		})
		c.deliver(from.ID, Message{
			Type:      TypeWebRTCStart,
			RoomID:    roomID,
			OtherUser: msg.From,
			IsCaller:  &callee,
		})

	case TypeOffer, TypeAnswer:
		c.deliver(msg.To, Message{
			Type: msg.Type,
			From: from.ID,
			SDP:  msg.SDP,
		})

	case TypeICECandidate:
		c.deliver(msg.To, Message{
			Type:      TypeICECandidate,
			From:      from.ID,
			Candidate: msg.Candidate,
		})

	case TypePeerDisconnect, TypeConnectionTimeout, TypeCancelConnection:
		c.deliver(msg.To, Message{
			Type: msg.Type,
			From: from.ID,
		})

	case TypeRejectConnection:
		// Forwarded under a distinct type so the requester can tell a
		// rejection from its own cancel.
		c.deliver(msg.To, Message{
			Type: TypeConnectionRejected,
			From: from.ID,
		})

	default:
		// Validate filters these out before routing; nothing to do.
		c.log.Warn("unroutable message type", "client_id", from.ID, "type", msg.Type)
	}
}
