package signaling

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// defaultSendBuffer bounds how many outbound messages may queue per client
// before the relay treats the connection as stalled and drops the message.
const defaultSendBuffer = 64

// Identity is one live connection's server-side handle. IDs are minted on
// register and never reused; all mutable state is guarded by the owning
// Registry's mutex.
type Identity struct {
	ID string

	name   string
	device *DeviceInfo

	send   chan Message
	closed bool
}

// Outbox is consumed by the connection's writer goroutine. It is closed by
// Unregister, at which point the writer must exit.
func (c *Identity) Outbox() <-chan Message {
	return c.send
}

// Registry owns the Online Set: every live Identity, in connection order.
//
// It is the single serialization point for presence state. All message
// handlers for a relay process mutate it under one mutex, and enqueueing to
// a client never blocks, so no handler can stall on another connection's
// I/O.
type Registry struct {
	log *slog.Logger

	mu    sync.Mutex
	order []*Identity
	byID  map[string]*Identity
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:  log,
		byID: make(map[string]*Identity),
	}
}

// Register allocates a fresh Identity and adds it to the Online Set. The
// caller is responsible for pushing your-id and triggering a broadcast.
func (r *Registry) Register(name string) *Identity {
	id := &Identity{
		ID:   uuid.NewString(),
		name: name,
		send: make(chan Message, defaultSendBuffer),
	}

	r.mu.Lock()
	r.order = append(r.order, id)
	r.byID[id.ID] = id
	r.mu.Unlock()

	return id
}

// Unregister removes the Identity and closes its outbox. Removal is atomic
// with respect to every other handler. No peer is notified here; peers
// discover the loss from the next online-users broadcast.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	for i, o := range r.order {
		if o == c {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	c.closed = true
	close(c.send)
}

// SetName updates the display name in place. Reports whether the Identity
// is still online.
func (r *Registry) SetName(id, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return false
	}
	c.name = name
	return true
}

// SetDevice updates the device metadata in place.
func (r *Registry) SetDevice(id string, info DeviceInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return false
	}
	c.device = &info
	return true
}

// Lookup returns the current display name and device metadata for an
// Identity.
func (r *Registry) Lookup(id string) (name string, device *DeviceInfo, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, found := r.byID[id]
	if !found {
		return "", nil, false
	}
	return c.name, c.device, true
}

// Deliver enqueues a message for one Identity. A miss (target absent, gone,
// or stalled) is silently dropped: absence of the target must be observably
// identical to the target never answering.
func (r *Registry) Deliver(id string, msg Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deliverLocked(id, msg)
}

func (r *Registry) deliverLocked(id string, msg Message) bool {
	c, ok := r.byID[id]
	if !ok || c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		r.log.Warn("dropping message for stalled client", "client_id", id, "type", msg.Type)
		return false
	}
}

// BroadcastOnlineUsers pushes the full Online Set to every connected
// Identity, each view excluding the recipient itself. Full-list rebroadcast
// keeps clients trivially idempotent; at this scale the churn cost is
// negligible.
func (r *Registry) BroadcastOnlineUsers() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, recipient := range r.order {
		users := make([]User, 0, len(r.order)-1)
		for _, other := range r.order {
			if other.ID == recipient.ID {
				continue
			}
			u := User{
				ID:   other.ID,
				Name: other.name,
			}
			if other.device != nil {
				u.DeviceName = other.device.DeviceName
				u.DeviceModel = other.device.DeviceModel
				u.Manufacturer = other.device.Manufacturer
			}
			users = append(users, u)
		}
		r.deliverLocked(recipient.ID, Message{Type: TypeOnlineUsers, Users: users})
	}
}

// Len reports the current Online Set size.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
