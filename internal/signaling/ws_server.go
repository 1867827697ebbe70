package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerly/peerly/internal/metrics"
	"github.com/peerly/peerly/internal/origin"
	"github.com/peerly/peerly/internal/ratelimit"
)

const defaultWriteWait = 5 * time.Second

// ServerConfig carries the per-connection hardening knobs for the signaling
// socket.
type ServerConfig struct {
	// MaxMessageBytes caps a single inbound signaling message. Oversized
	// messages close the connection.
	MaxMessageBytes int64

	// MessagesPerSecond bounds the inbound signaling rate per connection.
	// <= 0 disables rate limiting.
	MessagesPerSecond int64

	// WriteWait bounds a single outbound write. Zero uses a default.
	WriteWait time.Duration

	// AllowedOrigins restricts browser Origins on the upgrade. Empty
	// admits every origin; requests without an Origin always pass.
	AllowedOrigins []string
}

// WebSocketServer accepts client connections, registers each as an Identity
// and pumps messages between the socket and the Coordinator.
//
// Reads and routing happen on the connection's goroutine, in arrival order.
// Writes happen on a dedicated writer goroutine fed by the Identity's
// outbox, so no registry operation ever blocks on another connection's I/O.
type WebSocketServer struct {
	cfg      ServerConfig
	coord    *Coordinator
	m        *metrics.Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewWebSocketServer(cfg ServerConfig, coord *Coordinator, m *metrics.Metrics, log *slog.Logger) *WebSocketServer {
	if log == nil {
		log = slog.Default()
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	originPolicy := origin.NewPolicy(cfg.AllowedOrigins)
	return &WebSocketServer{
		cfg:   cfg,
		coord: coord,
		m:     m,
		log:   log,
		upgrader: websocket.Upgrader{
			CheckOrigin: originPolicy.Allow,
		},
	}
}

// RegisterRoutes mounts the signaling endpoint.
func (s *WebSocketServer) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /ws", s)
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	reg := s.coord.Registry()
	name := r.URL.Query().Get("name")
	ident := reg.Register(name)

	s.m.Inc(metrics.EventConnectionsOpened)
	s.log.Info("client connected", "client_id", ident.ID, "name", name)

	writerDone := make(chan struct{})
	go s.writeLoop(conn, ident, writerDone)

	defer func() {
		reg.Unregister(ident.ID)
		reg.BroadcastOnlineUsers()
		<-writerDone
		conn.Close()
		s.m.Inc(metrics.EventConnectionsClosed)
		s.log.Info("client disconnected", "client_id", ident.ID)
	}()

	// Push the assigned id through the outbox so it is ordered before any
	// broadcast the client will observe.
	reg.Deliver(ident.ID, Message{Type: TypeYourID, ID: ident.ID, Name: name})
	reg.BroadcastOnlineUsers()

	var limiter *ratelimit.TokenBucket
	if s.cfg.MessagesPerSecond > 0 {
		limiter = ratelimit.New(nil, s.cfg.MessagesPerSecond, s.cfg.MessagesPerSecond)
	}

	for {
		msgType, msgReader, err := conn.NextReader()
		if err != nil {
			return
		}

		if limiter != nil && !limiter.Allow() {
			s.m.Inc(metrics.EventRateLimited)
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if msgType != websocket.TextMessage {
			// Control traffic is JSON text only. File bytes never touch the
			// relay; an unexpected binary frame is dropped like any other
			// malformed message.
			s.log.Warn("dropping non-text signaling frame", "client_id", ident.ID)
			_, _ = io.Copy(io.Discard, msgReader)
			continue
		}

		raw, err := readLimited(msgReader, s.cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				s.m.Inc(metrics.EventMessagesOversized)
				writeClose(conn, websocket.CloseMessageTooBig, "message too large")
				return
			}
			return
		}

		msg, err := Parse(raw)
		if err != nil {
			s.m.Inc(metrics.EventMessagesMalformed)
			s.log.Warn("dropping malformed signaling message", "client_id", ident.ID, "err", err)
			continue
		}

		s.coord.HandleMessage(ident, msg)
	}
}

func (s *WebSocketServer) writeLoop(conn *websocket.Conn, ident *Identity, done chan<- struct{}) {
	defer close(done)

	for msg := range ident.Outbox() {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			// Treat the client as gone; the read loop unwinds and
			// unregisters once the connection is closed.
			conn.Close()
			for range ident.Outbox() {
			}
			return
		}
	}

	writeClose(conn, websocket.CloseNormalClosure, "")
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(defaultWriteWait))
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		max = 64 * 1024
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
