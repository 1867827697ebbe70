package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerly/peerly/internal/signaling"
)

// Client is a relay connection. It implements Signaler; reads are pumped
// into a Machine by Run.
type Client struct {
	log  *slog.Logger
	conn *websocket.Conn

	// Gorilla allows one concurrent writer; the machine and the channel
	// hooks both send.
	writeMu sync.Mutex
}

// Dial connects to the relay's websocket endpoint. relayURL is the base
// ws:// or wss:// URL; name, when set, registers a display name at
// connect time.
func Dial(ctx context.Context, log *slog.Logger, relayURL, name string) (*Client, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	if name != "" {
		q := u.Query()
		q.Set("name", name)
		u.RawQuery = q.Encode()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay %s: %w (status %d)", u.Host, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay %s: %w", u.Host, err)
	}
	log.Debug("connected to relay", "url", u.String())

	return &Client{log: log, conn: conn}, nil
}

// Send writes one control message to the relay.
func (c *Client) Send(msg signaling.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// RegisterName announces a display name after connecting.
func (c *Client) RegisterName(name string) error {
	return c.Send(signaling.Message{Type: signaling.TypeRegisterName, Name: name})
}

// RegisterDevice announces device metadata shown to peers alongside the
// name.
func (c *Client) RegisterDevice(info signaling.DeviceInfo) error {
	return c.Send(signaling.Message{Type: signaling.TypeRegisterDevice, DeviceInfo: &info})
}

// Run reads relay messages into the machine until the connection drops or
// ctx is canceled. It returns nil on a clean close.
func (c *Client) Run(ctx context.Context, machine *Machine) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read from relay: %w", err)
		}

		// The relay's vocabulary may grow; unknown fields are fine here,
		// unlike on the relay's own strict parse.
		var msg signaling.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Warn("ignoring unparseable relay message", "err", err)
			continue
		}
		machine.HandleMessage(msg)
	}
}

// Close tears the relay connection down. Safe to call concurrently with
// Run, which then returns.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
