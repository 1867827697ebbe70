package commands

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/spf13/cobra"

	"github.com/peerly/peerly/internal/peerchannel"
	"github.com/peerly/peerly/internal/session"
	"github.com/peerly/peerly/internal/signaling"
)

var (
	relayURL string
	name     string
	logLevel string
	stun     []string
)

func Execute() error {
	root := &cobra.Command{
		Use:           "peerly",
		Short:         "Peer-to-peer file drop over WebRTC data channels",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&relayURL, "relay", "ws://127.0.0.1:5000/ws", "relay websocket URL")
	root.PersistentFlags().StringVarP(&name, "name", "n", "", "display name announced to peers (default hostname)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringSliceVar(&stun, "stun", nil, "STUN server URLs (default a public server)")

	root.AddCommand(peersCmd(), sendCmd(), recvCmd())
	return root.Execute()
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// displayName falls back to the hostname so peers always see something.
func displayName() string {
	if name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "anonymous"
}

func deviceInfo() signaling.DeviceInfo {
	info := signaling.DeviceInfo{DeviceModel: runtime.GOOS + "/" + runtime.GOARCH}
	if host, err := os.Hostname(); err == nil {
		info.DeviceName = host
	}
	return info
}

// channelHolder keeps a handle on the transport the machine's factory
// creates, so commands can hand it to the transfer engine once open.
type channelHolder struct {
	log *slog.Logger

	mu sync.Mutex
	ch *peerchannel.Channel
}

func (h *channelHolder) factory() session.ChannelFactory {
	return func(isCaller bool, hooks peerchannel.Hooks) (session.Channel, error) {
		ch, err := peerchannel.New(peerchannel.Config{
			STUNServers: stun,
			Log:         h.log,
		}, isCaller, hooks)
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.ch = ch
		h.mu.Unlock()
		return ch, nil
	}
}

func (h *channelHolder) get() (*peerchannel.Channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ch == nil {
		return nil, fmt.Errorf("no peer channel was established")
	}
	return h.ch, nil
}
