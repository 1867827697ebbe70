package commands

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/peerly/peerly/internal/session"
	"github.com/peerly/peerly/internal/signaling"
	"github.com/peerly/peerly/internal/transfer"
)

// recv: wait for a connection request, accept it, receive one file.
func recvCmd() *cobra.Command {
	var outDir string
	var from string
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Wait for a peer to send a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}

			log := newLogger()
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			client, err := session.Dial(ctx, log, relayURL, displayName())
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.RegisterDevice(deviceInfo()); err != nil {
				return err
			}

			type savedFile struct {
				path string
				size int
			}
			saved := make(chan savedFile, 1)
			failed := make(chan error, 4)

			bar := progressbar.NewOptions(100,
				progressbar.OptionSetDescription("receiving"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionClearOnFinish(),
			)
			receiver := transfer.NewReceiver(transfer.ReceiverConfig{
				Log:        log,
				OnProgress: func(p int) { _ = bar.Set(p) },
				OnFile: func(meta transfer.Meta, data []byte) {
					path, err := saveFile(outDir, meta.Name, data)
					if err != nil {
						failed <- err
						return
					}
					select {
					case saved <- savedFile{path: path, size: len(data)}:
					default:
					}
				},
			})

			var machine *session.Machine
			holder := &channelHolder{log: log}
			machine = session.NewMachine(log, client, holder.factory(), session.Events{
				OnSelfID: func(id string) {
					cmd.Printf("online as %s (%s), waiting for a request...\n", displayName(), id)
				},
				OnIncomingRequest: func(reqFrom, reqName string, _ *signaling.DeviceInfo) {
					if from != "" && reqFrom != from {
						cmd.Printf("rejecting request from %s (%s), only accepting %s\n", reqName, reqFrom, from)
						if err := machine.Reject(); err != nil {
							failed <- err
						}
						return
					}
					cmd.Printf("accepting request from %s (%s)\n", reqName, reqFrom)
					if err := machine.Accept(); err != nil {
						failed <- err
					}
				},
				OnChannelMessage: receiver.HandleMessage,
				OnConnectionFailed: func() {
					failed <- errors.New("peer connection could not be established")
				},
				OnPeerDisconnected: func() {
					receiver.Reset()
					failed <- errors.New("peer disconnected before the transfer completed")
				},
			})

			runErr := make(chan error, 1)
			go func() { runErr <- client.Run(ctx, machine) }()

			announce := func(file savedFile) {
				_ = bar.Finish()
				cmd.Printf("received %s (%d bytes)\n", file.path, file.size)
				machine.Close()
			}

			select {
			case file := <-saved:
				announce(file)
				return nil
			case err := <-failed:
				// The sender tearing down right after the last frame races
				// the failure notification; a saved file wins.
				select {
				case file := <-saved:
					announce(file)
					return nil
				default:
				}
				return err
			case err := <-runErr:
				if err == nil {
					err = fmt.Errorf("relay closed the connection")
				}
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory to save the received file in")
	cmd.Flags().StringVar(&from, "accept-from", "", "only accept a request from this peer id")
	return cmd
}

// saveFile writes data under dir using the sender-declared name, stripped
// of any path components, never overwriting an existing file.
func saveFile(dir, declared string, data []byte) (string, error) {
	base := filepath.Base(filepath.Clean("/" + declared))
	if base == "/" || base == "." || base == "" {
		base = "received.bin"
	}

	path := filepath.Join(dir, base)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			break
		}
		ext := filepath.Ext(base)
		path = filepath.Join(dir, fmt.Sprintf("%s.%d%s", base[:len(base)-len(ext)], i, ext))
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("save %s: %w", path, err)
	}
	return path, nil
}
