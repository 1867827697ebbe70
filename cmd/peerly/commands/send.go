package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/peerly/peerly/internal/peerchannel"
	"github.com/peerly/peerly/internal/session"
	"github.com/peerly/peerly/internal/transfer"
)

// send <peer-id> <file>: request a session, wait for the peer to accept,
// stream the file over the data channel.
func sendCmd() *cobra.Command {
	var acceptTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "send <peer-id> <file>",
		Short: "Send a file to an online peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peerID, path := args[0], args[1]

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}
			if info.IsDir() {
				return fmt.Errorf("%s is a directory", path)
			}
			if info.Size() == 0 {
				return fmt.Errorf("%s is empty", path)
			}
			meta := transfer.Meta{
				Name:     filepath.Base(path),
				Size:     info.Size(),
				MimeType: mime.TypeByExtension(filepath.Ext(path)),
			}

			log := newLogger()
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			client, err := session.Dial(ctx, log, relayURL, displayName())
			if err != nil {
				return err
			}
			defer client.Close()

			holder := &channelHolder{log: log}
			opened := make(chan struct{}, 1)
			failed := make(chan error, 4)
			machine := session.NewMachine(log, client, holder.factory(), session.Events{
				OnChannelOpen: func() {
					select {
					case opened <- struct{}{}:
					default:
					}
				},
				OnRequestRejected: func(string) {
					failed <- fmt.Errorf("%s rejected the request", peerID)
				},
				OnConnectionFailed: func() {
					failed <- errors.New("peer connection could not be established")
				},
				OnPeerDisconnected: func() {
					failed <- errors.New("peer disconnected")
				},
			})

			runErr := make(chan error, 1)
			go func() { runErr <- client.Run(ctx, machine) }()

			if err := machine.Connect(peerID); err != nil {
				return err
			}
			cmd.Printf("waiting for %s to accept (%s timeout)...\n", peerID, acceptTimeout)

			select {
			case <-opened:
			case err := <-failed:
				return err
			case err := <-runErr:
				if err == nil {
					err = fmt.Errorf("relay closed the connection")
				}
				return err
			case <-time.After(acceptTimeout):
				_ = machine.Cancel()
				return fmt.Errorf("%s did not accept within %s", peerID, acceptTimeout)
			case <-ctx.Done():
				_ = machine.Cancel()
				return ctx.Err()
			}

			ch, err := holder.get()
			if err != nil {
				return err
			}

			bar := progressbar.DefaultBytes(info.Size(), "sending "+meta.Name)
			sender := transfer.NewSender(ch)

			// Keep draining session failures while the transfer runs. The
			// peer can disconnect mid-stream, and the pump only notices a
			// dead channel on its own schedule.
			sendCtx, cancelSend := context.WithCancel(ctx)
			defer cancelSend()
			sendDone := make(chan error, 1)
			go func() { sendDone <- sender.Send(sendCtx, meta, io.TeeReader(f, bar)) }()
			select {
			case err := <-sendDone:
				if err != nil {
					return err
				}
			case err := <-failed:
				cancelSend()
				<-sendDone
				return err
			}
			_ = bar.Finish()

			if err := waitForDrain(ctx, ch); err != nil {
				return err
			}
			cmd.Printf("sent %s (%d bytes) to %s\n", meta.Name, meta.Size, peerID)
			return machine.Disconnect()
		},
	}
	cmd.Flags().DurationVar(&acceptTimeout, "accept-timeout", 2*time.Minute, "how long to wait for the peer to accept")
	return cmd
}

// waitForDrain blocks until the channel's send buffer has flushed, so a
// Disconnect right after a transfer cannot truncate it.
func waitForDrain(ctx context.Context, ch *peerchannel.Channel) error {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if ch.BufferedAmount() == 0 {
			return nil
		}
		if !ch.IsOpen() {
			return errors.New("peer channel closed before the transfer drained")
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
