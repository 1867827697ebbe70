package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/peerly/peerly/internal/session"
	"github.com/peerly/peerly/internal/signaling"
)

// peers: connect, print the first online-users broadcast, exit.
func peersCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List peers currently online at the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, err := session.Dial(ctx, log, relayURL, displayName())
			if err != nil {
				return err
			}
			defer client.Close()

			users := make(chan []signaling.User, 1)
			holder := &channelHolder{log: log}
			machine := session.NewMachine(log, client, holder.factory(), session.Events{
				OnOnlineUsers: func(u []signaling.User) {
					select {
					case users <- u:
					default:
					}
				},
			})

			runErr := make(chan error, 1)
			go func() { runErr <- client.Run(ctx, machine) }()

			select {
			case u := <-users:
				printUsers(cmd, u)
				return nil
			case err := <-runErr:
				if err == nil {
					err = fmt.Errorf("relay closed the connection")
				}
				return err
			case <-ctx.Done():
				return fmt.Errorf("no answer from relay within %s", timeout)
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the relay")
	return cmd
}

func printUsers(cmd *cobra.Command, users []signaling.User) {
	if len(users) == 0 {
		cmd.Println("no peers online")
		return
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDEVICE")
	for _, u := range users {
		device := u.DeviceName
		if u.DeviceModel != "" {
			if device != "" {
				device += " "
			}
			device += "(" + u.DeviceModel + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", u.ID, u.Name, device)
	}
	_ = w.Flush()
}
