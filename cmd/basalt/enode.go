package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basalt-chain/basalt/p2p/enode"
)

func enodeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enode",
		Short: "Enode URL utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <enode-url>",
		Short: "Validate an enode URL and print its canonical form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := enode.Parse(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, url.String())
			fmt.Fprintln(out, "  node id:  ", url.ID())
			fmt.Fprintln(out, "  ip:       ", url.IPString())
			fmt.Fprintln(out, "  tcp port: ", url.ListeningPortOrZero())
			if url.IsRunningDiscovery() {
				fmt.Fprintln(out, "  udp port: ", url.DiscoveryPortOrZero())
			} else {
				fmt.Fprintln(out, "  discovery: disabled")
			}
			return nil
		},
	})
	return cmd
}
