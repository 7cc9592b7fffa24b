// Command basalt runs the basalt peer-to-peer transport node and ships
// small utilities for key and enode handling.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:     "basalt",
		Short:   "basalt p2p transport node",
		Version: fmt.Sprintf("%s (%s)", version, commit),
	}
	root.AddCommand(runCommand(), keyCommand(), enodeCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
