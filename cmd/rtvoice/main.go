// Command rtvoice runs the realtime voice gateway or a headless
// conversation against the realtime service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set at build time)
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rtvoice",
		Short: "Realtime voice gateway over WebRTC",
		Long: `rtvoice hosts realtime voice sessions over WebRTC.

Use 'rtvoice serve' to run the HTTP gateway and token broker,
'rtvoice dial' for a headless conversation from the terminal and
'rtvoice replay' to measure turn latency against a running gateway.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newDialCmd())
	root.AddCommand(newReplayCmd())
	return root
}
