package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// addr is the control-socket endpoint (spec §6.1 syntax) rtprelayctl
// connects to, set via the persistent --addr flag.
var addr string

// rootCmd is the top-level cobra command for rtprelayctl.
var rootCmd = &cobra.Command{
	Use:   "rtprelayctl",
	Short: "CLI client for the rtprelayd relay daemon",
	Long:  "rtprelayctl speaks rtprelayd's line-oriented control protocol over unix, tcp, or udp control sockets.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "unix:/var/run/rtprelay.sock",
		"control-socket endpoint, type:path[:opts] (spec §6.1)")

	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(infoCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(protocolVersionCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
