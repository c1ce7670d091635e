package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// infoCmd issues opcode I (spec §6.2): daemon-wide info, or a single
// session's if --call-id is given. Replies are multi-line.
func infoCmd() *cobra.Command {
	var callID string

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print daemon or session info (I)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := Dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()

			var args []string
			if callID != "" {
				args = append(args, callID)
			}
			reply, err := c.Send("I", args...)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}

	cmd.Flags().StringVar(&callID, "call-id", "", "limit to a single session")
	return cmd
}

// statsCmd issues opcode G (spec §6.2): a named stat, or "all".
func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats [name]",
		Short: "Print daemon statistics (G)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := Dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()

			name := "all"
			if len(args) == 1 {
				name = args[0]
			}
			reply, err := c.Send("G", name)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
	return cmd
}

// protocolVersionCmd issues opcode V (spec §6.2): the daemon's protocol
// version string.
func protocolVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "protocol-version",
		Short: "Print the daemon's protocol version (V)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := Dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()

			reply, err := c.Send("V")
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}
