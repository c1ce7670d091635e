package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// sessionCmd groups the commands that create, update, and tear down
// relay sessions (spec §6.2 opcodes U, L, D, X).
func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage relay sessions",
	}

	cmd.AddCommand(sessionCreateCmd())
	cmd.AddCommand(sessionUpdateCmd())
	cmd.AddCommand(sessionDeleteCmd())
	cmd.AddCommand(sessionDeleteAllCmd())
	cmd.AddCommand(sessionQueryCmd())

	return cmd
}

// --- session create (opcode U: create/update caller side) ---

func sessionCreateCmd() *cobra.Command {
	var callID, remoteIP, fromTag string
	var remotePort uint16

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create or update the caller side of a session (U)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := Dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()

			reply, err := c.Send("U", callID, remoteIP, fmt.Sprintf("%d", remotePort), fromTag)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&callID, "call-id", "", "SIP call-id (required)")
	flags.StringVar(&remoteIP, "remote-ip", "", "remote media IP as advertised by the caller")
	flags.Uint16Var(&remotePort, "remote-port", 0, "remote media port as advertised by the caller")
	flags.StringVar(&fromTag, "from-tag", "", "SIP From-tag (required)")
	_ = cmd.MarkFlagRequired("call-id")
	_ = cmd.MarkFlagRequired("from-tag")

	return cmd
}

// --- session update (opcode L: create/update callee side) ---

func sessionUpdateCmd() *cobra.Command {
	var callID, remoteIP, fromTag, toTag string
	var remotePort uint16

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Create or update the callee side of a session (L)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := Dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()

			reply, err := c.Send("L", callID, remoteIP, fmt.Sprintf("%d", remotePort), fromTag, toTag)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&callID, "call-id", "", "SIP call-id (required)")
	flags.StringVar(&remoteIP, "remote-ip", "", "remote media IP as advertised by the callee")
	flags.Uint16Var(&remotePort, "remote-port", 0, "remote media port as advertised by the callee")
	flags.StringVar(&fromTag, "from-tag", "", "SIP From-tag (required)")
	flags.StringVar(&toTag, "to-tag", "", "SIP To-tag (required)")
	_ = cmd.MarkFlagRequired("call-id")
	_ = cmd.MarkFlagRequired("from-tag")
	_ = cmd.MarkFlagRequired("to-tag")

	return cmd
}

// --- session delete (opcode D) ---

func sessionDeleteCmd() *cobra.Command {
	var callID, fromTag, toTag string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a session (D)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := Dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()

			args := []string{callID, fromTag}
			if toTag != "" {
				args = append(args, toTag)
			}
			reply, err := c.Send("D", args...)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&callID, "call-id", "", "SIP call-id (required)")
	flags.StringVar(&fromTag, "from-tag", "", "SIP From-tag (required)")
	flags.StringVar(&toTag, "to-tag", "", "SIP To-tag (omit to delete the whole session)")
	_ = cmd.MarkFlagRequired("call-id")
	_ = cmd.MarkFlagRequired("from-tag")

	return cmd
}

// --- session delete-all (opcode X) ---

func sessionDeleteAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-all",
		Short: "Delete every session on the daemon (X)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := Dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()

			reply, err := c.Send("X")
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}

// --- session query (opcode Q) ---

func sessionQueryCmd() *cobra.Command {
	var callID, fromTag, toTag string

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query packet/byte counters for a session (Q)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := Dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()

			args := []string{callID}
			if fromTag != "" {
				args = append(args, fromTag)
			}
			if toTag != "" {
				args = append(args, toTag)
			}
			reply, err := c.Send("Q", args...)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&callID, "call-id", "", "SIP call-id (required)")
	flags.StringVar(&fromTag, "from-tag", "", "SIP From-tag")
	flags.StringVar(&toTag, "to-tag", "", "SIP To-tag")
	_ = cmd.MarkFlagRequired("call-id")

	return cmd
}
