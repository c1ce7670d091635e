package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// shellCommands lists the available commands for the interactive shell
// help output.
var shellCommands = []struct {
	name string
	desc string
}{
	{"session create --call-id <id> --from-tag <t> ...", "Create the caller side of a session"},
	{"session update --call-id <id> --from-tag <t> --to-tag <t> ...", "Create the callee side of a session"},
	{"session delete --call-id <id> --from-tag <t>", "Delete a session"},
	{"session delete-all", "Delete every session"},
	{"session query --call-id <id>", "Query session counters"},
	{"info [--call-id <id>]", "Print daemon or session info"},
	{"stats [name]", "Print daemon statistics"},
	{"protocol-version", "Print the daemon's protocol version"},
	{"version", "Print build information"},
	{"help", "Show this help message"},
	{"exit / quit", "Leave the interactive shell"},
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive rtprelayctl shell",
		Long:  "Launches a simple REPL that accepts rtprelayctl subcommands. Type 'help', 'exit', or 'quit'.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			printShellBanner()
			scanner := bufio.NewScanner(os.Stdin)
			fmt.Print("rtprelayctl> ")

			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())

				switch {
				case line == "exit" || line == "quit":
					return nil
				case line == "help" || line == "?":
					printShellHelp()
				case line != "":
					args := strings.Fields(line)
					rootCmd.SetArgs(args)

					if err := rootCmd.Execute(); err != nil {
						fmt.Fprintln(os.Stderr, "Error:", err)
					}
				}

				fmt.Print("rtprelayctl> ")
			}

			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}

			return nil
		},
	}
}

// printShellBanner prints a welcome message when the shell starts.
func printShellBanner() {
	fmt.Println("rtprelayctl interactive shell. Type 'help' for available commands, 'exit' to quit.")
	fmt.Println()
}

// printShellHelp prints a formatted list of available shell commands.
func printShellHelp() {
	fmt.Println("Available commands:")
	fmt.Println()

	for _, cmd := range shellCommands {
		fmt.Printf("  %-55s %s\n", cmd.name, cmd.desc)
	}

	fmt.Println()
}
