// rtprelayctl is a CLI client for rtprelayd: it speaks the line-oriented
// control protocol (spec §6.1/§6.2) over whichever transport the daemon
// was configured to listen on.
package main

import "github.com/sippy-relay/rtprelayd/cmd/rtprelayctl/commands"

func main() {
	commands.Execute()
}
