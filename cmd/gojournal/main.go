// =============================================================================
// GOJOURNAL - PERSISTENT MESSAGE JOURNAL NODE
// =============================================================================
//
// Inputs write every received message to an on-disk journal before it is
// processed; a single reader drains the journal into the process buffer
// and commits offsets once messages are handed over. A node that crashes
// resumes after the last committed offset.
//
// COMMANDS:
//   gojournal serve      Run the node (inputs, journal, reader, HTTP API)
//   gojournal inspect    Show segments, offsets and pending messages
//   gojournal version    Show version information
//
// USAGE EXAMPLES:
//   gojournal serve --config /etc/gojournal/gojournal.yaml
//   gojournal inspect --dir /var/lib/gojournal/journal --messages 10
//
// =============================================================================

package main

import (
	"fmt"
	"os"

	"gojournal/cmd/gojournal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
