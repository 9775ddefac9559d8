// Package main is the entry point for the tunnelcore binary.
//
// Usage:
//
//	tunnelcore list                  # list saved connections
//	tunnelcore add --host ...        # save a connection
//	tunnelcore connect <id>          # connect and open its tunnels
//	tunnelcore audit                 # check local permission posture
//
// The command tree is built in internal/cli; this file wires it up and
// reports top-level errors.
package main

import (
	"fmt"
	"os"

	"github.com/tunnelcore/tunnelcore/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
