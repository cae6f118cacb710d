// Package main provides the entry point for the agentstream server.
package main

import (
	"fmt"
	"os"

	"github.com/arture/agentstream/cmd/agentstream/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
