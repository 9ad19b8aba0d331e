// Package main provides the entry point for the automation hub CLI.
package main

import (
	"fmt"
	"os"

	"github.com/autohub-io/autohub/cmd/autohub/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
