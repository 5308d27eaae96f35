// Package main is the entry point for bleepfilectl, the command-line client
// of the BleepFile file share service.
package main

import (
	"fmt"
	"os"

	"github.com/bleepstore/bleepfile/cmd/bleepfilectl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
