// Package main is the entry point for the livegen CLI.
package main

import (
	"os"

	"github.com/jmylchreest/livegen/cmd/livegen/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
