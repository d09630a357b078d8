// Package main is the entry point for the liveedge application.
package main

import (
	"os"

	"github.com/jmylchreest/liveedge/cmd/liveedge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
