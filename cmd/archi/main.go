// Package main provides the entry point for the archi CLI.
package main

import (
	"os"

	"github.com/axion66/A2rchi-sub003/cmd/archi/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
