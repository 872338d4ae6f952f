// Package main is the entry point for the jiggy CLI.
//
// Usage:
//
//	jiggy [flags] <command> [args]
//
// Commands:
//
//	serve     - Run the HTTP API and the build workers
//	build     - Build, save and test an index from a local vector file
//	optimize  - Predict HNSW parameters for a target recall
//	train     - Fit surrogate models from measured builds
//	sweep     - Measure builds over a parameter grid
//	version   - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/jiggy-ai/jiggy-ann-api/cmd/jiggy/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
