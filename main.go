// Package main provides the entry point for axpsim.
// axpsim models the Alpha 21264 (EV68) memory pipeline: the load and
// store queues, store-to-load forwarding, and the Dcache/Bcache hierarchy.
//
// For the demonstration CLI, use: go run ./cmd/axpsim
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Println("axpsim - Alpha 21264 (EV68) memory pipeline model")
	fmt.Println("")
	fmt.Println("Usage: axpsim [options]")
	fmt.Println("")
	fmt.Println("Options:")
	fmt.Println("  -config    Path to pipeline configuration JSON file")
	fmt.Println("  -trace     Trace Mbox state transitions")
	fmt.Println("  -v         Verbose output")
	fmt.Println("")
	fmt.Println("Run 'go run ./cmd/axpsim' for the demonstration driver.")

	if len(os.Args) > 1 {
		fmt.Println("\nNote: You provided arguments. Use 'go run ./cmd/axpsim' instead.")
	}
}
