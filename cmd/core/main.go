// Package main provides the posync command line tool.
// It operates on the same queue database as the desktop shell and is meant
// for inspection and one-off runs:
//
//	posync status
//	posync sync
//	posync enqueue --file sale.json
//	posync failed
//	posync purge
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
