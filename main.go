// ttybridge - a network bridge to a serial console with firmware push.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ttybridge/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ttybridge: %v\n", err)
		os.Exit(1)
	}
}
