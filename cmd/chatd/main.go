package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chatd/internal/cli"
)

func main() {
	// Ctrl+C / SIGTERM end the read loop; Serve then returns cleanly.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.Execute(ctx, os.Args[1:], cli.StdStreams()); err != nil {
		fmt.Fprintln(os.Stderr, "chatd:", err)
		stop()
		os.Exit(1)
	}
}
