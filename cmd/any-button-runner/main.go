// Command any-button-runner is the native shell helper. The relay launches
// it once per shell action; it reads one framed command from stdin, runs it
// with the platform shell and writes one framed response to stdout.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"anybutton/internal/native"
)

func main() {
	// stdout carries the framed protocol.
	log.SetOutput(os.Stderr)
	log.SetPrefix("[any-button-runner] ")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := native.ServeOne(ctx, os.Stdin, os.Stdout, native.SystemShell); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
