//go:build unix

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// watchForeground calls onForeground whenever the process is resumed with
// SIGCONT, until ctx is done.
func watchForeground(ctx context.Context, onForeground func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGCONT)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigChan:
			onForeground()
		}
	}
}
