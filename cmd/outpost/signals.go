// ABOUTME: Maps OS signals onto the engine's foreground trigger
// ABOUTME: A supervisor sends one when the terminal or service comes back into view

package main

import (
	"context"
	"os"
	"os/signal"
)

// forwardForeground calls fg for every foreground signal until ctx ends.
func forwardForeground(ctx context.Context, fg func()) {
	sigs := foregroundSignals()
	if len(sigs) == 0 {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				fg()
			}
		}
	}()
}
