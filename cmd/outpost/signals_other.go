//go:build !unix

// ABOUTME: No foreground signals where unix job control does not exist
// ABOUTME: The interval and online triggers still run there

package main

import "os"

func foregroundSignals() []os.Signal {
	return nil
}
