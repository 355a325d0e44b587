//go:build unix

// ABOUTME: Foreground signals on unix: SIGUSR1 on request, SIGCONT after a job-control resume
// ABOUTME: Both mean the agent may have missed events while it was not looking

package main

import (
	"os"
	"syscall"
)

func foregroundSignals() []os.Signal {
	return []os.Signal{syscall.SIGUSR1, syscall.SIGCONT}
}
