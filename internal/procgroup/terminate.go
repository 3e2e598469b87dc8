// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package procgroup starts external encoders in their own process group
// and stops the whole group, escalating from SIGTERM to SIGKILL.
package procgroup

import (
	"os/exec"
	"syscall"
	"time"
)

// Terminate stops the process group of cmd. It sends SIGTERM, waits up to
// grace for the exit to arrive on waitCh, then sends SIGKILL and blocks
// until waitCh delivers. The returned error is always the one from Wait,
// never from the signalling itself.
//
// waitCh must be fed by exactly one goroutine running cmd.Wait(). Terminate
// never calls Wait itself; doubling up on Wait for the same command is
// undefined in os/exec.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = Kill(cmd, syscall.SIGTERM)

	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
	}

	_ = Kill(cmd, syscall.SIGKILL)
	return <-waitCh
}
