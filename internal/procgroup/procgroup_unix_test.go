// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

//go:build linux

package procgroup

import (
	"errors"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKillReachesWholeGroup(t *testing.T) {
	// A shell that forks a background sleep gives us a two-process group.
	cmd := exec.Command("sh", "-c", "sleep 30 & sleep 30")
	Set(cmd)
	require.NoError(t, cmd.Start())

	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	require.NoError(t, err)
	require.Equal(t, pid, pgid, "leader should own its group")

	// Give the shell a moment to fork the background child.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, Kill(cmd, syscall.SIGKILL))

	err = cmd.Wait()
	require.Error(t, err)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			assert.True(t, status.Signaled())
			assert.Equal(t, syscall.SIGKILL, status.Signal())
		}
	}

	// Signal 0 probes for existence without delivering anything.
	time.Sleep(50 * time.Millisecond)
	err = syscall.Kill(-pgid, syscall.Signal(0))
	assert.ErrorIs(t, err, syscall.ESRCH, "group should be gone")
}

func TestKillExitedProcessIsNil(t *testing.T) {
	cmd := exec.Command("true")
	Set(cmd)
	require.NoError(t, cmd.Run())
	assert.NoError(t, Kill(cmd, syscall.SIGKILL))
}

func TestTerminateGracefulExit(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	Set(cmd)
	require.NoError(t, cmd.Start())

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	start := time.Now()
	err := Terminate(cmd, waitCh, 5*time.Second)
	require.Error(t, err, "sleep dies to SIGTERM with a signal exit")
	assert.Less(t, time.Since(start), 2*time.Second, "should not have waited for grace")
}

func TestTerminateEscalatesToKill(t *testing.T) {
	// The trap makes the shell survive SIGTERM so only SIGKILL ends it.
	cmd := exec.Command("sh", "-c", "trap '' TERM; sleep 30")
	Set(cmd)
	require.NoError(t, cmd.Start())

	// Let the shell install its trap before we signal.
	time.Sleep(100 * time.Millisecond)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	err := Terminate(cmd, waitCh, 200*time.Millisecond)
	require.Error(t, err)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			assert.Equal(t, syscall.SIGKILL, status.Signal())
		}
	}
}

func TestTerminateNilCommand(t *testing.T) {
	assert.NoError(t, Terminate(nil, nil, time.Second))
	assert.NoError(t, Terminate(&exec.Cmd{}, nil, time.Second))
}
