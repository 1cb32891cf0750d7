//go:build windows

package pty

import (
	"os"
	"os/exec"
)

// waitPtyProcess waits for the PTY process to exit and returns exit info.
// Windows reports no signal names; the exit code is taken from ProcessState.
func waitPtyProcess(cmd *exec.Cmd, _ Handle) (exitCode int, signalName string, err error) {
	state, err := cmd.Process.Wait()
	if err != nil {
		return 1, "", err
	}
	cmd.ProcessState = state
	return state.ExitCode(), "", nil
}

// killProcess forcibly terminates a process by PID.
func killProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
