//go:build !windows

package orchestrator

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// configureProcessGroup puts the child in its own process group so the whole
// tree (conda wrapper, trainer, environment binary) can be signaled at once.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateTree sends SIGTERM to the process group, waits up to grace for done,
// then sends SIGKILL.
func terminateTree(cmd *exec.Cmd, done <-chan struct{}, grace time.Duration) (TerminationOutcome, error) {
	if cmd == nil || cmd.Process == nil {
		return OutcomeAlreadyExited, nil
	}
	select {
	case <-done:
		return OutcomeAlreadyExited, nil
	default:
	}

	pid := cmd.Process.Pid
	pgid := pid
	if g, err := syscall.Getpgid(pid); err == nil && g > 0 {
		pgid = g
	}

	var termErr error
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		termErr = err
	}

	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-done:
			return OutcomeTerminated, nil
		case <-timer.C:
		}
	}

	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		if kerr := cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			return OutcomeKilled, errors.Join(termErr, err, kerr)
		}
	}
	return OutcomeKilled, termErr
}

// isExecutableFile reports whether path is a regular file with an execute bit.
func isExecutableFile(path string) bool {
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return false
	}
	return st.Mode().Perm()&0111 != 0
}
