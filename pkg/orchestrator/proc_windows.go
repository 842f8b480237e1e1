//go:build windows

package orchestrator

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// terminateTree asks taskkill to end the tree, waits up to grace, then forces it.
func terminateTree(cmd *exec.Cmd, done <-chan struct{}, grace time.Duration) (TerminationOutcome, error) {
	if cmd == nil || cmd.Process == nil {
		return OutcomeAlreadyExited, nil
	}
	select {
	case <-done:
		return OutcomeAlreadyExited, nil
	default:
	}

	pid := strconv.Itoa(cmd.Process.Pid)
	_ = exec.Command("taskkill", "/T", "/PID", pid).Run()

	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-done:
			return OutcomeTerminated, nil
		case <-timer.C:
		}
	}

	if err := exec.Command("taskkill", "/T", "/F", "/PID", pid).Run(); err != nil {
		if kerr := cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			return OutcomeKilled, errors.Join(err, kerr)
		}
	}
	return OutcomeKilled, nil
}

// isExecutableFile reports whether path is a regular .exe file.
func isExecutableFile(path string) bool {
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return false
	}
	return strings.EqualFold(filepath.Ext(path), ".exe")
}
