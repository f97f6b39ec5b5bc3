package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const pollInterval = 50 * time.Millisecond

// Status returns the pid of the running daemon, or ErrNotRunning when the
// pidfile is missing or stale.
func Status(pidfile string) (int, error) {
	pid, err := NewPIDFile(pidfile).Read()
	if err != nil {
		return 0, err
	}
	if !Alive(pid) {
		return 0, fmt.Errorf("%w (stale pidfile for pid %d)", ErrNotRunning, pid)
	}
	return pid, nil
}

// Stop sends SIGTERM to the daemon and waits up to timeout for it to exit.
// A pidfile still naming the stopped process is removed.
func Stop(pidfile string, timeout time.Duration) error {
	pid, err := Status(pidfile)
	if err != nil {
		return err
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrNotRunning
		}
		return fmt.Errorf("daemon: signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for Alive(pid) {
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon: pid %d did not exit within %s", pid, timeout)
		}
		time.Sleep(pollInterval)
	}

	if cur, err := NewPIDFile(pidfile).Read(); err == nil && cur == pid {
		_ = os.Remove(pidfile)
	}
	return nil
}

// StartDetached starts exe in a new session with its standard streams on
// /dev/null and waits up to timeout for it to record its pid.
func StartDetached(exe string, args []string, pidfile string, timeout time.Duration) (int, error) {
	if pid, err := Status(pidfile); err == nil {
		return pid, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("daemon: open %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("daemon: start %s: %w", exe, err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	child := cmd.Process.Pid
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	pf := NewPIDFile(pidfile)
	for {
		if pid, err := pf.Read(); err == nil && pid == child {
			return child, nil
		}
		select {
		case err := <-exited:
			if err == nil {
				err = errors.New("exited before writing its pidfile")
			}
			return 0, fmt.Errorf("daemon: pid %d: %w", child, err)
		case <-deadline.C:
			return child, fmt.Errorf("daemon: pid %d did not write %s within %s", child, pidfile, timeout)
		case <-tick.C:
		}
	}
}
