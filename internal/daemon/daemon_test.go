package daemon

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// deadPID returns the pid of a process that has already exited and been
// reaped.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

func TestPIDFileAcquireRelease(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "relayd.pid")
	pf := NewPIDFile(path)

	_, err := pf.Read()
	require.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, pf.Acquire())
	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// Re-acquiring from the same process is allowed.
	require.NoError(t, pf.Acquire())

	require.NoError(t, pf.Release())
	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	require.NoError(t, pf.Release())
}

func TestPIDFileLockExcludesSecondHolder(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "relayd.pid")
	first := NewPIDFile(path)
	require.NoError(t, first.Acquire())

	// The file names this very process, so only the lock can refuse.
	second := NewPIDFile(path)
	err := second.Acquire()
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Contains(t, err.Error(), strconv.Itoa(os.Getpid()))

	require.NoError(t, first.Release())
	require.NoError(t, second.Acquire())
	assert.Equal(t, path, second.Path())
	require.NoError(t, second.Release())
}

func TestPIDFileConcurrentAcquireHasOneWinner(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "relayd.pid")
	const contenders = 16

	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		winners atomic.Int32
		handles = make([]*PIDFile, contenders)
	)
	for i := range handles {
		handles[i] = NewPIDFile(path)
		wg.Add(1)
		go func(pf *PIDFile) {
			defer wg.Done()
			<-start
			if err := pf.Acquire(); err == nil {
				winners.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrAlreadyRunning)
			}
		}(handles[i])
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	for _, pf := range handles {
		require.NoError(t, pf.Release())
	}
}

func TestPIDFileRejectsLiveProcess(t *testing.T) {
	t.Parallel()

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	path := filepath.Join(t.TempDir(), "relayd.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644))

	err := NewPIDFile(path).Acquire()
	require.ErrorIs(t, err, ErrAlreadyRunning)

	pid, err := Status(path)
	require.NoError(t, err)
	assert.Equal(t, cmd.Process.Pid, pid)
}

func TestPIDFileReplacesStaleEntry(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "relayd.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(deadPID(t))+"\n"), 0o644))

	_, err := Status(path)
	require.ErrorIs(t, err, ErrNotRunning)

	pf := NewPIDFile(path)
	require.NoError(t, pf.Acquire())
	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestPIDFileGarbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "relayd.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o644))

	_, err := NewPIDFile(path).Read()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a pid")
}

func TestStopWithoutDaemon(t *testing.T) {
	t.Parallel()

	err := Stop(filepath.Join(t.TempDir(), "missing.pid"), time.Second)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestStartDetachedThenStop(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "relayd.pid")
	script := "echo $$ > " + path + "; exec sleep 30"

	pid, err := StartDetached("/bin/sh", []string{"-c", script}, path, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, Alive(pid))

	got, err := Status(path)
	require.NoError(t, err)
	assert.Equal(t, pid, got)

	_, err = StartDetached("/bin/sh", []string{"-c", script}, path, time.Second)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, Stop(path, 5*time.Second))
	assert.False(t, Alive(pid))
	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestStartDetachedChildExitsEarly(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "relayd.pid")
	_, err := StartDetached("/bin/sh", []string{"-c", "exit 3"}, path, 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 3")
}

func TestProgramStartStop(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	p := &program{
		logger:      zap.NewNop(),
		stopTimeout: time.Second,
		run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}

	require.NoError(t, p.Start(nil))
	<-started
	require.NoError(t, p.Stop(nil))
}

func TestProgramStopTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	p := &program{
		logger:      zap.NewNop(),
		stopTimeout: 20 * time.Millisecond,
		run: func(context.Context) error {
			<-release
			return nil
		},
	}

	require.NoError(t, p.Start(nil))
	err := p.Stop(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not stop")
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "running", statusString(service.StatusRunning))
	assert.Equal(t, "stopped", statusString(service.StatusStopped))
	assert.Equal(t, "unknown", statusString(service.StatusUnknown))
}

func TestDescribeStatus(t *testing.T) {
	t.Parallel()

	got, err := describeStatus(service.StatusUnknown, service.ErrNotInstalled)
	require.NoError(t, err)
	assert.Equal(t, "not installed", got)

	got, err = describeStatus(service.StatusRunning, nil)
	require.NoError(t, err)
	assert.Equal(t, "running", got)

	_, err = describeStatus(service.StatusUnknown, errors.New("systemctl failed"))
	assert.EqualError(t, err, "systemctl failed")
}
