// Package daemon implements the process verbs of relayd: a pidfile, detached
// start, stop and status, and service manager integration.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	// ErrAlreadyRunning is returned by Acquire when the pidfile names a live
	// process.
	ErrAlreadyRunning = errors.New("daemon: already running")
	// ErrNotRunning is returned when no live process is recorded.
	ErrNotRunning = errors.New("daemon: not running")
)

// PIDFile records the pid of the running daemon. The holder keeps an
// exclusive flock on the file, so two processes racing through Acquire
// cannot both win.
type PIDFile struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// NewPIDFile returns a handle for the pidfile at path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Path returns the pidfile location.
func (p *PIDFile) Path() string { return p.path }

// Read returns the recorded pid. A missing file yields ErrNotRunning.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNotRunning
		}
		return 0, fmt.Errorf("daemon: read pidfile: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("daemon: pidfile %s holds %q, not a pid", p.path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// Acquire locks the pidfile and records the current process in it. A
// pidfile left by a dead process is taken over. Acquire on a handle that
// already holds the lock is a no-op.
func (p *PIDFile) Acquire() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("daemon: create pidfile dir: %w", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		f, err := p.lock()
		if err != nil {
			return err
		}
		if f == nil {
			// The file was replaced between open and lock.
			continue
		}
		if pid, err := p.Read(); err == nil && pid != os.Getpid() && Alive(pid) {
			// Recorded by a process that does not hold the lock.
			_ = f.Close()
			return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		if err := writePID(f); err != nil {
			_ = f.Close()
			return err
		}
		p.file = f
		return nil
	}
	return fmt.Errorf("daemon: pidfile %s keeps changing", p.path)
}

// lock opens the pidfile and takes the flock. It returns a nil file when
// the path no longer names the locked inode.
func (p *PIDFile) lock() (*os.File, error) {
	f, err := os.OpenFile(p.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("daemon: open pidfile: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			if pid, rerr := p.Read(); rerr == nil {
				return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
			}
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("daemon: lock pidfile: %w", err)
	}

	var held, named unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &held); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("daemon: stat pidfile: %w", err)
	}
	if err := unix.Stat(p.path, &named); err != nil || held.Ino != named.Ino || held.Dev != named.Dev {
		_ = f.Close()
		return nil, nil
	}
	return f, nil
}

// writePID overwrites the file with the current pid. The new content is
// written before the old tail is cut so readers never see an empty file.
func writePID(f *os.File) error {
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if _, err := f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("daemon: write pidfile: %w", err)
	}
	if err := f.Truncate(int64(len(data))); err != nil {
		return fmt.Errorf("daemon: write pidfile: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("daemon: sync pidfile: %w", err)
	}
	return nil
}

// Release removes the pidfile and drops the lock. It is a no-op on a handle
// that does not hold the lock.
func (p *PIDFile) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return nil
	}
	var err error
	if rerr := os.Remove(p.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		err = fmt.Errorf("daemon: remove pidfile: %w", rerr)
	}
	if cerr := p.file.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("daemon: close pidfile: %w", cerr)
	}
	p.file = nil
	return err
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
