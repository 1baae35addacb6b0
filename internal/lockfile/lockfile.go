// Package lockfile keeps two dev servers from serving the same socket path.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var ErrLocked = errors.New("socket is owned by a running process")

// Owner is what a lockfile records.
type Owner struct {
	PID     int
	Started time.Time
}

// Lockfile is an exclusive-create file next to the resource it guards.
type Lockfile struct {
	path   string
	file   *os.File
	locked bool
}

// New creates a lockfile instance.
func New(path string) *Lockfile {
	return &Lockfile{path: path}
}

// ForSocket returns the lockfile guarding socketPath.
func ForSocket(socketPath string) *Lockfile {
	return New(socketPath + ".lock")
}

// TryAcquire takes the lock. A lockfile left behind by a process that is
// no longer running is replaced.
func (l *Lockfile) TryAcquire() error {
	if l.locked {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lockfile directory: %w", err)
	}

	file, err := l.create()
	if os.IsExist(err) {
		owner, readErr := l.Owner()
		if readErr == nil && isProcessRunning(owner.PID) {
			return fmt.Errorf("%w: pid %d since %s", ErrLocked, owner.PID, owner.Started.Format(time.RFC3339))
		}
		if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("failed to remove stale lockfile: %w", removeErr)
		}
		file, err = l.create()
	}
	if err != nil {
		return fmt.Errorf("failed to create lockfile: %w", err)
	}

	l.file = file
	l.locked = true

	content := fmt.Sprintf("%d\n%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	if _, err := file.WriteString(content); err != nil {
		l.Release()
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	if err := file.Sync(); err != nil {
		l.Release()
		return fmt.Errorf("failed to sync lockfile: %w", err)
	}
	return nil
}

func (l *Lockfile) create() (*os.File, error) {
	return os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
}

// Owner reads the lockfile on disk.
func (l *Lockfile) Owner() (Owner, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return Owner{}, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return Owner{}, fmt.Errorf("invalid PID in lockfile: %w", err)
	}
	owner := Owner{PID: pid}
	if len(lines) > 1 {
		owner.Started, _ = time.Parse(time.RFC3339, strings.TrimSpace(lines[1]))
	}
	return owner, nil
}

// Release drops the lock and removes the file.
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false

	var errs []error
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			errs = append(errs, err)
		}
		l.file = nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("failed to remove lockfile: %w", err))
	}
	return errors.Join(errs...)
}

// Locked reports whether this instance holds the lock.
func (l *Lockfile) Locked() bool {
	return l.locked
}

// Path returns the lockfile path.
func (l *Lockfile) Path() string {
	return l.path
}
