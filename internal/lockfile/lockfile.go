// Package lockfile guards a PaceMate state directory against a second
// instance. SQLite databases and the whatsmeow session in that directory
// support a single writer process; deployments on Postgres with Redis locks
// do not need it.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is created inside the guarded directory.
const LockFileName = "pacemate.lock"

// ErrLocked is matched by errors.Is on a *LockError.
var ErrLocked = errors.New("state directory is locked by another instance")

// Lock is a held flock on the directory's lock file.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking lock on dir. The kernel drops the
// lock when the process dies, so a leftover file never blocks a restart.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, LockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		holder := holderPID(path)
		slog.Error("lockfile.Acquire: state directory in use", "path", path, "holderPID", holder)
		return nil, &LockError{Path: path, HolderPID: holder, Cause: err}
	}
	if err := f.Truncate(0); err == nil {
		_, err = f.WriteString("pid=" + strconv.Itoa(os.Getpid()) + "\n")
		if err != nil {
			slog.Warn("lockfile.Acquire: pid not recorded", "path", path, "error", err)
		}
	}
	slog.Debug("lockfile.Acquire: acquired", "path", path, "pid", os.Getpid())
	return &Lock{file: f, path: path}, nil
}

// Release unlocks and removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting instance never sees our pid.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: remove failed", "path", l.path, "error", err)
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	slog.Debug("lockfile.Release: released", "path", l.path)
	return err
}

// LockError reports the instance holding the directory.
type LockError struct {
	Path      string
	HolderPID int // 0 when unknown
	Cause     error
}

func (e *LockError) Error() string {
	msg := "another PaceMate instance is using this state directory (" + e.Path + ")"
	if e.HolderPID > 0 {
		msg += fmt.Sprintf(", pid %d", e.HolderPID)
	}
	return msg
}

func (e *LockError) Is(target error) bool { return target == ErrLocked }

func (e *LockError) Unwrap() error { return e.Cause }

// holderPID reads the pid recorded by the current holder.
func holderPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return parsePID(string(data))
}

func parsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid="); ok {
			if pid, err := strconv.Atoi(v); err == nil && pid > 0 {
				return pid
			}
		}
	}
	return 0
}
