package lock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// FileName is the lock file created inside a session directory.
const FileName = "LOCK"

// LockHeldError is returned when another process holds the session lock.
type LockHeldError struct {
	Holder Holder
	Path   string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("session lock held by PID %d since %s (%s)",
		e.Holder.PID, e.Holder.Since.Format(time.RFC3339), e.Path)
}

// Holder describes the process that owns a lock.
type Holder struct {
	PID      int
	Since    time.Time
	Instance string
}

// Lock is an acquired exclusive lock on a session directory.
type Lock struct {
	file   *os.File
	path   string
	holder Holder
}

// Acquire takes the session lock without blocking. instance is an opaque id
// recorded for diagnostics.
func Acquire(sessionDir, instance string) (*Lock, error) {
	path := filepath.Join(sessionDir, FileName)
	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			h, _ := Inspect(sessionDir)
			if h == nil {
				h = &Holder{}
			}
			return nil, &LockHeldError{Holder: *h, Path: path}
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	holder := Holder{PID: os.Getpid(), Since: time.Now().UTC().Truncate(time.Second), Instance: instance}
	if err := writeHolder(f, holder); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Lock{file: f, path: path, holder: holder}, nil
}

// Holder returns what this lock recorded about its owner.
func (l *Lock) Holder() Holder { return l.holder }

// Release releases the lock. Safe to call on nil receiver and more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before closing so a waiting process never reads a stale holder.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// Inspect reads the holder recorded in sessionDir. It returns nil and no
// error when no lock file exists.
func Inspect(sessionDir string) (*Holder, error) {
	data, err := os.ReadFile(filepath.Join(sessionDir, FileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h := parseHolder(string(data))
	return &h, nil
}

func writeHolder(f *os.File, h Holder) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	content := fmt.Sprintf("pid=%d\ntime=%s\ninstance=%s\n", h.PID, h.Since.Format(time.RFC3339), h.Instance)
	_, err := f.WriteString(content)
	return err
}

func parseHolder(content string) Holder {
	var h Holder
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(value)
		case "time":
			h.Since, _ = time.Parse(time.RFC3339, value)
		case "instance":
			h.Instance = value
		}
	}
	return h
}
