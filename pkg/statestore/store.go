// Package statestore implements the Shared State Store: atomic
// JSON read/modify/write with OS advisory locking so multiple processes
// of the tool can safely share on-disk state. Grounded on the atomic
// temp-file-plus-rename idiom used by the ag-ui SDK's pkg/state storage
// layer, but locking is delegated to github.com/gofrs/flock (used for the
// same purpose by several pack repos' manifests) rather than hand-rolled
// syscall.Flock calls.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/Mekann2904/mekann-sub020/internal/corelog"
	"github.com/Mekann2904/mekann-sub020/pkg/rterrors"
)

// Store provides withLock/readSnapshot semantics over a single JSON file.
type Store struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
	lockStale   time.Duration
	log         *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger attaches a structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = corelog.Named(l, "statestore") }
}

// WithLockTimeout overrides the default lock-acquisition timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// WithLockStaleAge overrides the age at which an unowned lockfile is
// considered abandoned and broken.
func WithLockStaleAge(d time.Duration) Option {
	return func(s *Store) { s.lockStale = d }
}

// New creates a Store rooted at path, whose sidecar lock lives at
// "<path>.lock".
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:        path,
		lockPath:    path + ".lock",
		lockTimeout: 10 * time.Second,
		lockStale:   30 * time.Second,
		log:         corelog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// MutateFunc receives the current raw JSON document (or nil if the file
// doesn't exist or is empty) and returns the document to persist.
type MutateFunc func(current json.RawMessage) (json.RawMessage, error)

// WithLock acquires an exclusive advisory lock on path+".lock", reads the
// current JSON document (or nil if absent), invokes fn, and atomically
// writes fn's return value back under the same lock.
func (s *Store) WithLock(ctx context.Context, fn MutateFunc) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return rterrors.New(rterrors.KindIOError, "create state dir").WithCause(err)
	}

	s.breakStaleLock()

	fl := flock.New(s.lockPath)
	locked, err := s.acquire(ctx, fl, true)
	if err != nil {
		return err
	}
	if !locked {
		return rterrors.New(rterrors.KindLockTimeout, "timed out acquiring exclusive lock on "+s.lockPath)
	}
	ownerPath := s.lockPath + ".owner"
	_ = os.WriteFile(ownerPath, []byte(strconv.Itoa(os.Getpid())), 0o644)
	defer func() {
		fl.Unlock()
		_ = os.Remove(ownerPath)
	}()

	current, err := s.readRaw()
	if err != nil {
		return err
	}

	next, err := fn(current)
	if err != nil {
		return err
	}

	return s.writeAtomic(next)
}

// ReadSnapshot acquires a shared lock and returns the current document,
// or nil if the file does not exist.
func (s *Store) ReadSnapshot(ctx context.Context) (json.RawMessage, error) {
	s.breakStaleLock()

	fl := flock.New(s.lockPath)
	locked, err := s.acquire(ctx, fl, false)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, rterrors.New(rterrors.KindLockTimeout, "timed out acquiring shared lock on "+s.lockPath)
	}
	defer fl.Unlock()

	return s.readRaw()
}

// acquire retries lock acquisition with exponential backoff up to
// lockTimeout, honoring ctx cancellation.
func (s *Store) acquire(ctx context.Context, fl *flock.Flock, exclusive bool) (bool, error) {
	deadline := time.Now().Add(s.lockTimeout)
	delay := 5 * time.Millisecond
	const maxDelay = 200 * time.Millisecond

	for {
		var ok bool
		var err error
		if exclusive {
			ok, err = fl.TryLock()
		} else {
			ok, err = fl.TryRLock()
		}
		if err != nil {
			return false, rterrors.New(rterrors.KindIOError, "acquire lock").WithCause(err)
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, rterrors.New(rterrors.KindCancelled, "lock wait cancelled").WithCause(ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// breakStaleLock removes a lockfile older than lockStale whose owner PID
// (recorded alongside the lock) is no longer alive. flock itself holds no
// PID metadata, so we track ownership in a tiny ".owner" sidecar written
// right after a successful exclusive lock acquisition elsewhere in the
// lifecycle; absence of that sidecar simply skips this best-effort check.
func (s *Store) breakStaleLock() {
	info, err := os.Stat(s.lockPath)
	if err != nil {
		return
	}
	if time.Since(info.ModTime()) < s.lockStale {
		return
	}
	ownerPath := s.lockPath + ".owner"
	pidBytes, err := os.ReadFile(ownerPath)
	if err != nil {
		return
	}
	pid, err := strconv.Atoi(string(pidBytes))
	if err != nil {
		return
	}
	if processAlive(pid) {
		return
	}
	s.log.Warn("breaking stale lock", zap.String("path", s.lockPath), zap.Int("owner_pid", pid))
	_ = os.Remove(s.lockPath)
	_ = os.Remove(ownerPath)
}

func (s *Store) readRaw() (json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, rterrors.New(rterrors.KindIOError, "read state file").WithCause(err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, s.quarantineCorrupt(data)
	}
	return json.RawMessage(data), nil
}

// quarantineCorrupt saves the unreadable file to a ".corrupt-<ts>" sidecar
// and reports corrupt_state so the caller can fall back to its default.
func (s *Store) quarantineCorrupt(data []byte) error {
	sidecar := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().UnixNano())
	if err := os.WriteFile(sidecar, data, 0o644); err != nil {
		s.log.Error("failed to quarantine corrupt state", zap.Error(err))
	}
	return rterrors.New(rterrors.KindCorruptState, "state file is not valid JSON").
		WithDetail("quarantined_to", sidecar)
}

// writeAtomic writes data to a temp file in the same directory and renames
// it over the target, so concurrent readers never observe a torn write.
func (s *Store) writeAtomic(data json.RawMessage) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return rterrors.New(rterrors.KindIOError, "create temp state file").WithCause(err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return rterrors.New(rterrors.KindIOError, "write temp state file").WithCause(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return rterrors.New(rterrors.KindIOError, "sync temp state file").WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		return rterrors.New(rterrors.KindIOError, "close temp state file").WithCause(err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return rterrors.New(rterrors.KindIOError, "rename temp state file").WithCause(err)
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, os.ErrPermission)
}
