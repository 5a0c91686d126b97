// Package lockfile guards an archive root against concurrent backup processes.
//
// A lock is a small JSON file created with O_EXCL. Its owner rewrites it on a
// heartbeat; a lock whose heartbeat is older than the stale timeout, or whose
// owning process is gone from this host, may be taken over.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-vault/pkg/plog"
	"github.com/paulschiretz/pgl-vault/pkg/util"
)

// LockFileName is the name of the lock file created in the archive root.
const LockFileName = ".~pgl-vault.lock"

// ErrLockActive is returned when another live process holds the lock.
type ErrLockActive struct {
	PID       int64
	Hostname  string
	AppID     string
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("archive is locked by PID %d on host '%s' (App: %s), last heartbeat %s ago",
		e.PID, e.Hostname, e.AppID, e.TimeSince.Truncate(time.Second))
}

// ErrLostRace is returned when two processes take over the same stale lock and this one lost.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorruptLockFile indicates that the lock file is empty or not valid JSON.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// Overridden in tests.
var (
	heartbeatInterval = 1 * time.Minute
	staleTimeout      = 3 * heartbeatInterval
	retryDelay        = 100 * time.Millisecond
	processAlive      = isProcessAlive
)

// Lock is a held archive lock.
type Lock struct {
	path    string
	content LockContent
	stop    context.CancelFunc
	done    chan struct{}

	mu   sync.Mutex
	held bool
}

// Acquire takes the lock in dir. ctx bounds the acquisition attempts only;
// the heartbeat runs until Release. It returns *ErrLockActive if another
// process holds the lock.
func Acquire(ctx context.Context, dir string, appID string) (*Lock, error) {
	path := filepath.Join(dir, LockFileName)
	const maxAttempts = 3

	for range maxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lock, err := create(path, appID)
		if err == nil {
			return lock.start(), nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		content, err := readLockContent(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Released between our create and read.
			continue
		case errors.Is(err, ErrCorruptLockFile):
			plog.Warn("Found corrupt lock file, treating as stale", "path", path, "error", err)
		case err != nil:
			time.Sleep(retryDelay)
			continue
		default:
			if reason, stale := content.stale(); stale {
				plog.Warn("Found stale lock, attempting takeover", "pid", content.PID, "host", content.Hostname, "reason", reason)
			} else {
				return nil, &ErrLockActive{
					PID:       content.PID,
					Hostname:  content.Hostname,
					AppID:     content.AppID,
					TimeSince: time.Since(content.LastUpdate),
				}
			}
		}

		lock, err = takeover(path, appID)
		if err != nil {
			if errors.Is(err, ErrLostRace) {
				plog.Debug("Lock takeover race lost, retrying acquisition")
			} else {
				plog.Warn("Failed to take over lock, retrying", "error", err)
			}
			time.Sleep(retryDelay)
			continue
		}
		return lock.start(), nil
	}
	return nil, fmt.Errorf("failed to acquire lock after %d attempts (contention)", maxAttempts)
}

// create claims the lock with O_EXCL.
func create(path, appID string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	content, err := newLockContent(appID)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	if err := writeLockContent(f, content); err != nil {
		os.Remove(path)
		return nil, err
	}
	return &Lock{path: path, content: content, held: true}, nil
}

// takeover replaces a stale lock by renaming fresh content over it, then
// reads it back to see whether this process won.
func takeover(path, appID string) (*Lock, error) {
	content, err := newLockContent(appID)
	if err != nil {
		return nil, err
	}
	if err := writeLockFileAtomic(path, content); err != nil {
		return nil, err
	}

	readback, err := readLockContent(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read back lock file after takeover: %w", err)
	}
	if readback.PID != content.PID || readback.Nonce != content.Nonce {
		return nil, ErrLostRace
	}
	plog.Debug("Took over stale lock", "path", path)
	return &Lock{path: path, content: content, held: true}, nil
}

// start removes leftover temp files and launches the heartbeat.
func (l *Lock) start() *Lock {
	removeStaleTempFiles(l.path)
	ctx, cancel := context.WithCancel(context.Background())
	l.stop = cancel
	l.done = make(chan struct{})
	go l.heartbeat(ctx)
	return l
}

// Release stops the heartbeat and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return
	}
	l.held = false
	if l.stop != nil {
		l.stop()
		<-l.done
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		return
	}
	plog.Debug("Lock released", "path", l.path)
}

func (l *Lock) heartbeat(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.content.LastUpdate = time.Now().UTC()
			if err := writeLockFileAtomic(l.path, l.content); err != nil {
				// Retried on the next tick.
				plog.Warn("Heartbeat failed to update lock file", "error", err)
			}
		}
	}
}
