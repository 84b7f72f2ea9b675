package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmr-tortoise/portkeeper/internal/model"
)

// LockPolicy bounds how long Update waits for the registry lock.
type LockPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultLockPolicy waits roughly three seconds in total before giving up.
var DefaultLockPolicy = LockPolicy{
	Attempts:     8,
	InitialDelay: 25 * time.Millisecond,
	MaxDelay:     time.Second,
}

// staleLockAge is how old an exclusive-create lock file must be before it is
// treated as left behind by a writer that died holding it. A critical
// section rewrites one small CSV file and finishes in milliseconds.
const staleLockAge = 30 * time.Second

// heldLock is an acquired registry lock.
type heldLock struct {
	file  *os.File
	path  string
	token string
}

// lockPath returns the advisory lock file that guards the registry.
func (s *Store) lockPath() string {
	return s.path + ".lock"
}

// errLockBusy signals a held lock to the retry loop.
var errLockBusy = errors.New("registry lock is held by another process")

// acquire takes the exclusive registry lock, retrying with exponential
// backoff. It returns LockTimeoutError once the policy is exhausted and the
// context error if ctx is cancelled while waiting.
func (s *Store) acquire(ctx context.Context) (*heldLock, error) {
	policy := s.lockPolicy
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}

	path := s.lockPath()
	start := time.Now()
	attempts := 0
	var held *heldLock

	op := func() error {
		attempts++
		f, ok, err := tryLockFile(path)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to lock registry %s: %w", s.path, err))
		}
		if !ok {
			// Retryable: the holder is another portkeeper process that
			// will finish its read-modify-write shortly.
			return errLockBusy
		}
		held = &heldLock{file: f, path: path, token: uuid.NewString()}
		return nil
	}

	notify := func(_ error, delay time.Duration) {
		s.logger.Debug("registry lock busy, retrying",
			zap.String("lock", path),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay))
	}

	// Deterministic doubling from InitialDelay up to MaxDelay, bounded by
	// attempt count rather than elapsed time. Waiters never block forever on
	// a stuck lock; they fail with LockTimeoutError and the operator retries.
	// Cancelling ctx stops the wait between attempts.
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialDelay
	b.MaxInterval = policy.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	err := backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(policy.Attempts-1)), ctx),
		notify)
	switch {
	case err == nil:
	case errors.Is(err, errLockBusy):
		return nil, &model.LockTimeoutError{Path: path, Attempts: attempts, Waited: time.Since(start)}
	default:
		return nil, err
	}

	held.writeOwner()
	s.logger.Debug("registry lock acquired",
		zap.String("lock", path),
		zap.String("owner", held.token),
		zap.Int("attempt", attempts))
	return held, nil
}

// writeOwner records the owner token and PID in the lock file. The content
// is informational only; failures are ignored.
func (l *heldLock) writeOwner() {
	if l.file == nil {
		return
	}
	_ = l.file.Truncate(0)
	_, _ = l.file.WriteAt([]byte(fmt.Sprintf("%s pid=%d\n", l.token, os.Getpid())), 0)
}

func (l *heldLock) release() error {
	return unlockFile(l.file, l.path)
}

// breakStaleLock moves aside the lock file at path when its modification
// time is older than maxAge, and reports whether it did. The file is renamed
// rather than removed so that a second waiter racing on the same stale file
// cannot delete a lock that a third process has just created; if the file
// that was moved turns out to be fresh, it is put back.
func breakStaleLock(path string, maxAge time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil || time.Since(info.ModTime()) <= maxAge {
		return false
	}

	aside := path + ".stale-" + uuid.NewString()
	if err := os.Rename(path, aside); err != nil {
		return false
	}
	moved, err := os.Stat(aside)
	if err == nil && time.Since(moved.ModTime()) <= maxAge {
		_ = os.Rename(aside, path)
		return false
	}
	_ = os.Remove(aside)
	return true
}
