package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/moby/sys/atomicwriter"
	"go.uber.org/zap"

	"github.com/mmr-tortoise/portkeeper/internal/model"
)

// Store is the registry file. Reads are lock-free; every mutation goes
// through Update, which serializes writers across processes.
type Store struct {
	path       string
	logger     *zap.Logger
	lockPolicy LockPolicy
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for lock and recovery diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLockPolicy overrides the lock retry policy.
func WithLockPolicy(p LockPolicy) Option {
	return func(s *Store) {
		s.lockPolicy = p
	}
}

// New returns a Store for the registry file at path. The file is not
// touched until it is read or written.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:       path,
		logger:     zap.NewNop(),
		lockPolicy: DefaultLockPolicy,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the registry file path.
func (s *Store) Path() string {
	return s.path
}

// Read loads every row. A registry that does not exist yet reads as empty.
// Because writers replace the file atomically, Read never observes a
// partially written table.
func (s *Store) Read() ([]model.Allocation, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read registry %s: %w", s.path, err)
	}
	return decode(s.path, bytes.NewReader(data))
}

// Write validates rows and replaces the registry under the lock.
func (s *Store) Write(ctx context.Context, rows []model.Allocation) error {
	lock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.releaseLock(lock)
	return s.write(rows)
}

// EnsureExists creates the registry directory and a header-only table if
// the file is missing. Existing files are left untouched.
func (s *Store) EnsureExists() error {
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat registry %s: %w", s.path, err)
	}
	return s.write(nil)
}

// Update runs fn as a serialized read-modify-write. fn receives the current
// rows and returns the rows to persist; when fn returns an error nothing is
// written and the error is returned unchanged.
func (s *Store) Update(ctx context.Context, fn func([]model.Allocation) ([]model.Allocation, error)) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	lock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.releaseLock(lock)

	rows, err := s.Read()
	if err != nil {
		return err
	}

	updated, err := fn(rows)
	if err != nil {
		return err
	}
	return s.write(updated)
}

// Reset recreates an empty registry. It refuses unless confirm is true.
// An existing file is moved aside as <path>.corrupt-<timestamp> and that
// backup path is returned.
func (s *Store) Reset(ctx context.Context, confirm bool) (string, error) {
	if !confirm {
		return "", fmt.Errorf("refusing to reset registry %s: %w", s.path, model.ErrConfirmationRequired)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create registry directory: %w", err)
	}

	lock, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer s.releaseLock(lock)

	var backup string
	if _, err := os.Stat(s.path); err == nil {
		backup = fmt.Sprintf("%s.corrupt-%s", s.path, s.now().UTC().Format("20060102T150405Z"))
		if err := os.Rename(s.path, backup); err != nil {
			return "", fmt.Errorf("failed to move registry aside: %w", err)
		}
		s.logger.Warn("registry moved aside", zap.String("registry", s.path), zap.String("backup", backup))
	}

	if err := s.write(nil); err != nil {
		return backup, err
	}
	return backup, nil
}

// Prune removes released rows and returns how many were dropped.
func (s *Store) Prune(ctx context.Context) (int, error) {
	removed := 0
	err := s.Update(ctx, func(rows []model.Allocation) ([]model.Allocation, error) {
		kept := make([]model.Allocation, 0, len(rows))
		for _, r := range rows {
			if r.Status == model.StatusReleased {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		return kept, nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// write validates and atomically replaces the table. atomicwriter stages
// the rows in a temporary file next to the registry, syncs it and renames
// it into place. Callers must hold the lock or be creating the file.
func (s *Store) write(rows []model.Allocation) error {
	if err := model.ValidateAllocations(rows); err != nil {
		return fmt.Errorf("refusing to write registry: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	var buf bytes.Buffer
	if err := encode(&buf, rows); err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}
	if err := atomicwriter.WriteFile(s.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write registry %s: %w", s.path, err)
	}

	s.logger.Debug("registry written", zap.String("registry", s.path), zap.Int("rows", len(rows)))
	return nil
}

func (s *Store) releaseLock(l *heldLock) {
	if err := l.release(); err != nil {
		s.logger.Warn("failed to release registry lock", zap.String("lock", l.path), zap.Error(err))
	}
}
