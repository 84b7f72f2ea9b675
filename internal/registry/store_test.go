package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/portkeeper/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "registry.csv")
	return New(path, WithLockPolicy(LockPolicy{Attempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}))
}

func sampleRows() []model.Allocation {
	created := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	return []model.Allocation{
		{ProjectName: "alpha", ServiceType: model.ServiceFrontend, Port: 7000,
			Environment: model.EnvDevelopment, Status: model.StatusAllocated, CreatedAt: created,
			WorkingDirectory: "/src/alpha"},
		{ProjectName: "alpha", ServiceType: model.ServiceBackend, Port: 8000,
			Environment: model.EnvDevelopment, Status: model.StatusConfigured, CreatedAt: created,
			WorkingDirectory: "/src/alpha"},
		{ProjectName: "beta", ServiceType: model.ServiceFrontend, Port: 7001,
			Environment: model.EnvDevelopment, Status: model.StatusReleased, CreatedAt: created},
	}
}

func TestRead_MissingFileIsEmpty(t *testing.T) {
	s := newTestStore(t)
	rows, err := s.Read()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// TestRoundTrip verifies that writing what was read reproduces the table.
func TestRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, sampleRows()))

	first, err := s.Read()
	require.NoError(t, err)
	if diff := cmp.Diff(sampleRows(), first); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}

	before, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, first))
	after, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestEnsureExists_WritesHeaderOnce(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnsureExists())

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, "project_name,service_type,port,environment,status,created_date,working_directory\n", string(data))

	// A second call must not clobber existing rows.
	require.NoError(t, s.Write(context.Background(), sampleRows()))
	require.NoError(t, s.EnsureExists())
	rows, err := s.Read()
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

// TestRead_ColumnsByHeaderName checks that reordered columns, unknown extra
// columns and plain dates are accepted.
func TestRead_ColumnsByHeaderName(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
	content := "port,project_name,notes,service_type,environment,status,created_date\n" +
		"7000,alpha,hello,frontend,development,allocated,2026-01-02\n" +
		"\n" +
		"8000,alpha,,backend,dev,configured,2026-01-02T10:00:00Z\n"
	require.NoError(t, os.WriteFile(s.Path(), []byte(content), 0o644))

	rows, err := s.Read()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "alpha", rows[0].ProjectName)
	assert.Equal(t, 7000, rows[0].Port)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), rows[0].CreatedAt)
	assert.Equal(t, model.EnvDevelopment, rows[1].Environment)
	assert.Empty(t, rows[1].WorkingDirectory)
}

// TestRead_Corrupt covers the ways a table can be unparseable. Each case
// must surface RegistryCorruptError and leave the file untouched.
func TestRead_Corrupt(t *testing.T) {
	header := "project_name,service_type,port,environment,status,created_date,working_directory\n"
	tests := []struct {
		name    string
		content string
		line    int
	}{
		{"empty file", "", 1},
		{"missing column", "project_name,port\nalpha,7000\n", 1},
		{"bad port", header + "alpha,frontend,seven,development,allocated,,\n", 2},
		{"privileged port", header + "alpha,frontend,80,development,allocated,,\n", 2},
		{"unknown service", header + "alpha,worker,7000,development,allocated,,\n", 2},
		{"bad status", header + "alpha,frontend,7000,development,running,,\n", 2},
		{"bad date", header + "alpha,frontend,7000,development,allocated,yesterday,\n", 2},
		{"unterminated quote", header + "\"alpha,frontend,7000,development,allocated,,\n", 2},
		{"duplicate holders", header +
			"alpha,frontend,7000,development,allocated,,\n" +
			"beta,frontend,7000,development,configured,,\n", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
			require.NoError(t, os.WriteFile(s.Path(), []byte(tt.content), 0o644))

			_, err := s.Read()
			var corrupt *model.RegistryCorruptError
			require.True(t, errors.As(err, &corrupt), "got %v", err)
			assert.Equal(t, tt.line, corrupt.Line)
			assert.Equal(t, s.Path(), corrupt.Path)

			// Update must refuse to touch a corrupt table.
			err = s.Update(context.Background(), func(rows []model.Allocation) ([]model.Allocation, error) {
				return rows, nil
			})
			assert.True(t, errors.As(err, &corrupt))

			data, readErr := os.ReadFile(s.Path())
			require.NoError(t, readErr)
			assert.Equal(t, tt.content, string(data))
		})
	}
}

func TestWrite_RejectsDuplicateHolders(t *testing.T) {
	s := newTestStore(t)
	rows := []model.Allocation{
		{ProjectName: "alpha", ServiceType: model.ServiceFrontend, Port: 7000, Environment: model.EnvDevelopment, Status: model.StatusAllocated},
		{ProjectName: "beta", ServiceType: model.ServiceFrontend, Port: 7000, Environment: model.EnvDevelopment, Status: model.StatusAllocated},
	}
	assert.Error(t, s.Write(context.Background(), rows))
	_, err := os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestUpdate_ErrorLeavesTableUnchanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, sampleRows()))

	boom := errors.New("boom")
	err := s.Update(ctx, func(rows []model.Allocation) ([]model.Allocation, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	rows, err := s.Read()
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

// TestUpdate_Serialized runs concurrent increments through Update; with a
// working lock no update is lost.
func TestUpdate_Serialized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.csv")
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := New(path, WithLockPolicy(LockPolicy{Attempts: 200, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}))
			errs <- s.Update(ctx, func(rows []model.Allocation) ([]model.Allocation, error) {
				return append(rows, model.Allocation{
					ProjectName: "p" + string(rune('a'+i)),
					ServiceType: model.ServiceFrontend,
					Port:        7000 + len(rows),
					Environment: model.EnvDevelopment,
					Status:      model.StatusAllocated,
				}), nil
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rows, err := New(path).Read()
	require.NoError(t, err)
	assert.Len(t, rows, workers)
	assert.NoError(t, model.ValidateAllocations(rows))
}

// TestUpdate_LockTimeout holds the lock and verifies that a second writer
// gives up with LockTimeoutError after the configured attempts.
func TestUpdate_LockTimeout(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnsureExists())

	held, err := s.acquire(context.Background())
	require.NoError(t, err)
	defer func() { _ = held.release() }()

	other := New(s.Path(), WithLockPolicy(LockPolicy{Attempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}))
	err = other.Update(context.Background(), func(rows []model.Allocation) ([]model.Allocation, error) {
		t.Fatal("critical section must not run without the lock")
		return rows, nil
	})

	var timeout *model.LockTimeoutError
	require.True(t, errors.As(err, &timeout), "got %v", err)
	assert.Equal(t, 3, timeout.Attempts)
	assert.Equal(t, s.Path()+".lock", timeout.Path)
}

func TestUpdate_CancelledWhileWaiting(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnsureExists())

	held, err := s.acquire(context.Background())
	require.NoError(t, err)
	defer func() { _ = held.release() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	other := New(s.Path(), WithLockPolicy(LockPolicy{Attempts: 50, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second}))
	err = other.Update(ctx, func(rows []model.Allocation) ([]model.Allocation, error) { return rows, nil })
	assert.ErrorIs(t, err, context.Canceled)
}

// TestBreakStaleLock covers lock files abandoned by a writer that crashed
// while holding an exclusive-create lock.
func TestBreakStaleLock(t *testing.T) {
	dir := t.TempDir()

	stale := filepath.Join(dir, "stale.lock")
	require.NoError(t, os.WriteFile(stale, []byte("owner pid=1\n"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	assert.True(t, breakStaleLock(stale, time.Minute))
	assert.NoFileExists(t, stale)

	fresh := filepath.Join(dir, "fresh.lock")
	require.NoError(t, os.WriteFile(fresh, []byte("owner pid=1\n"), 0o644))
	assert.False(t, breakStaleLock(fresh, time.Minute))
	assert.FileExists(t, fresh)

	assert.False(t, breakStaleLock(filepath.Join(dir, "missing.lock"), time.Minute))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no renamed leftovers")
}

func TestReset(t *testing.T) {
	s := newTestStore(t)
	s.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
	require.NoError(t, os.WriteFile(s.Path(), []byte("garbage\"\n"), 0o644))

	t.Run("refuses without confirmation", func(t *testing.T) {
		_, err := s.Reset(context.Background(), false)
		assert.ErrorIs(t, err, model.ErrConfirmationRequired)
		data, _ := os.ReadFile(s.Path())
		assert.Equal(t, "garbage\"\n", string(data))
	})

	t.Run("moves corrupt file aside", func(t *testing.T) {
		backup, err := s.Reset(context.Background(), true)
		require.NoError(t, err)
		assert.Equal(t, s.Path()+".corrupt-20260501T120000Z", backup)

		data, err := os.ReadFile(backup)
		require.NoError(t, err)
		assert.Equal(t, "garbage\"\n", string(data))

		rows, err := s.Read()
		require.NoError(t, err)
		assert.Empty(t, rows)
	})
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, sampleRows()))

	removed, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	rows, err := s.Read()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.NotEqual(t, model.StatusReleased, r.Status)
	}
}
