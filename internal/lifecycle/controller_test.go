package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mmr-tortoise/portkeeper/internal/config"
	"github.com/mmr-tortoise/portkeeper/internal/model"
	"github.com/mmr-tortoise/portkeeper/internal/registry"
	"github.com/mmr-tortoise/portkeeper/internal/supervisor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSupervisor keeps process states in memory.
type fakeSupervisor struct {
	mu      sync.Mutex
	procs   map[string]string
	calls   []string
	failOn  map[string]error
	onStart func()
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{procs: map[string]string{}, failOn: map[string]error{}}
}

func (f *fakeSupervisor) record(call, name string) error {
	f.calls = append(f.calls, call+" "+name)
	return f.failOn[call+" "+name]
}

func (f *fakeSupervisor) List(context.Context) ([]supervisor.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []supervisor.ProcessInfo
	for name, status := range f.procs {
		out = append(out, supervisor.ProcessInfo{Name: name, Status: status, Restarts: 1})
	}
	return out, nil
}

func (f *fakeSupervisor) Start(ctx context.Context, _, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onStart != nil {
		f.onStart()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := f.record("start", name); err != nil {
		return err
	}
	f.procs[name] = supervisor.StatusOnline
	return nil
}

func (f *fakeSupervisor) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("stop", name); err != nil {
		return err
	}
	f.procs[name] = supervisor.StatusStopped
	return nil
}

func (f *fakeSupervisor) Restart(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("restart", name); err != nil {
		return err
	}
	f.procs[name] = supervisor.StatusOnline
	return nil
}

func (f *fakeSupervisor) Reset(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("reset", name)
}

func (f *fakeSupervisor) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("delete", name); err != nil {
		return err
	}
	delete(f.procs, name)
	return nil
}

func (f *fakeSupervisor) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fixture struct {
	cfg   *config.Config
	store *registry.Store
	sup   *fakeSupervisor
	ctl   *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	home := t.TempDir()
	cfg := config.Default(home)
	cfg.RegistryPath = filepath.Join(home, "registry.csv")
	cfg.EcosystemDir = filepath.Join(home, "ecosystem")
	cfg.LogDir = filepath.Join(home, "logs")

	store := registry.New(cfg.RegistryPath)
	created := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Write(context.Background(), []model.Allocation{
		{ProjectName: "alpha", ServiceType: model.ServiceFrontend, Port: 3000, Environment: model.EnvDevelopment, Status: model.StatusAllocated, CreatedAt: created, WorkingDirectory: home},
		{ProjectName: "alpha", ServiceType: model.ServiceBackend, Port: 8000, Environment: model.EnvDevelopment, Status: model.StatusAllocated, CreatedAt: created, WorkingDirectory: home},
		{ProjectName: "alpha", ServiceType: model.ServiceDatabase, Port: 5432, Environment: model.EnvDevelopment, Status: model.StatusAllocated, CreatedAt: created, WorkingDirectory: home},
	}))

	sup := newFakeSupervisor()
	return &fixture{cfg: cfg, store: store, sup: sup, ctl: NewController(cfg, store, sup, nil)}
}

func (fx *fixture) statuses(t *testing.T) map[model.ServiceType]model.AllocationStatus {
	t.Helper()
	rows, err := fx.store.Read()
	require.NoError(t, err)
	out := make(map[model.ServiceType]model.AllocationStatus)
	for _, r := range rows {
		out[r.ServiceType] = r.Status
	}
	return out
}

func TestMapState(t *testing.T) {
	tests := map[string]model.ProcessState{
		supervisor.StatusOnline:         model.ProcessRunning,
		supervisor.StatusLaunching:      model.ProcessRunning,
		supervisor.StatusWaitingRestart: model.ProcessRunning,
		supervisor.StatusStopped:        model.ProcessStopped,
		supervisor.StatusStopping:       model.ProcessStopped,
		supervisor.StatusErrored:        model.ProcessCrashed,
		"":                              model.ProcessConfigured,
	}
	for status, want := range tests {
		assert.Equal(t, want, MapState(status), "status %q", status)
	}
}

func TestFoldClusterInstances(t *testing.T) {
	seen := fold([]supervisor.ProcessInfo{
		{Name: "a", Status: supervisor.StatusErrored, CPU: 1, MemoryBytes: 10, Restarts: 2},
		{Name: "a", Status: supervisor.StatusOnline, CPU: 2, MemoryBytes: 20, Restarts: 1, Uptime: time.Minute},
		{Name: "b", Status: supervisor.StatusErrored},
		{Name: "b", Status: supervisor.StatusStopped},
	})

	require.Contains(t, seen, "a")
	assert.Equal(t, model.ProcessRunning, seen["a"].state)
	assert.Equal(t, 2, seen["a"].instances)
	assert.InDelta(t, 3.0, seen["a"].cpu, 0.001)
	assert.Equal(t, uint64(30), seen["a"].memory)
	assert.Equal(t, 3, seen["a"].restarts)
	assert.Equal(t, time.Minute, seen["a"].uptime)

	assert.Equal(t, model.ProcessCrashed, seen["b"].state)
	assert.Equal(t, model.ProcessConfigured, stateOf(seen, "missing"))
}

func TestConfigure(t *testing.T) {
	fx := newFixture(t)

	descs, err := fx.ctl.Configure(context.Background(), "alpha")
	require.NoError(t, err)
	require.Len(t, descs, 2)

	eco, err := supervisor.ReadEcosystem(fx.ctl.EcosystemPath("alpha"))
	require.NoError(t, err)
	require.Len(t, eco.Apps, 2)
	assert.Equal(t, "alpha-frontend-dev", eco.Apps[0].Name)

	// The database has no command and so no descriptor.
	assert.Equal(t, map[model.ServiceType]model.AllocationStatus{
		model.ServiceFrontend: model.StatusConfigured,
		model.ServiceBackend:  model.StatusConfigured,
		model.ServiceDatabase: model.StatusAllocated,
	}, fx.statuses(t))

	_, err = fx.ctl.Configure(context.Background(), "nobody")
	var notFound *model.ProjectNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestStartAndAlreadyRunning(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	results, err := fx.ctl.Start(ctx, "alpha", Filter{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, ActionStarted, r.Action)
		assert.Equal(t, model.ProcessRunning, r.State)
	}

	// Starting again is a successful no-op.
	results, err = fx.ctl.Start(ctx, "alpha", Filter{})
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, ActionNone, r.Action)
		assert.Equal(t, model.ProcessRunning, r.State)
	}
	assert.Equal(t, []string{"start alpha-frontend-dev", "start alpha-backend-dev"}, fx.sup.callList())
}

func TestStartRefusesCrashed(t *testing.T) {
	fx := newFixture(t)
	fx.sup.procs["alpha-backend-dev"] = supervisor.StatusErrored

	results, err := fx.ctl.Start(context.Background(), "alpha", Filter{})
	require.Error(t, err)

	var startErr *model.ProcessStartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, "alpha-backend-dev", startErr.Name)
	assert.Equal(t, 8000, startErr.Port)
	assert.Contains(t, err.Error(), "restart")
	assert.Equal(t, model.ExitSupervisorError, model.ExitCodeFor(err))

	require.Len(t, results, 2)
	assert.Equal(t, ActionStarted, results[0].Action)
	assert.Equal(t, ActionRefused, results[1].Action)
	assert.Equal(t, model.ProcessCrashed, results[1].State)

	// Restart is the way out.
	results, err = fx.ctl.Restart(context.Background(), "alpha", Filter{Service: model.ServiceBackend})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ActionRestarted, results[0].Action)
	assert.Contains(t, fx.sup.callList(), "reset alpha-backend-dev")
	assert.Equal(t, supervisor.StatusOnline, fx.sup.procs["alpha-backend-dev"])
}

func TestStartFailureDoesNotStopSiblings(t *testing.T) {
	fx := newFixture(t)
	fx.sup.failOn["start alpha-frontend-dev"] = errors.New("script not found")

	results, err := fx.ctl.Start(context.Background(), "alpha", Filter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "script not found")

	require.Len(t, results, 2)
	assert.Equal(t, ActionFailed, results[0].Action)
	assert.Equal(t, ActionStarted, results[1].Action)
	assert.Equal(t, supervisor.StatusOnline, fx.sup.procs["alpha-backend-dev"])
}

func TestStopAndDelete(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.ctl.Start(ctx, "alpha", Filter{})
	require.NoError(t, err)

	results, err := fx.ctl.Stop(ctx, "alpha", Filter{Service: model.ServiceFrontend})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ActionStopped, results[0].Action)

	// Stopping a stopped process is a no-op.
	results, err = fx.ctl.Stop(ctx, "alpha", Filter{Service: model.ServiceFrontend})
	require.NoError(t, err)
	assert.Equal(t, ActionNone, results[0].Action)

	results, err = fx.ctl.Delete(ctx, "alpha", Filter{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, ActionDeleted, r.Action)
		assert.Equal(t, model.ProcessDeleted, r.State)
	}
	assert.Empty(t, fx.sup.procs)

	// Rows go back to allocated; ports stay reserved.
	assert.Equal(t, map[model.ServiceType]model.AllocationStatus{
		model.ServiceFrontend: model.StatusAllocated,
		model.ServiceBackend:  model.StatusAllocated,
		model.ServiceDatabase: model.StatusAllocated,
	}, fx.statuses(t))
	assert.NoFileExists(t, fx.ctl.EcosystemPath("alpha"))

	// Deleting twice is harmless.
	results, err = fx.ctl.Delete(ctx, "alpha", Filter{})
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, ActionNone, r.Action)
	}
}

func TestStatus(t *testing.T) {
	fx := newFixture(t)
	fx.sup.procs["alpha-frontend-dev"] = supervisor.StatusOnline

	statuses, err := fx.ctl.Status(context.Background(), "alpha")
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	assert.Equal(t, "alpha-frontend-dev", statuses[0].Name)
	assert.Equal(t, 3000, statuses[0].Port)
	assert.Equal(t, model.ProcessRunning, statuses[0].State)
	assert.Equal(t, 1, statuses[0].RestartCount)

	assert.Equal(t, model.ProcessConfigured, statuses[1].State)
	assert.Equal(t, 0, statuses[1].Instances)

	_, err = fx.ctl.Status(context.Background(), "nobody")
	var notFound *model.ProjectNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

// TestProjectsDifferingInCaseStayApart checks that "Alpha" and "alpha" drive
// separate supervisor processes.
func TestProjectsDifferingInCaseStayApart(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.store.Update(ctx, func(rows []model.Allocation) ([]model.Allocation, error) {
		return append(rows, model.Allocation{
			ProjectName: "Alpha", ServiceType: model.ServiceFrontend, Port: 3001,
			Environment: model.EnvDevelopment, Status: model.StatusAllocated,
			CreatedAt: time.Now().UTC(), WorkingDirectory: rows[0].WorkingDirectory,
		}), nil
	}))
	frontend := Filter{Service: model.ServiceFrontend}

	_, err := fx.ctl.Start(ctx, "alpha", frontend)
	require.NoError(t, err)

	results, err := fx.ctl.Start(ctx, "Alpha", frontend)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ActionStarted, results[0].Action)
	assert.NotEqual(t, "alpha-frontend-dev", results[0].Name)
	upper := results[0].Name

	_, err = fx.ctl.Delete(ctx, "Alpha", frontend)
	require.NoError(t, err)
	assert.Equal(t, supervisor.StatusOnline, fx.sup.procs["alpha-frontend-dev"])
	assert.NotContains(t, fx.sup.procs, upper)
	assert.NotContains(t, fx.sup.callList(), "delete alpha-frontend-dev")
}

func TestCancellationBetweenTransitions(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel while the first start is in flight. That start still
	// completes; the second process is never touched.
	fx.sup.onStart = cancel

	results, err := fx.ctl.Start(ctx, "alpha", Filter{})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 2)
	assert.Equal(t, ActionStarted, results[0].Action)
	assert.Equal(t, ActionSkipped, results[1].Action)
	assert.Equal(t, []string{"start alpha-frontend-dev"}, fx.sup.callList())
}

func TestLogs(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.ctl.Configure(context.Background(), "alpha")
	require.NoError(t, err)

	out := filepath.Join(fx.cfg.LogDir, "alpha-frontend-dev.out.log")
	var b strings.Builder
	for i := 1; i <= 10; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	require.NoError(t, os.WriteFile(out, []byte(b.String()), 0o644))

	chunks, err := fx.ctl.Logs("alpha", Filter{Service: model.ServiceFrontend}, 3)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "out", chunks[0].Stream)
	assert.Equal(t, []string{"line 8", "line 9", "line 10"}, chunks[0].Lines)
	assert.Equal(t, "err", chunks[1].Stream)
	assert.Empty(t, chunks[1].Lines)
}

func TestTailFileLargeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.log")
	line := strings.Repeat("x", 99) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat(line, 2*tailWindow/len(line))+"last\n"), 0o644))

	lines, err := tailFile(path, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{strings.Repeat("x", 99), "last"}, lines)
}
