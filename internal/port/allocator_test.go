package port

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/portkeeper/internal/model"
	"github.com/mmr-tortoise/portkeeper/internal/registry"
)

// scenarioRanges are the development ranges used throughout these tests:
// frontend 7000-7999 and backend 8000-8999.
func scenarioRanges() []model.ServiceRange {
	return []model.ServiceRange{
		{ServiceType: model.ServiceFrontend, Environment: model.EnvDevelopment, Range: model.PortRange{Min: 7000, Max: 7999}},
		{ServiceType: model.ServiceBackend, Environment: model.EnvDevelopment, Range: model.PortRange{Min: 8000, Max: 8999}},
		{ServiceType: model.ServiceFrontend, Environment: model.EnvProduction, Range: model.PortRange{Min: 7000, Max: 7999}},
	}
}

func newTestAllocator(t *testing.T, ranges []model.ServiceRange, opts ...Option) (*Allocator, *registry.Store) {
	t.Helper()
	store := registry.New(filepath.Join(t.TempDir(), "registry.csv"),
		registry.WithLockPolicy(registry.LockPolicy{Attempts: 500, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}))
	return NewAllocator(store, ranges, opts...), store
}

func allocate(t *testing.T, a *Allocator, project string, services ...model.ServiceType) []model.Allocation {
	t.Helper()
	rows, err := a.AllocateProjectPorts(context.Background(), Request{
		Project:     project,
		Services:    services,
		Environment: model.EnvDevelopment,
	})
	require.NoError(t, err)
	return rows
}

func portsOf(rows []model.Allocation) []int {
	out := make([]int, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Port)
	}
	return out
}

// TestScenarios walks through the canonical allocation sequence:
// a fresh registry, a second project, then reuse after release.
func TestScenarios(t *testing.T) {
	a, store := newTestAllocator(t, scenarioRanges())
	ctx := context.Background()

	// Fresh registry: lowest ports of each range.
	alpha := allocate(t, a, "alpha", model.ServiceFrontend, model.ServiceBackend)
	assert.Equal(t, []int{7000, 8000}, portsOf(alpha))
	assert.Equal(t, model.StatusAllocated, alpha[0].Status)

	// Second project gets the next frontend port.
	beta := allocate(t, a, "beta", model.ServiceFrontend)
	assert.Equal(t, []int{7001}, portsOf(beta))

	// After alpha releases, the lowest free port is 7000 again.
	released, err := a.ReleaseProjectPorts(ctx, "alpha", "")
	require.NoError(t, err)
	assert.Len(t, released, 2)

	gamma := allocate(t, a, "gamma", model.ServiceFrontend)
	assert.Equal(t, []int{7000}, portsOf(gamma))

	rows, err := store.Read()
	require.NoError(t, err)
	assert.NoError(t, model.ValidateAllocations(rows))
}

// TestAllocate_Exhaustion fills a range of K ports and verifies the K+1th
// request fails without persisting anything.
func TestAllocate_Exhaustion(t *testing.T) {
	ranges := []model.ServiceRange{
		{ServiceType: model.ServiceFrontend, Environment: model.EnvDevelopment, Range: model.PortRange{Min: 7000, Max: 7002}},
		{ServiceType: model.ServiceBackend, Environment: model.EnvDevelopment, Range: model.PortRange{Min: 8000, Max: 8999}},
	}
	a, store := newTestAllocator(t, ranges)

	for i := 0; i < 3; i++ {
		allocate(t, a, fmt.Sprintf("p%d", i), model.ServiceFrontend)
	}

	_, err := a.AllocateProjectPorts(context.Background(), Request{
		Project:     "overflow",
		Services:    []model.ServiceType{model.ServiceBackend, model.ServiceFrontend},
		Environment: model.EnvDevelopment,
	})
	var exhausted *model.RangeExhaustedError
	require.True(t, errors.As(err, &exhausted), "got %v", err)
	assert.Equal(t, "overflow", exhausted.Project)
	assert.Equal(t, model.ServiceFrontend, exhausted.Service)
	assert.Equal(t, model.PortRange{Min: 7000, Max: 7002}, exhausted.Range)

	// All-or-nothing: the backend port from the failed request is not kept.
	rows, err := store.Read()
	require.NoError(t, err)
	assert.Empty(t, model.FilterProject(rows, "overflow", ""))
	assert.Len(t, rows, 3)
}

// TestAllocate_Idempotent verifies that asking again for a held service
// returns the existing row instead of a second port.
func TestAllocate_Idempotent(t *testing.T) {
	a, store := newTestAllocator(t, scenarioRanges())

	first := allocate(t, a, "alpha", model.ServiceFrontend)
	second := allocate(t, a, "alpha", model.ServiceFrontend, model.ServiceBackend)

	assert.Equal(t, first[0].Port, second[0].Port)
	assert.Equal(t, 8000, second[1].Port)

	rows, err := store.Read()
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

// TestAllocate_ReallocateAfterRelease supersedes the released row instead
// of accumulating history for the same service.
func TestAllocate_ReallocateAfterRelease(t *testing.T) {
	a, store := newTestAllocator(t, scenarioRanges())
	ctx := context.Background()

	allocate(t, a, "alpha", model.ServiceFrontend)
	_, err := a.ReleaseProjectPorts(ctx, "alpha", model.EnvDevelopment)
	require.NoError(t, err)
	again := allocate(t, a, "alpha", model.ServiceFrontend)
	assert.Equal(t, 7000, again[0].Port)

	rows, err := store.Read()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.StatusAllocated, rows[0].Status)
}

func TestAllocate_EnvironmentsAreIndependent(t *testing.T) {
	a, _ := newTestAllocator(t, scenarioRanges())
	dev := allocate(t, a, "alpha", model.ServiceFrontend)

	prod, err := a.AllocateProjectPorts(context.Background(), Request{
		Project:     "beta",
		Services:    []model.ServiceType{model.ServiceFrontend},
		Environment: model.EnvProduction,
	})
	require.NoError(t, err)
	assert.Equal(t, dev[0].Port, prod[0].Port, "the same port may be held once per environment")
}

// TestAllocate_SkipsProbedPorts verifies that ports reported by a prober
// are skipped but never recorded.
func TestAllocate_SkipsProbedPorts(t *testing.T) {
	busy := PortSet{7000: "node server.js", 7001: "docker:web"}
	a, _ := newTestAllocator(t, scenarioRanges(), WithProber(Probes{nil, busy}))

	rows := allocate(t, a, "alpha", model.ServiceFrontend)
	assert.Equal(t, 7002, rows[0].Port)
}

func TestAllocate_InvalidRequests(t *testing.T) {
	a, _ := newTestAllocator(t, scenarioRanges())
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
	}{
		{"bad project", Request{Project: "a,b", Services: []model.ServiceType{model.ServiceFrontend}, Environment: model.EnvDevelopment}},
		{"no services", Request{Project: "alpha", Environment: model.EnvDevelopment}},
		{"duplicate service", Request{Project: "alpha", Services: []model.ServiceType{model.ServiceFrontend, model.ServiceFrontend}, Environment: model.EnvDevelopment}},
		{"no range", Request{Project: "alpha", Services: []model.ServiceType{model.ServiceRedis}, Environment: model.EnvDevelopment}},
		{"bad environment", Request{Project: "alpha", Services: []model.ServiceType{model.ServiceFrontend}, Environment: "qa"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.AllocateProjectPorts(ctx, tt.req)
			assert.Error(t, err)
		})
	}
}

// TestRelease_Idempotent verifies that releasing twice yields the same table.
func TestRelease_Idempotent(t *testing.T) {
	a, store := newTestAllocator(t, scenarioRanges())
	ctx := context.Background()
	allocate(t, a, "alpha", model.ServiceFrontend, model.ServiceBackend)

	_, err := a.ReleaseProjectPorts(ctx, "alpha", "")
	require.NoError(t, err)
	once, err := store.Read()
	require.NoError(t, err)

	again, err := a.ReleaseProjectPorts(ctx, "alpha", "")
	require.NoError(t, err)
	assert.Empty(t, again)
	twice, err := store.Read()
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	for _, r := range twice {
		assert.Equal(t, model.StatusReleased, r.Status)
	}
}

func TestRelease_UnknownProject(t *testing.T) {
	a, _ := newTestAllocator(t, scenarioRanges())
	released, err := a.ReleaseProjectPorts(context.Background(), "ghost", "")
	require.NoError(t, err)
	assert.Empty(t, released)
}

// TestAllocate_Concurrent runs many projects through separate allocators
// sharing one registry file. Every port must lie in its range and no two
// projects may share a port.
func TestAllocate_Concurrent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.csv")

	const projects = 12
	var wg sync.WaitGroup
	errs := make(chan error, projects)
	for i := 0; i < projects; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store := registry.New(path, registry.WithLockPolicy(registry.LockPolicy{Attempts: 1000, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}))
			a := NewAllocator(store, scenarioRanges())
			_, err := a.AllocateProjectPorts(context.Background(), Request{
				Project:     fmt.Sprintf("proj%02d", i),
				Services:    []model.ServiceType{model.ServiceFrontend, model.ServiceBackend},
				Environment: model.EnvDevelopment,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rows, err := registry.New(path).Read()
	require.NoError(t, err)
	require.Len(t, rows, projects*2)
	require.NoError(t, model.ValidateAllocations(rows))

	a := NewAllocator(nil, scenarioRanges())
	for _, r := range rows {
		rng, ok := a.Range(r.ServiceType, r.Environment)
		require.True(t, ok)
		assert.True(t, rng.Contains(r.Port), "%s outside %s", r.String(), rng)
	}

	// Ascending scan with no gaps: the frontend ports are exactly 7000..7011.
	seen := map[int]bool{}
	for _, r := range rows {
		if r.ServiceType == model.ServiceFrontend {
			seen[r.Port] = true
		}
	}
	for p := 7000; p < 7000+projects; p++ {
		assert.True(t, seen[p], "port %d should be allocated", p)
	}
}

func TestFindNextAvailable_IgnoresReleasedRows(t *testing.T) {
	a := NewAllocator(nil, scenarioRanges())
	rows := []model.Allocation{
		{ProjectName: "alpha", ServiceType: model.ServiceFrontend, Port: 7000, Environment: model.EnvDevelopment, Status: model.StatusReleased},
		{ProjectName: "beta", ServiceType: model.ServiceFrontend, Port: 7001, Environment: model.EnvDevelopment, Status: model.StatusConfigured},
		{ProjectName: "gamma", ServiceType: model.ServiceFrontend, Port: 7000, Environment: model.EnvProduction, Status: model.StatusAllocated},
	}
	p, err := a.FindNextAvailable(rows, "delta", model.ServiceFrontend, model.EnvDevelopment)
	require.NoError(t, err)
	assert.Equal(t, 7000, p)
}
