package port

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmr-tortoise/portkeeper/internal/model"
	"github.com/mmr-tortoise/portkeeper/internal/registry"
)

// Request asks for one port per service type for a project in one
// environment.
type Request struct {
	Project          string
	Services         []model.ServiceType
	Environment      model.Environment
	WorkingDirectory string
}

// Allocator hands out ports from the configured ranges and records them in
// the registry.
type Allocator struct {
	store  *registry.Store
	ranges map[model.Environment]map[model.ServiceType]model.PortRange
	probe  Prober
	logger *zap.Logger
	now    func() time.Time
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithProber makes the allocator skip ports the prober reports in use.
func WithProber(p Prober) Option {
	return func(a *Allocator) {
		a.probe = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Allocator) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAllocator creates an Allocator over store using ranges.
func NewAllocator(store *registry.Store, ranges []model.ServiceRange, opts ...Option) *Allocator {
	a := &Allocator{
		store:  store,
		ranges: make(map[model.Environment]map[model.ServiceType]model.PortRange),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, sr := range ranges {
		if a.ranges[sr.Environment] == nil {
			a.ranges[sr.Environment] = make(map[model.ServiceType]model.PortRange)
		}
		a.ranges[sr.Environment][sr.ServiceType] = sr.Range
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Range returns the configured range for (service, env).
func (a *Allocator) Range(st model.ServiceType, env model.Environment) (model.PortRange, bool) {
	r, ok := a.ranges[env][st]
	return r, ok
}

// FindNextAvailable returns the lowest port of the (service, env) range that
// no holding row in rows uses for env and no probe reports in use. project
// is only used to make the exhaustion error actionable.
func (a *Allocator) FindNextAvailable(rows []model.Allocation, project string, st model.ServiceType, env model.Environment) (int, error) {
	r, ok := a.Range(st, env)
	if !ok {
		return 0, fmt.Errorf("no port range configured for %s in %s", st, env)
	}

	// Only rows that still hold their port block it. Released rows stay in
	// the table as history and their ports are free again. Ports are scoped
	// per environment: development and production ranges never overlap in
	// the default config, but a custom config may share one range.
	held := make(map[int]bool)
	for i := range rows {
		if rows[i].Holds() && rows[i].Environment == env {
			held[rows[i].Port] = true
		}
	}

	// Ascending scan: the lowest free port wins. A port skipped because a
	// probe saw it busy is not recorded and is tried again next time.
	for p := r.Min; p <= r.Max; p++ {
		if held[p] {
			continue
		}
		if a.probe != nil && a.probe.InUse(p) {
			a.logger.Debug("port in use outside the registry, skipping",
				zap.Int("port", p),
				zap.String("service", st.String()),
				zap.String("environment", env.String()))
			continue
		}
		return p, nil
	}

	return 0, &model.RangeExhaustedError{Project: project, Service: st, Environment: env, Range: r}
}

// AllocateProjectPorts reserves one port per requested service and returns
// the project's rows in request order.
//
// The whole request is one registry transaction: if any service cannot be
// allocated, nothing is persisted. A service the project already holds in
// that environment keeps its existing port.
func (a *Allocator) AllocateProjectPorts(ctx context.Context, req Request) ([]model.Allocation, error) {
	if err := a.validate(req); err != nil {
		return nil, err
	}

	var result []model.Allocation
	err := a.store.Update(ctx, func(rows []model.Allocation) ([]model.Allocation, error) {
		result = result[:0]
		// Allocate against a copy. Each new row is appended to working
		// before the next service is searched, so two services of one
		// request can never pick the same port. Returning an error from
		// this callback discards working and leaves the table as it was.
		working := append([]model.Allocation(nil), rows...)

		for _, st := range req.Services {
			if i := findRow(working, req.Project, st, req.Environment, true); i >= 0 {
				a.logger.Debug("service already allocated",
					zap.String("project", req.Project),
					zap.String("service", st.String()),
					zap.Int("port", working[i].Port))
				result = append(result, working[i])
				continue
			}

			p, err := a.FindNextAvailable(working, req.Project, st, req.Environment)
			if err != nil {
				return nil, err
			}

			row := model.Allocation{
				ProjectName:      req.Project,
				ServiceType:      st,
				Port:             p,
				Environment:      req.Environment,
				Status:           model.StatusAllocated,
				CreatedAt:        a.now().UTC().Truncate(time.Second),
				WorkingDirectory: req.WorkingDirectory,
			}

			// A released row for the same service is superseded rather
			// than kept alongside the new one.
			if i := findRow(working, req.Project, st, req.Environment, false); i >= 0 {
				working[i] = row
			} else {
				working = append(working, row)
			}
			result = append(result, row)
		}
		return working, nil
	})
	if err != nil {
		return nil, err
	}

	for _, r := range result {
		a.logger.Info("port allocated",
			zap.String("project", r.ProjectName),
			zap.String("service", r.ServiceType.String()),
			zap.String("environment", r.Environment.String()),
			zap.Int("port", r.Port))
	}
	return result, nil
}

// ReleaseProjectPorts marks the project's holding rows released. When env
// is empty every environment is released. Releasing an already released
// project is a no-op, so repeated calls converge on the same table.
func (a *Allocator) ReleaseProjectPorts(ctx context.Context, project string, env model.Environment) ([]model.Allocation, error) {
	if err := model.ValidateProjectName(project); err != nil {
		return nil, err
	}

	var released []model.Allocation
	err := a.store.Update(ctx, func(rows []model.Allocation) ([]model.Allocation, error) {
		released = released[:0]
		for i := range rows {
			if rows[i].ProjectName != project || !rows[i].Holds() {
				continue
			}
			if env != "" && rows[i].Environment != env {
				continue
			}
			rows[i].Status = model.StatusReleased
			released = append(released, rows[i])
		}
		return rows, nil
	})
	if err != nil {
		return nil, err
	}

	for _, r := range released {
		a.logger.Info("port released",
			zap.String("project", r.ProjectName),
			zap.String("service", r.ServiceType.String()),
			zap.Int("port", r.Port))
	}
	return released, nil
}

func (a *Allocator) validate(req Request) error {
	if err := model.ValidateProjectName(req.Project); err != nil {
		return err
	}
	if !req.Environment.IsValid() {
		return fmt.Errorf("invalid environment %q", req.Environment)
	}
	if len(req.Services) == 0 {
		return fmt.Errorf("no service types requested for project %q", req.Project)
	}
	seen := make(map[model.ServiceType]bool, len(req.Services))
	for _, st := range req.Services {
		if !st.IsValid() {
			return fmt.Errorf("invalid service type %q", st)
		}
		if seen[st] {
			return fmt.Errorf("service type %q requested more than once", st)
		}
		seen[st] = true
		if _, ok := a.Range(st, req.Environment); !ok {
			return fmt.Errorf("no port range configured for %s in %s", st, req.Environment)
		}
	}
	return nil
}

// findRow returns the index of the project's row for (service, env) with
// the given holding state, or -1.
func findRow(rows []model.Allocation, project string, st model.ServiceType, env model.Environment, holding bool) int {
	for i := range rows {
		r := &rows[i]
		if r.ProjectName == project && r.ServiceType == st && r.Environment == env && r.Holds() == holding {
			return i
		}
	}
	return -1
}
