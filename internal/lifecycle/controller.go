package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/mmr-tortoise/portkeeper/internal/config"
	"github.com/mmr-tortoise/portkeeper/internal/model"
	"github.com/mmr-tortoise/portkeeper/internal/registry"
	"github.com/mmr-tortoise/portkeeper/internal/supervisor"
)

// Action names what a transition did to one process.
type Action string

const (
	ActionStarted   Action = "started"
	ActionStopped   Action = "stopped"
	ActionRestarted Action = "restarted"
	ActionDeleted   Action = "deleted"
	ActionNone      Action = "unchanged"
	ActionRefused   Action = "refused"
	ActionFailed    Action = "failed"
	ActionSkipped   Action = "skipped"
)

// Result is the outcome of a transition for one process.
type Result struct {
	Name        string             `json:"name"`
	Service     model.ServiceType  `json:"service"`
	Environment model.Environment  `json:"environment"`
	Port        int                `json:"port"`
	Action      Action             `json:"action"`
	State       model.ProcessState `json:"state"`
	Err         error              `json:"-"`
}

// Filter narrows an operation to some of a project's processes. Zero
// fields match everything.
type Filter struct {
	Service     model.ServiceType
	Environment model.Environment
}

func (f Filter) match(d supervisor.Descriptor) bool {
	if f.Service != "" && d.Service != f.Service {
		return false
	}
	if f.Environment != "" && d.Environment != f.Environment {
		return false
	}
	return true
}

// Controller drives supervised processes for registered projects.
type Controller struct {
	store        *registry.Store
	generator    *supervisor.Generator
	sup          supervisor.Supervisor
	ecosystemDir string
	timeout      time.Duration
	logger       *zap.Logger
}

// NewController creates a Controller. Transition timeouts and the
// ecosystem directory come from cfg.
func NewController(cfg *config.Config, store *registry.Store, sup supervisor.Supervisor, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Supervisor.Timeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Controller{
		store:        store,
		generator:    supervisor.NewGenerator(cfg),
		sup:          sup,
		ecosystemDir: cfg.EcosystemDir,
		timeout:      timeout,
		logger:       logger,
	}
}

// EcosystemPath returns the ecosystem file of project.
func (c *Controller) EcosystemPath(project string) string {
	return supervisor.EcosystemPath(c.ecosystemDir, project)
}

// Configure writes the project's ecosystem file and marks the rows that
// got a descriptor as configured.
func (c *Controller) Configure(ctx context.Context, project string) ([]supervisor.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := c.store.Read()
	if err != nil {
		return nil, err
	}
	if len(model.Holding(model.FilterProject(rows, project, ""))) == 0 {
		return nil, &model.ProjectNotFoundError{Project: project}
	}

	descs := c.generator.Generate(project, rows)
	path := c.EcosystemPath(project)
	if err := supervisor.WriteEcosystem(path, descs); err != nil {
		return nil, err
	}

	described := make(map[model.PortKey]bool, len(descs))
	for _, d := range descs {
		described[model.PortKey{Port: d.Port, Environment: d.Environment}] = true
	}
	err = c.store.Update(ctx, func(rows []model.Allocation) ([]model.Allocation, error) {
		for i := range rows {
			r := &rows[i]
			if r.ProjectName == project && r.Status == model.StatusAllocated && described[r.Key()] {
				r.Status = model.StatusConfigured
			}
		}
		return rows, nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("configured project",
		zap.String("project", project),
		zap.String("ecosystem", path),
		zap.Int("processes", len(descs)))
	return descs, nil
}

// Start starts every selected process that is not running. Running
// processes are left alone and crashed ones are refused: they need an
// explicit Restart. One failing process never stops its siblings; the
// returned error joins every per-process failure.
func (c *Controller) Start(ctx context.Context, project string, f Filter) ([]Result, error) {
	descs, err := c.Configure(ctx, project)
	if err != nil {
		return nil, err
	}
	seen, err := c.observe(ctx)
	if err != nil {
		return nil, err
	}
	path := c.EcosystemPath(project)

	return c.each(ctx, descs, f, func(d supervisor.Descriptor, r *Result) {
		switch r.State = stateOf(seen, d.Name); r.State {
		case model.ProcessRunning:
			r.Action = ActionNone
		case model.ProcessCrashed:
			r.Action = ActionRefused
			r.Err = &model.ProcessStartError{
				Project: project, Service: d.Service, Name: d.Name, Port: d.Port,
				Err: fmt.Errorf("process crashed; run 'portkeeper restart %s' to reset and restart it", project),
			}
		default:
			c.transition(ctx, d, r, ActionStarted, model.ProcessRunning, func(tctx context.Context) error {
				return c.sup.Start(tctx, path, d.Name)
			})
		}
	})
}

// Stop stops every selected process the supervisor knows about.
func (c *Controller) Stop(ctx context.Context, project string, f Filter) ([]Result, error) {
	descs, seen, err := c.prepare(ctx, project)
	if err != nil {
		return nil, err
	}
	return c.each(ctx, descs, f, func(d supervisor.Descriptor, r *Result) {
		switch r.State = stateOf(seen, d.Name); r.State {
		case model.ProcessConfigured, model.ProcessStopped:
			r.Action = ActionNone
		default:
			c.transition(ctx, d, r, ActionStopped, model.ProcessStopped, func(tctx context.Context) error {
				return c.sup.Stop(tctx, d.Name)
			})
		}
	})
}

// Restart resets the restart counters of every selected process and
// restarts it. It is the way out of the crashed state. Processes the
// supervisor does not know yet are started instead.
func (c *Controller) Restart(ctx context.Context, project string, f Filter) ([]Result, error) {
	descs, err := c.Configure(ctx, project)
	if err != nil {
		return nil, err
	}
	seen, err := c.observe(ctx)
	if err != nil {
		return nil, err
	}
	path := c.EcosystemPath(project)

	return c.each(ctx, descs, f, func(d supervisor.Descriptor, r *Result) {
		r.State = stateOf(seen, d.Name)
		if r.State == model.ProcessConfigured {
			c.transition(ctx, d, r, ActionStarted, model.ProcessRunning, func(tctx context.Context) error {
				return c.sup.Start(tctx, path, d.Name)
			})
			return
		}
		c.transition(ctx, d, r, ActionRestarted, model.ProcessRunning, func(tctx context.Context) error {
			if err := c.sup.Reset(tctx, d.Name); err != nil {
				return err
			}
			return c.sup.Restart(tctx, d.Name)
		})
	})
}

// Delete removes the selected processes from the supervisor and reverts
// their rows to allocated. Ports stay reserved.
func (c *Controller) Delete(ctx context.Context, project string, f Filter) ([]Result, error) {
	descs, seen, err := c.prepare(ctx, project)
	if err != nil {
		return nil, err
	}

	results, runErr := c.each(ctx, descs, f, func(d supervisor.Descriptor, r *Result) {
		r.State = stateOf(seen, d.Name)
		if r.State == model.ProcessConfigured {
			r.Action = ActionNone
			r.State = model.ProcessDeleted
			return
		}
		c.transition(ctx, d, r, ActionDeleted, model.ProcessDeleted, func(tctx context.Context) error {
			return c.sup.Delete(tctx, d.Name)
		})
	})

	deleted := make(map[model.PortKey]bool)
	for _, r := range results {
		if r.State == model.ProcessDeleted {
			deleted[model.PortKey{Port: r.Port, Environment: r.Environment}] = true
		}
	}
	if len(deleted) > 0 {
		// The bookkeeping change must land even if the caller gave up
		// after the supervisor already forgot the processes.
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		err := c.store.Update(uctx, func(rows []model.Allocation) ([]model.Allocation, error) {
			for i := range rows {
				r := &rows[i]
				if r.ProjectName == project && r.Status == model.StatusConfigured && deleted[r.Key()] {
					r.Status = model.StatusAllocated
				}
			}
			return rows, nil
		})
		if err != nil {
			return results, errors.Join(runErr, err)
		}
	}

	if f == (Filter{}) && runErr == nil {
		if err := os.Remove(c.EcosystemPath(project)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("failed to remove ecosystem file", zap.String("project", project), zap.Error(err))
		}
	}
	return results, runErr
}

// Status reports the observed state of each of the project's processes.
func (c *Controller) Status(ctx context.Context, project string) ([]ProcessStatus, error) {
	rows, err := c.store.Read()
	if err != nil {
		return nil, err
	}
	if len(model.Holding(model.FilterProject(rows, project, ""))) == 0 {
		return nil, &model.ProjectNotFoundError{Project: project}
	}
	procs, err := c.sup.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query supervisor: %w", err)
	}
	seen := fold(procs)

	descs := c.generator.Generate(project, rows)
	out := make([]ProcessStatus, 0, len(descs))
	for _, d := range descs {
		st := ProcessStatus{
			Name:        d.Name,
			Project:     project,
			Service:     d.Service,
			Environment: d.Environment,
			Port:        d.Port,
			State:       model.ProcessConfigured,
		}
		if o, ok := seen[d.Name]; ok {
			st.State = o.state
			st.Instances = o.instances
			st.CPU = o.cpu
			st.MemoryBytes = o.memory
			st.Uptime = o.uptime
			st.RestartCount = o.restarts
		}
		out = append(out, st)
	}
	return out, nil
}

// Logs returns the last lines of the out and error logs of the selected
// processes.
func (c *Controller) Logs(project string, f Filter, lines int) ([]LogChunk, error) {
	rows, err := c.store.Read()
	if err != nil {
		return nil, err
	}
	descs := c.generator.Generate(project, rows)
	if len(descs) == 0 {
		return nil, &model.ProjectNotFoundError{Project: project}
	}

	var out []LogChunk
	for _, d := range descs {
		if !f.match(d) {
			continue
		}
		for _, s := range []struct{ stream, path string }{{"out", d.OutFile}, {"err", d.ErrorFile}} {
			tail, err := tailFile(s.path, lines)
			if err != nil {
				return out, fmt.Errorf("failed to read %s: %w", s.path, err)
			}
			out = append(out, LogChunk{Name: d.Name, Stream: s.stream, Path: s.path, Lines: tail})
		}
	}
	return out, nil
}

// prepare loads the project's current descriptors and the supervisor's
// view without rewriting anything.
func (c *Controller) prepare(ctx context.Context, project string) ([]supervisor.Descriptor, map[string]*observed, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	rows, err := c.store.Read()
	if err != nil {
		return nil, nil, err
	}
	if len(model.Holding(model.FilterProject(rows, project, ""))) == 0 {
		return nil, nil, &model.ProjectNotFoundError{Project: project}
	}
	seen, err := c.observe(ctx)
	if err != nil {
		return nil, nil, err
	}
	return c.generator.Generate(project, rows), seen, nil
}

func (c *Controller) observe(ctx context.Context) (map[string]*observed, error) {
	procs, err := c.sup.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query supervisor: %w", err)
	}
	return fold(procs), nil
}

// each applies fn to every descriptor selected by f. The context is checked
// before each process; once cancelled the remaining processes are skipped.
func (c *Controller) each(ctx context.Context, descs []supervisor.Descriptor, f Filter, fn func(supervisor.Descriptor, *Result)) ([]Result, error) {
	var (
		results []Result
		errs    []error
	)
	for _, d := range descs {
		if !f.match(d) {
			continue
		}
		r := Result{Name: d.Name, Service: d.Service, Environment: d.Environment, Port: d.Port}
		// Processes already handled stay transitioned; the rest are
		// reported as skipped and remain in whatever state they were.
		if err := ctx.Err(); err != nil {
			r.Action = ActionSkipped
			r.Err = err
			results = append(results, r)
			continue
		}
		fn(d, &r)
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
		results = append(results, r)
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, errors.Join(errs...)
}

// transition issues one supervisor call. The call is detached from ctx
// cancellation and bounded by the supervisor timeout so a process is never
// left half way through a transition.
//
// Cancellation is honoured only between processes (see each). Killing the
// pm2 CLI mid-command would leave the daemon having half-applied the
// request, for example a process registered but not yet spawned, and the
// next status call could not tell that apart from a crash.
func (c *Controller) transition(ctx context.Context, d supervisor.Descriptor, r *Result, done Action, to model.ProcessState, call func(context.Context) error) {
	// WithoutCancel keeps ctx values (nothing today) but drops its deadline
	// and cancellation; the supervisor timeout is the only bound.
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	if err := call(tctx); err != nil {
		c.logger.Warn("process transition failed",
			zap.String("process", d.Name),
			zap.String("action", string(done)),
			zap.Error(err))
		r.Action = ActionFailed
		r.Err = &model.ProcessStartError{
			Project: d.Project, Service: d.Service, Name: d.Name, Port: d.Port, Err: err,
		}
		return
	}
	c.logger.Info("process transition",
		zap.String("process", d.Name),
		zap.String("action", string(done)),
		zap.Int("port", d.Port))
	r.Action = done
	r.State = to
}
