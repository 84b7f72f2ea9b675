package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/portkeeper/internal/lifecycle"
	"github.com/mmr-tortoise/portkeeper/internal/model"
	"github.com/mmr-tortoise/portkeeper/internal/supervisor"
)

// controller builds a lifecycle controller backed by pm2. It fails when
// the pm2 binary cannot be found.
func (a *app) controller() (*lifecycle.Controller, error) {
	pm2 := supervisor.NewPM2(a.cfg.Supervisor.Binary, a.cfg.Supervisor.Timeout.Std(), a.cfg.Supervisor.Retries,
		supervisor.WithLogger(a.logger.Named("pm2")))
	if err := pm2.Available(); err != nil {
		return nil, model.WrapCLIError(model.ExitSupervisorError, "process supervisor unavailable", err)
	}
	return lifecycle.NewController(a.cfg, a.store, pm2, a.logger.Named("lifecycle")), nil
}

type processFlags struct {
	service string
	env     string
}

func (f *processFlags) filter() (lifecycle.Filter, error) {
	var out lifecycle.Filter
	if f.service != "" {
		st, err := model.ParseServiceType(f.service)
		if err != nil {
			return out, err
		}
		out.Service = st
	}
	if f.env != "" {
		env, err := model.ParseEnvironment(f.env)
		if err != nil {
			return out, err
		}
		out.Environment = env
	}
	return out, nil
}

func (f *processFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.service, "service", "s", "", "Only this service type")
	cmd.Flags().StringVarP(&f.env, "env", "e", "", "Only this environment")
}

type transitionFunc func(*lifecycle.Controller, context.Context, string, lifecycle.Filter) ([]lifecycle.Result, error)

// newTransitionCommand builds start, stop, restart and delete, which only
// differ in the controller method they call.
func newTransitionCommand(a *app, use, short, long string, run transitionFunc) *cobra.Command {
	flags := &processFlags{}
	cmd := &cobra.Command{
		Use:   use + " <project>",
		Short: short,
		Long:  long,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := flags.filter()
			if err != nil {
				return err
			}
			ctl, err := a.controller()
			if err != nil {
				return err
			}
			results, runErr := run(ctl, cmd.Context(), args[0], f)
			if results != nil {
				if err := a.printResults(args[0], results); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	flags.register(cmd)
	return cmd
}

func newStartCommand(a *app) *cobra.Command {
	return newTransitionCommand(a, "start", "Start a project's services under PM2",
		`Start every supervised service of a project that is not already running.

The ecosystem file is regenerated first. Running services are left alone.
A crashed service is not started again: use 'portkeeper restart'.

Examples:
  portkeeper start shop
  portkeeper start shop --service backend --env development`,
		(*lifecycle.Controller).Start)
}

func newStopCommand(a *app) *cobra.Command {
	return newTransitionCommand(a, "stop", "Stop a project's services",
		`Stop a project's running services. Their ports stay allocated.

Examples:
  portkeeper stop shop
  portkeeper stop shop --service frontend`,
		(*lifecycle.Controller).Stop)
}

func newRestartCommand(a *app) *cobra.Command {
	return newTransitionCommand(a, "restart", "Reset and restart a project's services",
		`Reset the restart counters of a project's services and restart them.

This is how a crashed service is brought back once its cause is fixed.

Examples:
  portkeeper restart shop
  portkeeper restart shop --service backend`,
		(*lifecycle.Controller).Restart)
}

func newDeleteCommand(a *app) *cobra.Command {
	return newTransitionCommand(a, "delete", "Remove a project's services from PM2",
		`Remove a project's services from PM2. Their ports stay allocated and
their registry rows return to 'allocated'.

Examples:
  portkeeper delete shop`,
		(*lifecycle.Controller).Delete)
}

func newConfigureCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "configure <project>",
		Short: "Write the PM2 ecosystem file for a project",
		Long: `Generate the PM2 ecosystem file from a project's allocations and mark
the allocations that got a process as configured.

Services without a configured command (database and redis by default)
get no process.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Configuring never talks to pm2.
			ctl := lifecycle.NewController(a.cfg, a.store, nil, a.logger.Named("lifecycle"))
			descs, err := ctl.Configure(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			path := ctl.EcosystemPath(args[0])

			if a.jsonOutput {
				return a.printJSON(map[string]any{
					"project":   args[0],
					"ecosystem": path,
					"processes": descs,
				})
			}
			a.printf("Wrote %s\n", path)
			for _, d := range descs {
				a.printf("  %-40s %-10s %d\n", d.Name, d.Environment, d.Port)
			}
			return nil
		},
	}
}

func (a *app) printResults(name string, results []lifecycle.Result) error {
	if a.jsonOutput {
		type resultJSON struct {
			lifecycle.Result
			Error string `json:"error,omitempty"`
		}
		out := make([]resultJSON, 0, len(results))
		for _, r := range results {
			rj := resultJSON{Result: r}
			if r.Err != nil {
				rj.Error = r.Err.Error()
			}
			out = append(out, rj)
		}
		return a.printJSON(map[string]any{"project": name, "results": out})
	}

	if len(results) == 0 {
		a.printf("No supervised services for %q.\n", name)
		return nil
	}
	a.printf("%-40s %-10s %-11s %s\n", "NAME", "ACTION", "STATE", "PORT")
	for _, r := range results {
		a.printf("%-40s %-10s %s %d\n", r.Name, r.Action, stateCell(r.State, 11), r.Port)
	}
	return nil
}
