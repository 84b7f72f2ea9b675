package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/portkeeper/internal/lifecycle"
	"github.com/mmr-tortoise/portkeeper/internal/model"
	"github.com/mmr-tortoise/portkeeper/internal/port"
)

type releaseFlags struct {
	env           string
	keepProcesses bool
}

func newReleaseCommand(a *app) *cobra.Command {
	flags := &releaseFlags{}

	cmd := &cobra.Command{
		Use:   "release <project>",
		Short: "Give a project's ports back",
		Long: `Mark a project's allocations released so their ports can be reused.

Supervised processes of the released allocations are deleted from PM2 first,
unless --keep-processes is given. Releasing twice is harmless.

Examples:
  portkeeper release shop
  portkeeper release shop --env production`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runRelease(cmd.Context(), args[0], flags)
		},
	}

	cmd.Flags().StringVarP(&flags.env, "env", "e", "", "Only release this environment (default: all)")
	cmd.Flags().BoolVar(&flags.keepProcesses, "keep-processes", false, "Leave PM2 processes alone")
	return cmd
}

func (a *app) runRelease(ctx context.Context, name string, flags *releaseFlags) error {
	var env model.Environment
	if flags.env != "" {
		var err error
		if env, err = model.ParseEnvironment(flags.env); err != nil {
			return err
		}
	}

	if !flags.keepProcesses {
		a.deleteProcessesBeforeRelease(ctx, name, env)
	}

	alloc := port.NewAllocator(a.store, a.cfg.ServiceRanges(), port.WithLogger(a.logger.Named("allocator")))
	released, err := alloc.ReleaseProjectPorts(ctx, name, env)
	if err != nil {
		return err
	}

	if a.jsonOutput {
		return a.printJSON(map[string]any{
			"project":  name,
			"action":   "released",
			"released": released,
		})
	}
	if len(released) == 0 {
		a.printf("Nothing to release for %q.\n", name)
		return nil
	}
	a.printf("Released %d port(s) for %q: %s\n", len(released), name, FormatPortsList(released))
	return nil
}

// deleteProcessesBeforeRelease removes the project's configured processes
// from the supervisor. Failures are reported but never block the release.
func (a *app) deleteProcessesBeforeRelease(ctx context.Context, name string, env model.Environment) {
	rows, err := a.store.Read()
	if err != nil {
		return
	}
	configured := false
	for _, r := range model.FilterProject(rows, name, env) {
		if r.Status == model.StatusConfigured {
			configured = true
			break
		}
	}
	if !configured {
		return
	}

	ctl, err := a.controller()
	if err != nil {
		a.warnf("processes of %q were not deleted: %v", name, err)
		return
	}
	if _, err := ctl.Delete(ctx, name, lifecycle.Filter{Environment: env}); err != nil {
		a.warnf("processes of %q were not deleted: %v", name, err)
	}
}
