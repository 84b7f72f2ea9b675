package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mmr-tortoise/portkeeper/internal/docker"
	"github.com/mmr-tortoise/portkeeper/internal/envfile"
	"github.com/mmr-tortoise/portkeeper/internal/model"
	"github.com/mmr-tortoise/portkeeper/internal/port"
	"github.com/mmr-tortoise/portkeeper/internal/project"
	"github.com/mmr-tortoise/portkeeper/internal/scan"
)

type allocateFlags struct {
	services []string
	env      string
	dir      string
	scanRoot string
	writeEnv bool
}

func newAllocateCommand(a *app) *cobra.Command {
	flags := &allocateFlags{}

	cmd := &cobra.Command{
		Use:   "allocate [project]",
		Short: "Reserve ports for a project's services",
		Long: `Reserve one port per service type for a project in one environment.

The project defaults to the git repository (or directory) given by --dir.
Allocating again returns the ports the project already holds; a request that
cannot be satisfied for every service reserves nothing.

Examples:
  portkeeper allocate shop --services frontend,backend
  portkeeper allocate --dir ~/src/shop --services frontend --env production
  portkeeper allocate shop --services backend --scan-root ~/src --write-env`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return a.runAllocate(cmd.Context(), name, flags)
		},
	}

	cmd.Flags().StringSliceVarP(&flags.services, "services", "s", nil, "Service types: frontend, backend, database, redis, auxiliary")
	cmd.Flags().StringVarP(&flags.env, "env", "e", string(model.EnvDevelopment), "Environment: development or production")
	cmd.Flags().StringVar(&flags.dir, "dir", ".", "Project working directory")
	cmd.Flags().StringVar(&flags.scanRoot, "scan-root", "", "Also avoid ports hard-coded by projects under this directory")
	cmd.Flags().BoolVar(&flags.writeEnv, "write-env", false, "Write .env.ports and docker-compose.ports.yml into the working directory")
	_ = cmd.MarkFlagRequired("services")

	return cmd
}

func (a *app) runAllocate(ctx context.Context, name string, flags *allocateFlags) error {
	services, err := model.ParseServiceTypes(flags.services)
	if err != nil {
		return err
	}
	env, err := model.ParseEnvironment(flags.env)
	if err != nil {
		return err
	}

	info, err := project.Resolve(ctx, flags.dir)
	if err != nil {
		return err
	}
	if name == "" {
		name = info.Name
	}
	a.logger.Debug("resolved project", zap.String("project", name), zap.String("root", info.Root))

	probes, err := a.allocationProbes(ctx, name, flags.scanRoot)
	if err != nil {
		return err
	}
	alloc := port.NewAllocator(a.store, a.cfg.ServiceRanges(),
		port.WithProber(probes),
		port.WithLogger(a.logger.Named("allocator")))

	rows, err := alloc.AllocateProjectPorts(ctx, port.Request{
		Project:          name,
		Services:         services,
		Environment:      env,
		WorkingDirectory: info.Root,
	})
	if err != nil {
		return err
	}

	var written []string
	if flags.writeEnv {
		all, err := a.store.Read()
		if err != nil {
			return err
		}
		art := envfile.Emit(model.FilterProject(all, name, env), env, a.cfg.RegistryPath,
			envfile.WithContainerPorts(a.cfg.ContainerPorts))
		if written, err = art.WriteFiles(info.Root); err != nil {
			return err
		}
	}

	if a.jsonOutput {
		return a.printJSON(map[string]any{
			"project":     name,
			"environment": env,
			"allocations": rows,
			"files":       written,
		})
	}
	a.printf("Allocated ports for %q (%s):\n", name, env)
	a.printf("  %-10s %s\n", "SERVICE", "PORT")
	for _, r := range rows {
		a.printf("  %-10s %d\n", r.ServiceType, r.Port)
	}
	for _, f := range written {
		a.printf("Wrote %s\n", f)
	}
	return nil
}

// allocationProbes assembles the advisory probes the configuration and
// flags ask for. An unreachable Docker daemon only produces a warning.
func (a *app) allocationProbes(ctx context.Context, name, scanRoot string) (port.Probes, error) {
	var probes port.Probes
	if a.cfg.ProbeHost {
		probes = append(probes, port.NewHostProbe())
	}

	if a.cfg.ProbeDocker {
		if snap, err := publishedPorts(ctx); err != nil {
			a.warnf("docker probe skipped: %v", err)
		} else {
			probes = append(probes, snap)
		}
	}

	if scanRoot != "" {
		rows, err := a.store.Read()
		if err != nil {
			return nil, err
		}
		report, err := a.newScanner().ScanExistingProjects(ctx, scanRoot, rows)
		if err != nil {
			return nil, err
		}
		for _, e := range report.Errors {
			a.logger.Warn("scan error", zap.Error(e))
		}
		// Literals in the project being allocated do not block it.
		others := make(port.PortSet)
		for _, f := range report.Findings() {
			if f.Project != name {
				others.Add(f.Port, fmt.Sprintf("%s:%d", f.Path, f.Line))
			}
		}
		probes = append(probes, others)
	}
	return probes, nil
}

func (a *app) newScanner() *scan.Scanner {
	return scan.NewScanner(scan.Options{
		Timeout:      a.cfg.Scan.Timeout.Std(),
		Concurrency:  a.cfg.Scan.Concurrency,
		MaxFileBytes: a.cfg.Scan.MaxFileBytes,
		Extensions:   a.cfg.Scan.Extensions,
	}, a.logger.Named("scan"))
}

// publishedPorts takes a snapshot of the ports running containers publish.
func publishedPorts(ctx context.Context) (*docker.Snapshot, error) {
	c, err := docker.NewClient()
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()

	if err := c.Ping(ctx); err != nil {
		return nil, err
	}
	return c.PublishedPorts(ctx)
}
