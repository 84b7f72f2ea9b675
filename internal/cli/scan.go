package cli

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mmr-tortoise/portkeeper/internal/model"
	"github.com/mmr-tortoise/portkeeper/internal/scan"
)

func newScanCommand(a *app) *cobra.Command {
	var (
		envName   string
		useDocker bool
	)

	cmd := &cobra.Command{
		Use:   "scan <root>",
		Short: "Find hard-coded ports in the projects under a directory",
		Long: `Scan every immediate subdirectory of <root> as a project and report port
numbers hard-coded in source files, .env files, compose files and
devcontainer configuration. Ports that another project holds in the
registry, or that several projects hard-code, are reported as conflicts.

The registry is never modified.

Examples:
  portkeeper scan ~/src
  portkeeper scan ~/src --docker --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := model.ParseEnvironment(envName)
			if err != nil {
				return err
			}
			return a.runScan(cmd.Context(), args[0], env, useDocker || a.cfg.ProbeDocker)
		},
	}

	cmd.Flags().StringVarP(&envName, "env", "e", string(model.EnvDevelopment), "Environment whose allocations are compared")
	cmd.Flags().BoolVar(&useDocker, "docker", false, "Include ports published by running containers")
	return cmd
}

func (a *app) runScan(ctx context.Context, root string, env model.Environment, useDocker bool) error {
	rows, err := a.store.Read()
	if err != nil {
		return err
	}

	scanner := a.newScanner()
	if useDocker {
		if snap, err := publishedPorts(ctx); err != nil {
			a.warnf("docker ports skipped: %v", err)
		} else {
			scanner.WithPublishedPorts(snap.PortSet())
		}
	}

	report, err := scanner.ScanExistingProjects(ctx, root, rows)
	if err != nil {
		return err
	}
	for _, e := range report.Errors {
		a.logger.Warn("scan error", zap.Error(e))
	}
	conflicts := report.Conflicts(env)

	if a.jsonOutput {
		errs := make([]string, 0, len(report.Errors))
		for _, e := range report.Errors {
			errs = append(errs, e.Error())
		}
		return a.printJSON(map[string]any{
			"root":      report.Root,
			"projects":  report.Projects,
			"conflicts": append([]scan.Conflict{}, conflicts...),
			"errors":    errs,
		})
	}

	findings := report.Findings()
	a.printf("Scanned %d project(s) under %s: %d hard-coded port(s).\n", len(report.Projects), root, len(findings))
	for _, p := range report.Projects {
		if p.TimedOut {
			a.warnf("scan of %s timed out; results are partial", p.Name)
		}
	}
	if len(report.Errors) > 0 {
		a.warnf("%d file(s) could not be read (use -v for details)", len(report.Errors))
	}
	if len(conflicts) == 0 {
		a.printf("No conflicts.\n")
		return nil
	}

	a.printf("\n%-6s %-16s %s\n", "PORT", "REGISTERED TO", "FOUND IN")
	for _, c := range conflicts {
		owner := c.RegisteredTo
		if owner == "" {
			owner = "-"
		}
		for i, f := range c.Findings {
			if i == 0 {
				a.printf("%-6d %-16s %s\n", c.Port, owner, findingRef(f))
				continue
			}
			a.printf("%-6s %-16s %s\n", "", "", findingRef(f))
		}
	}
	return nil
}

func findingRef(f scan.Finding) string {
	if f.Line > 0 {
		return styleCrashed.Render(f.Project) + " " + f.Path + ":" + strconv.Itoa(f.Line)
	}
	return styleCrashed.Render(f.Project) + " " + f.Path
}
