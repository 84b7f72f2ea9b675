package cli

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/portkeeper/internal/lifecycle"
	"github.com/mmr-tortoise/portkeeper/internal/model"
)

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status [project]",
		Short: "Show allocations and process states",
		Long: `Without a project, list every project in the registry with its ports.
With a project, show each allocation and the state of its PM2 process.

Examples:
  portkeeper status
  portkeeper status shop --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return a.runOverview()
			}
			return a.runProjectStatus(cmd.Context(), args[0])
		},
	}
}

// projectSummary groups one project's holding rows per environment.
type projectSummary struct {
	Project     string             `json:"project"`
	Environment model.Environment  `json:"environment"`
	WorkingDir  string             `json:"workingDirectory,omitempty"`
	Allocations []model.Allocation `json:"allocations"`
}

func summarize(rows []model.Allocation) []projectSummary {
	type key struct {
		project string
		env     model.Environment
	}
	idx := make(map[key]int)
	var out []projectSummary
	for _, r := range model.Holding(rows) {
		k := key{r.ProjectName, r.Environment}
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, projectSummary{Project: r.ProjectName, Environment: r.Environment, WorkingDir: r.WorkingDirectory})
		}
		out[i].Allocations = append(out[i].Allocations, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Project != out[j].Project {
			return out[i].Project < out[j].Project
		}
		return out[i].Environment < out[j].Environment
	})
	return out
}

func (a *app) runOverview() error {
	rows, err := a.store.Read()
	if err != nil {
		return err
	}
	projects := summarize(rows)

	if a.jsonOutput {
		return a.printJSON(map[string]any{
			"registry": a.store.Path(),
			"projects": append([]projectSummary{}, projects...),
		})
	}
	if len(projects) == 0 {
		a.printf("No allocations in %s.\n", a.store.Path())
		return nil
	}
	a.printf("%-24s %-12s %-9s %s\n", "PROJECT", "ENV", "SERVICES", "PORTS")
	for _, p := range projects {
		a.printf("%-24s %-12s %-9d %s\n", p.Project, p.Environment, len(p.Allocations), FormatPortsList(p.Allocations))
	}
	return nil
}

func (a *app) runProjectStatus(ctx context.Context, name string) error {
	rows, err := a.store.Read()
	if err != nil {
		return err
	}
	mine := model.Holding(model.FilterProject(rows, name, ""))
	if len(mine) == 0 {
		return &model.ProjectNotFoundError{Project: name}
	}
	sort.SliceStable(mine, func(i, j int) bool {
		if mine[i].Environment != mine[j].Environment {
			return mine[i].Environment < mine[j].Environment
		}
		return mine[i].ServiceType.Order() < mine[j].ServiceType.Order()
	})

	var procs []lifecycle.ProcessStatus
	ctl, err := a.controller()
	if err == nil {
		procs, err = ctl.Status(ctx, name)
	}
	if err != nil {
		a.warnf("process states unavailable: %v", err)
	}

	if a.jsonOutput {
		return a.printJSON(map[string]any{
			"project":     name,
			"allocations": mine,
			"processes":   append([]lifecycle.ProcessStatus{}, procs...),
		})
	}

	a.printf("Project %q\n\n", name)
	a.printf("%-10s %-12s %-6s %s\n", "SERVICE", "ENV", "PORT", "STATUS")
	for _, r := range mine {
		a.printf("%-10s %-12s %-6d %s\n", r.ServiceType, r.Environment, r.Port, r.Status)
	}
	if len(procs) == 0 {
		return nil
	}

	a.printf("\n%-40s %-11s %-6s %-6s %-9s %-9s %s\n", "PROCESS", "STATE", "PORT", "CPU", "MEM", "UPTIME", "RESTARTS")
	for _, p := range procs {
		a.printf("%-40s %s %-6d %-6s %-9s %-9s %d\n",
			p.Name, stateCell(p.State, 11), p.Port,
			formatCPU(p), formatMem(p), formatUptime(p.Uptime), p.RestartCount)
	}
	return nil
}

func formatCPU(p lifecycle.ProcessStatus) string {
	if p.Instances == 0 {
		return "-"
	}
	return strconv.FormatFloat(p.CPU, 'f', -1, 64) + "%"
}

func formatMem(p lifecycle.ProcessStatus) string {
	if p.Instances == 0 {
		return "-"
	}
	return formatBytes(p.MemoryBytes)
}

func formatUptime(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	switch {
	case d < time.Minute:
		return d.Truncate(time.Second).String()
	case d < time.Hour:
		return d.Truncate(time.Minute).String()
	case d < 48*time.Hour:
		return d.Truncate(time.Hour).String()
	default:
		return strconv.Itoa(int(d/(24*time.Hour))) + "d"
	}
}
