package cli

import (
	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/portkeeper/internal/model"
)

func newRegistryCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect and maintain the registry file",
	}
	cmd.AddCommand(
		newRegistryInitCommand(a),
		newRegistryShowCommand(a),
		newRegistryPruneCommand(a),
		newRegistryResetCommand(a),
	)
	return cmd
}

func newRegistryInitCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the registry file if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if err := a.store.EnsureExists(); err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(map[string]any{"registry": a.store.Path()})
			}
			a.printf("Registry ready at %s\n", a.store.Path())
			return nil
		},
	}
}

func newRegistryShowCommand(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print every registry row",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			rows, err := a.store.Read()
			if err != nil {
				return err
			}
			if !all {
				rows = model.Holding(rows)
			}
			if a.jsonOutput {
				return a.printJSON(map[string]any{
					"registry": a.store.Path(),
					"rows":     append([]model.Allocation{}, rows...),
				})
			}
			if len(rows) == 0 {
				a.printf("No rows in %s.\n", a.store.Path())
				return nil
			}
			a.printf("%-24s %-10s %-6s %-12s %-11s %-20s %s\n",
				"PROJECT", "SERVICE", "PORT", "ENV", "STATUS", "CREATED", "DIRECTORY")
			for _, r := range rows {
				a.printf("%-24s %-10s %-6d %-12s %-11s %-20s %s\n",
					r.ProjectName, r.ServiceType, r.Port, r.Environment, r.Status,
					r.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), r.WorkingDirectory)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include released rows")
	return cmd
}

func newRegistryPruneCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Drop released rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := a.store.Prune(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(map[string]any{"pruned": n})
			}
			a.printf("Pruned %d released row(s).\n", n)
			return nil
		},
	}
}

func newRegistryResetCommand(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Replace the registry with an empty one",
		Long: `Move the current registry file aside and start from an empty table.

This is the recovery path for a corrupt registry. Every allocation is
forgotten, so running services keep ports the registry no longer knows
about. The old file is kept as registry.csv.corrupt-<timestamp>.

Examples:
  portkeeper registry reset --yes`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			confirmed := yes
			if !confirmed && !a.jsonOutput {
				ok, err := a.promptConfirmation("Reset " + a.store.Path() + " and forget every allocation?")
				if err != nil {
					return model.WrapCLIError(model.ExitGeneralError, "failed to read user input", err)
				}
				confirmed = ok
			}
			if !confirmed {
				return model.WrapCLIError(model.ExitUserCancelled, "registry reset not confirmed (pass --yes)", model.ErrConfirmationRequired)
			}

			backup, err := a.store.Reset(cmd.Context(), true)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(map[string]any{"registry": a.store.Path(), "backup": backup})
			}
			a.printf("Registry reset at %s\n", a.store.Path())
			if backup != "" {
				a.printf("Previous table kept at %s\n", backup)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}
