package cli

import (
	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/portkeeper/internal/envfile"
	"github.com/mmr-tortoise/portkeeper/internal/model"
)

func newEnvCommand(a *app) *cobra.Command {
	var (
		envName string
		write   bool
		dir     string
		compose bool
	)

	cmd := &cobra.Command{
		Use:   "env <project>",
		Short: "Print or write a project's port variables",
		Long: `Render a project's allocations as KEY=VALUE lines (FRONTEND_PORT=3000,
..., PORT_REGISTRY=<registry>) or as a docker compose overlay publishing
the allocated host ports.

With --write both .env.ports and docker-compose.ports.yml are written into
the project's working directory (or --dir).

Examples:
  portkeeper env shop
  portkeeper env shop --compose
  portkeeper env shop --env production --write`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			env, err := model.ParseEnvironment(envName)
			if err != nil {
				return err
			}
			rows, err := a.store.Read()
			if err != nil {
				return err
			}
			mine := model.FilterProject(rows, name, env)
			if len(model.Holding(mine)) == 0 {
				return &model.ProjectNotFoundError{Project: name}
			}
			art := envfile.Emit(mine, env, a.cfg.RegistryPath, envfile.WithContainerPorts(a.cfg.ContainerPorts))

			if write {
				target := dir
				if target == "" {
					target = model.Holding(mine)[0].WorkingDirectory
				}
				if target == "" {
					return model.NewCLIError(model.ExitGeneralError,
						"no working directory recorded for "+name+"; pass --dir")
				}
				paths, err := art.WriteFiles(target)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(map[string]any{"project": name, "files": paths})
				}
				for _, p := range paths {
					a.printf("Wrote %s\n", p)
				}
				return nil
			}

			if a.jsonOutput {
				vars := make(map[string]string)
				for _, kv := range art.Vars() {
					vars[kv[0]] = kv[1]
				}
				return a.printJSON(map[string]any{"project": name, "environment": env, "variables": vars})
			}
			if compose {
				data, err := art.ComposeManifest()
				if err != nil {
					return err
				}
				_, err = a.out.Write(data)
				return err
			}
			_, err = a.out.Write(art.EnvFile())
			return err
		},
	}

	cmd.Flags().StringVarP(&envName, "env", "e", string(model.EnvDevelopment), "Environment")
	cmd.Flags().BoolVarP(&write, "write", "w", false, "Write the files instead of printing")
	cmd.Flags().StringVar(&dir, "dir", "", "Directory to write into (default: the project's working directory)")
	cmd.Flags().BoolVar(&compose, "compose", false, "Print the compose overlay instead of KEY=VALUE lines")
	return cmd
}
