package cli

import (
	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/portkeeper/internal/model"
	"github.com/mmr-tortoise/portkeeper/internal/watch"
)

func newWatchCommand(a *app) *cobra.Command {
	var envName string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep every project's port files in sync with the registry",
		Long: `Watch the registry file and rewrite .env.ports and
docker-compose.ports.yml in each project's working directory whenever the
registry changes. Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := model.ParseEnvironment(envName)
			if err != nil {
				return err
			}
			writer := &watch.EnvWriter{
				Environment:    env,
				RegistryPath:   a.cfg.RegistryPath,
				ContainerPorts: a.cfg.ContainerPorts,
				Logger:         a.logger.Named("envwriter"),
			}
			w, err := watch.New(a.store, writer.Handle, watch.WithLogger(a.logger.Named("watch")))
			if err != nil {
				return err
			}
			defer w.Stop()

			ctx := cmd.Context()
			if err := w.Start(ctx); err != nil {
				return err
			}
			if !a.jsonOutput {
				a.printf("Watching %s (%s). Press Ctrl+C to stop.\n", a.store.Path(), env)
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVarP(&envName, "env", "e", string(model.EnvDevelopment), "Environment whose port files are written")
	return cmd
}
