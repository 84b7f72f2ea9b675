package cli

import (
	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/portkeeper/internal/lifecycle"
)

func newLogsCommand(a *app) *cobra.Command {
	flags := &processFlags{}
	var lines int

	cmd := &cobra.Command{
		Use:   "logs <project>",
		Short: "Show the last log lines of a project's services",
		Long: `Print the tail of the stdout and stderr logs PM2 writes for each of a
project's services.

Examples:
  portkeeper logs shop
  portkeeper logs shop --service backend --lines 100`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := flags.filter()
			if err != nil {
				return err
			}
			ctl := lifecycle.NewController(a.cfg, a.store, nil, a.logger.Named("lifecycle"))
			chunks, err := ctl.Logs(args[0], f, lines)
			if err != nil {
				return err
			}

			if a.jsonOutput {
				return a.printJSON(map[string]any{"project": args[0], "logs": append([]lifecycle.LogChunk{}, chunks...)})
			}
			for _, c := range chunks {
				a.printf("==> %s (%s) %s <==\n", c.Name, c.Stream, styleMuted.Render(c.Path))
				for _, l := range c.Lines {
					a.printf("%s\n", l)
				}
				a.printf("\n")
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVarP(&lines, "lines", "n", 20, "Number of lines per log file")
	return cmd
}
