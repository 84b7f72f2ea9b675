// Package cli implements the cobra command tree of portkeeper.
//
// Each command group lives in its own file. This file defines the root
// command, the global flags and the error-to-exit-code mapping.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mmr-tortoise/portkeeper/internal/config"
	"github.com/mmr-tortoise/portkeeper/internal/model"
	"github.com/mmr-tortoise/portkeeper/internal/registry"
)

// Version, Commit and Date are injected from main at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// app carries what every command needs once the global flags are parsed.
type app struct {
	jsonOutput bool
	verbose    bool
	configPath string

	cfg    *config.Config
	logger *zap.Logger
	store  *registry.Store

	in  io.Reader
	out io.Writer
	err io.Writer
}

// NewRootCommand creates the root command with every subcommand attached.
func NewRootCommand() *cobra.Command {
	a := &app{in: os.Stdin, out: os.Stdout, err: os.Stderr, logger: zap.NewNop()}

	rootCmd := &cobra.Command{
		Use:   "portkeeper",
		Short: "Host-local port and process registry",
		Long: `portkeeper hands out unique ports to the projects developed on this
machine, records them in a single registry file, and runs each project's
services under PM2 with those ports.

Allocations are made per service type (frontend, backend, database, redis,
auxiliary) and environment (development, production) from fixed ranges, so
two projects never fight over a port.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.out = cmd.OutOrStdout()
			a.err = cmd.ErrOrStderr()
			a.in = cmd.InOrStdin()
			return a.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = a.logger.Sync()
		},
	}

	rootCmd.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file (default $PORTKEEPER_HOME/config.jsonc)")

	rootCmd.AddCommand(
		newAllocateCommand(a),
		newReleaseCommand(a),
		newStatusCommand(a),
		newLogsCommand(a),
		newConfigureCommand(a),
		newStartCommand(a),
		newStopCommand(a),
		newRestartCommand(a),
		newDeleteCommand(a),
		newEnvCommand(a),
		newScanCommand(a),
		newRegistryCommand(a),
		newWatchCommand(a),
	)
	return rootCmd
}

// init loads the configuration and builds the logger and registry store.
func (a *app) init() error {
	logger, err := newLogger(a.verbose)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = logger

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return model.WrapCLIError(model.ExitConfigInvalid, "cannot load configuration", err)
	}
	a.cfg = cfg
	a.store = registry.New(cfg.RegistryPath,
		registry.WithLogger(logger.Named("registry")),
		registry.WithLockPolicy(registry.LockPolicy{
			Attempts:     cfg.Lock.Attempts,
			InitialDelay: cfg.Lock.InitialDelay.Std(),
			MaxDelay:     cfg.Lock.MaxDelay.Std(),
		}))
	logger.Debug("configuration loaded",
		zap.String("registry", cfg.RegistryPath),
		zap.String("ecosystemDir", cfg.EcosystemDir))
	return nil
}

// newLogger builds a production logger on stderr. Only warnings are shown
// unless verbose is set, so logs never drown command output.
func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context, rootCmd *cobra.Command) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return int(model.ExitSuccess)
	}
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("json")
	printError(rootCmd.ErrOrStderr(), jsonOut, err)
	return int(model.ExitCodeFor(err))
}

// printError writes err to w as text or as a JSON object.
func printError(w io.Writer, jsonOut bool, err error) {
	code := model.ExitCodeFor(err)
	if jsonOut {
		errObj := map[string]any{
			"error": map[string]any{
				"message": err.Error(),
				"code":    int(code),
			},
		}
		data, _ := json.MarshalIndent(errObj, "", "  ")
		_, _ = fmt.Fprintln(w, string(data))
		return
	}
	_, _ = fmt.Fprintf(w, "Error: %v\n", err)
}
