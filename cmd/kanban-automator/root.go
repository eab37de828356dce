package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/app"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/config"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/logging"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/version"
)

const binaryName = "kanban-automator"

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           binaryName,
		Short:         "Kanban board that hands requested tasks to a coding agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.String(),
	}
	root.SetVersionTemplate("{{.Name}} {{.Version}}\n")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (default .kanban/config.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newServeCommand(opts),
		newRunOnceCommand(opts),
		newTaskCommand(opts),
		newStuckCommand(opts),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			version.Print(cmd.OutOrStdout(), binaryName)
		},
	}
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.logLevel != "" {
		if _, err := logging.ParseLevel(o.logLevel); err != nil {
			return config.Config{}, err
		}
		cfg.Log.Level = o.logLevel
	}
	return cfg, nil
}

// openApp loads configuration and builds the application without starting
// any background loops. quiet keeps info logs off the terminal for one-shot
// commands whose output is meant to be read or piped.
func (o *rootOptions) openApp(quiet bool) (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logCfg := logging.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}
	if quiet && o.logLevel == "" {
		logCfg.Level = "warn"
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, err
	}
	a, err := app.Build(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	logger.Debug("application built", zap.String("database", cfg.Database.Path), zap.String("workspace", cfg.Workspace.Root))
	return a, nil
}

func printJSON(w io.Writer, value interface{}) error {
	formatted, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("format output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(formatted))
	return err
}
