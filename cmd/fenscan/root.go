package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thyrook/fenscan/internal/config"
	"github.com/thyrook/fenscan/internal/iface"
)

// app carries state shared by every subcommand
type app struct {
	configPath string
	logLevel   string
	quiet      bool

	cfg *config.Config
	log *iface.Logger
}

func (a *app) logger() *zap.Logger {
	if a.log == nil {
		return zap.NewNop()
	}
	return a.log.Zap()
}

// setup loads configuration and starts logging
func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Interface.LogLevel = a.logLevel
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	log, err := iface.NewLogger(iface.LogOptions{
		Level: cfg.Interface.LogLevel,
		Path:  cfg.Interface.LogPath,
	})
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.log = log
	return nil
}

func (a *app) teardown() {
	if a.log != nil {
		_ = a.log.Close()
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "fenscan",
		Short:         "Read chess positions from board images",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to a JSON or YAML config file")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false, "Print only the FEN")

	validateCmd := validateCommand()

	rootCmd.AddCommand(
		scanCommand(a),
		correctCommand(a),
		serveCommand(a),
		validateCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// validate needs neither configuration nor logs
		if cmd.Name() == validateCmd.Name() {
			return nil
		}
		return a.setup()
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		a.teardown()
	}

	return rootCmd
}
