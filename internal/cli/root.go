// Package cli wires the drover command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/logger"
	"github.com/droverhq/drover/pkg/runtime"
)

const version = "0.1.0"

var (
	cfgFile    string
	logLevel   string
	unattended bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Drover - durable AI agent session orchestrator",
	Long: `Drover orchestrates long-lived AI agent sessions backed by durable
file state. Sessions pause for human-approved tool calls and survive
process restarts; scheduling is driven by pump passes, a watch loop,
or blocking single-agent runs.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree. Fatal errors surface as a non-zero exit.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.drover/drover.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&unattended, "unattended", false, "auto-reject tool calls that need human approval")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// bootstrap loads configuration and assembles the runtime with the
// global flag defaults.
func bootstrap() (*runtime.Runtime, *logger.Logger, error) {
	return bootstrapOpts(runtime.Options{Unattended: unattended})
}

func bootstrapOpts(opts runtime.Options) (*runtime.Runtime, *logger.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	lg, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return nil, nil, err
	}

	rt, err := runtime.New(cfg, lg.Zerolog(), opts)
	if err != nil {
		lg.Close()
		return nil, nil, err
	}
	return rt, lg, nil
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}
