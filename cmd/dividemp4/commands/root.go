package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aaroniumii/dividemp4online/pkg/config"
)

const cliExecutable = "dividemp4"

// version is stamped at build time via -ldflags.
var version = "dev"

// NewCommand constructs the top-level dividemp4 CLI command, wiring
// global flags, configuration loading, and logger setup.
func NewCommand() *cobra.Command {
	var (
		configFile     string
		manager        *config.Manager
		verbosityCount int
		verbose        bool
	)

	cmd := &cobra.Command{
		Use:   cliExecutable,
		Short: "dividemp4 splits MP4 videos into equal parts",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			manager = config.NewManager()
			if err := manager.Load(cmd.Flags(), configFile); err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			cfg := manager.Get()

			setupLogger(cfg.Log)

			// Verbosity flags override the configured level.
			// -v count: 0 => configured level, 1 => Info, 2+ => Debug.
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				switch {
				case verbosityCount == 1:
					zerolog.SetGlobalLevel(zerolog.InfoLevel)
				case verbosityCount >= 2:
					zerolog.SetGlobalLevel(zerolog.DebugLevel)
				}
			}
			return nil
		},
	}

	cmd.SilenceUsage = true

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	cmd.PersistentFlags().CountVarP(&verbosityCount, "verbosity", "v", "Increase logging verbosity (repeatable)")
	cmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")

	config.BindFlags(cmd.PersistentFlags())

	cmd.AddCommand(newServeCommand(func() config.Config {
		return manager.Get()
	}))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// setupLogger applies the configured level and output format to the
// global zerolog logger.
func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if strings.EqualFold(cfg.Format, "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", cliExecutable, version)
		},
	}
}
