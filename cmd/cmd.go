// Package cmd assembles the dockerbuild CLI.
package cmd

import (
	"github.com/heroku/color"
	"github.com/spf13/cobra"

	"github.com/buildforge/dockerbuild/internal/commands"
	"github.com/buildforge/dockerbuild/internal/config"
	"github.com/buildforge/dockerbuild/pkg/logging"
)

// Version is set at build time.
var Version = "0.0.0"

// ConfigurableLogger defines behavior required by the root command.
type ConfigurableLogger interface {
	logging.Logger
	WantTime(f bool)
	WantQuiet(f bool)
	WantVerbose(f bool)
}

// NewDockerbuildCommand generates the root command.
func NewDockerbuildCommand(logger ConfigurableLogger) (*cobra.Command, error) {
	cobra.EnableCommandSorting = false

	cfgPath, err := config.DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Read(cfgPath)
	if err != nil {
		return nil, err
	}

	rootCmd := &cobra.Command{
		Use:   "dockerbuild",
		Short: "Build Docker image layers from a Dockerfile build context",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if fs := cmd.Flags(); fs != nil {
				if flag, err := fs.GetBool("no-color"); err == nil {
					color.Disable(flag)
				}
				if flag, err := fs.GetBool("quiet"); err == nil {
					logger.WantQuiet(flag)
				}
				if flag, err := fs.GetBool("verbose"); err == nil {
					logger.WantVerbose(flag)
				}
				if flag, err := fs.GetBool("timestamps"); err == nil {
					logger.WantTime(flag)
				}
			}
		},
	}
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable color output")
	rootCmd.PersistentFlags().Bool("timestamps", false, "Enable timestamps in output")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Show less output")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Show more output")
	commands.AddHelpFlag(rootCmd, "dockerbuild")

	rootCmd.AddCommand(commands.Build(logger, cfg))
	rootCmd.AddCommand(commands.Version(logger, Version))

	return rootCmd, nil
}
