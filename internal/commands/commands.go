package commands

import (
	"github.com/spf13/cobra"

	"github.com/buildforge/dockerbuild/pkg/logging"
)

// AddHelpFlag configures the help flag so cobra does not invent a shorthand.
func AddHelpFlag(cmd *cobra.Command, commandName string) {
	cmd.Flags().BoolP("help", "h", false, "Help for '"+commandName+"'")
}

func logError(logger logging.Logger, f func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cmd.SilenceErrors = true
		cmd.SilenceUsage = true
		err := f(cmd, args)
		if err != nil {
			logger.Error(err.Error())
			return err
		}
		return nil
	}
}
