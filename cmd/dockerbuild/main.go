package main

import (
	"os"

	"github.com/buildforge/dockerbuild/cmd"
	"github.com/buildforge/dockerbuild/pkg/logging"
)

func main() {
	logger := logging.NewLogWithWriters(os.Stdout, os.Stderr)

	rootCmd, err := cmd.NewDockerbuildCommand(logger)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
