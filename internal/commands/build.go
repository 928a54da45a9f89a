package commands

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/buildforge/dockerbuild/internal/config"
	"github.com/buildforge/dockerbuild/internal/style"
	"github.com/buildforge/dockerbuild/pkg/builder"
	"github.com/buildforge/dockerbuild/pkg/host"
	"github.com/buildforge/dockerbuild/pkg/logging"
	"github.com/buildforge/dockerbuild/pkg/task"
)

// BuildFlags define the flags of the build command.
type BuildFlags struct {
	File      string
	WorkDir   string
	RootDir   string
	BuildArgs []string
	Labels    []string
	NoCache   bool
	Quiet     bool
}

// Build runs a Dockerfile build against a context archive.
func Build(logger logging.Logger, cfg config.Config) *cobra.Command {
	var flags BuildFlags

	cmd := &cobra.Command{
		Use:   "build <context-tarfile>",
		Args:  cobra.ExactArgs(1),
		Short: "Build image layers from a Dockerfile build context",
		RunE: logError(logger, func(cmd *cobra.Command, args []string) error {
			contextPath := args[0]

			workDir := flags.WorkDir
			if workDir == "" {
				workDir = cfg.DefaultWorkDir
			}
			rootDir := flags.RootDir
			if rootDir == "" {
				rootDir = cfg.DefaultRootDir
			}
			if workDir == "" || rootDir == "" {
				return errors.Errorf("both %s and %s are required", style.Symbol("--workdir"), style.Symbol("--root"))
			}

			buildArgs := parseBuildArgs(flags.BuildArgs)
			labels, err := parseLabels(flags.Labels)
			if err != nil {
				return err
			}

			session, err := builder.New(builder.SessionOptions{
				WorkDir:          workDir,
				ContainerRootDir: rootDir,
				ContextFilepath:  contextPath,
				Dockerfile:       flags.File,
				Logger:           logger,
				BuildArgs:        buildArgs,
				Labels:           labels,
				NoCache:          flags.NoCache || cfg.NoCache,
				SuppressSuccessMsg: flags.Quiet,
				ChownUID:         cfg.ChownUID,
				ChownGID:         cfg.ChownGID,
				Handler: &host.Local{
					Logger:   logger,
					ChownUID: cfg.ChownUID,
					ChownGID: cfg.ChownGID,
				},
				Events: task.WriterEvents(logger.Writer()),
			})
			if err != nil {
				return err
			}

			layers, err := session.Run(cmd.Context())
			if err != nil {
				return errors.Wrapf(err, "failed to build %s", style.Symbol(contextPath))
			}

			if logger.IsVerbose() {
				encoded, err := json.MarshalIndent(layers, "", "  ")
				if err != nil {
					return err
				}
				logger.Debug(string(encoded))
			}
			return nil
		}),
	}

	cmd.Flags().StringVarP(&flags.File, "file", "f", "", "Name of the Dockerfile inside the context")
	cmd.Flags().StringVar(&flags.WorkDir, "workdir", "", "Session scratch directory")
	cmd.Flags().StringVar(&flags.RootDir, "root", "", "Container root directory files are materialized into")
	cmd.Flags().StringArrayVar(&flags.BuildArgs, "build-arg", nil, "Build-time variable, in 'KEY=VALUE' form. Repeatable")
	cmd.Flags().StringArrayVar(&flags.Labels, "label", nil, "Image label, in 'KEY=VALUE' form. Repeatable")
	cmd.Flags().BoolVar(&flags.NoCache, "no-cache", false, "Do not use cached layers")
	cmd.Flags().BoolVarP(&flags.Quiet, "quiet", "q", false, "Suppress the success message")
	AddHelpFlag(cmd, "build")
	return cmd
}

// parseBuildArgs splits repeated KEY=VALUE flags. A bare KEY declares the arg
// without a value.
func parseBuildArgs(entries []string) map[string]*string {
	if len(entries) == 0 {
		return nil
	}
	out := make(map[string]*string, len(entries))
	for _, entry := range entries {
		k, v, ok := strings.Cut(entry, "=")
		if !ok {
			out[k] = nil
			continue
		}
		out[k] = &v
	}
	return out
}

func parseLabels(entries []string) (map[string]string, error) {
	out := map[string]string{}
	for _, entry := range entries {
		k, v, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, errors.Errorf("invalid flag value %s: expected KEY=VALUE", style.Symbol(entry))
		}
		out[k] = v
	}
	return out, nil
}
