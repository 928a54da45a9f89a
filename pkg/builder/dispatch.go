package builder

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/docker/go-connections/nat"
	"github.com/pkg/errors"

	"github.com/buildforge/dockerbuild/internal/inventory"
	"github.com/buildforge/dockerbuild/pkg/errdefs"
	"github.com/buildforge/dockerbuild/pkg/image"
	"github.com/buildforge/dockerbuild/pkg/task"
)

// handler binds one instruction to its pre-hook (argument normalization and
// copy-info discovery) and main hook (the effect on the image state). expand
// marks the instructions whose arguments undergo variable expansion.
type handler struct {
	expand  bool
	prepare func(s *Session, cmd *command) error
	main    func(ctx context.Context, s *Session, cmd *command) error
}

var handlers map[string]handler

func init() {
	handlers = map[string]handler{
		"add":        {expand: true, prepare: prepareAdd, main: mainCopy},
		"arg":        {expand: true, main: mainArg},
		"cmd":        {main: mainCmd},
		"copy":       {expand: true, prepare: prepareCopy, main: mainCopy},
		"entrypoint": {main: mainEntrypoint},
		"env":        {expand: true, main: mainEnv},
		"expose":     {expand: true, main: mainExpose},
		"from":       {main: mainFrom},
		"label":      {expand: true, main: mainLabel},
		"maintainer": {main: mainMaintainer},
		"onbuild":    {expand: true, main: mainOnbuild},
		"run":        {main: mainRun},
		"stopsignal": {expand: true, main: mainStopsignal},
		"user":       {expand: true, main: mainUser},
		"volume":     {expand: true, main: mainVolume},
		"workdir":    {expand: true, main: mainWorkdir},
	}
}

func errExactlyOneArgument(name string) error {
	return errdefs.Input(errors.Errorf("%s requires exactly one argument", strings.ToUpper(name)))
}

func errAtLeastOneArgument(name string) error {
	return errdefs.Input(errors.Errorf("%s requires at least one argument", strings.ToUpper(name)))
}

func mainFrom(ctx context.Context, s *Session, cmd *command) error {
	if len(cmd.args) != 1 {
		return errExactlyOneArgument(cmd.name)
	}
	name := cmd.args[0]

	if name == "scratch" {
		s.img.ID = ""
		s.img.Parent = ""
		s.mergeCLILabels()
		return nil
	}

	res, err := s.handler.ImageReprovision(ctx, &task.Reprovision{
		ImageName: name,
		CmdName:   cmd.name,
	})
	if err != nil {
		return errdefs.TaskFailure(errors.Wrapf(err, "provisioning image %s", name))
	}
	s.applyInstalledImage(&res.Image)
	s.events.ImageReprovisioned()
	s.logger.Debugf("reprovisioned base image %s as %s", name, image.ShortID(s.img.ID))
	s.mergeCLILabels()
	return nil
}

func (s *Session) mergeCLILabels() {
	if len(s.opts.Labels) == 0 {
		return
	}
	if s.img.Config.Labels == nil {
		s.img.Config.Labels = map[string]string{}
	}
	for k, v := range s.opts.Labels {
		s.img.Config.Labels[k] = v
	}
}

func mainMaintainer(_ context.Context, s *Session, cmd *command) error {
	if len(cmd.args) == 0 {
		return errAtLeastOneArgument(cmd.name)
	}
	s.img.Author = strings.Join(cmd.args, " ")
	return nil
}

func mainLabel(_ context.Context, s *Session, cmd *command) error {
	if len(cmd.args) == 0 {
		return errAtLeastOneArgument(cmd.name)
	}
	if len(cmd.args)%2 != 0 {
		return errdefs.Input(errors.New("Bad input to LABEL, too many args"))
	}
	if s.img.Config.Labels == nil {
		s.img.Config.Labels = map[string]string{}
	}
	for i := 0; i < len(cmd.args); i += 2 {
		s.img.Config.Labels[cmd.args[i]] = cmd.args[i+1]
	}
	return nil
}

func mainEnv(_ context.Context, s *Session, cmd *command) error {
	if len(cmd.args) == 0 {
		return errAtLeastOneArgument(cmd.name)
	}
	if len(cmd.args)%2 != 0 {
		return errdefs.Input(errors.New("Bad input to ENV, too many args"))
	}
	for i := 0; i < len(cmd.args); i += 2 {
		s.img.Config.SetEnv(cmd.args[i], cmd.args[i+1])
	}
	return nil
}

func mainArg(_ context.Context, s *Session, cmd *command) error {
	if len(cmd.args) != 1 {
		return errExactlyOneArgument(cmd.name)
	}
	name, def := parseArgDeclaration(cmd.args[0])
	s.buildArgs.declare(name, def)
	return nil
}

func mainExpose(_ context.Context, s *Session, cmd *command) error {
	if len(cmd.args) == 0 {
		return errAtLeastOneArgument(cmd.name)
	}
	if s.img.Config.ExposedPorts == nil {
		s.img.Config.ExposedPorts = map[string]struct{}{}
	}
	for _, arg := range cmd.args {
		spec := strings.ToLower(arg)
		port, proto, ok := strings.Cut(spec, "/")
		if !ok || proto == "" {
			proto = "tcp"
		}
		start, end, err := nat.ParsePortRange(port)
		if err != nil {
			if strings.Contains(port, "-") {
				return errdefs.Input(errors.Errorf("Invalid port range: %s", spec))
			}
			return errdefs.Input(errors.Errorf("Invalid containerPort: %s", spec))
		}
		for p := start; p <= end; p++ {
			s.img.Config.ExposedPorts[fmt.Sprintf("%d/%s", p, proto)] = struct{}{}
		}
	}
	return nil
}

func mainVolume(_ context.Context, s *Session, cmd *command) error {
	if len(cmd.args) == 0 {
		return errAtLeastOneArgument(cmd.name)
	}
	if s.img.Config.Volumes == nil {
		s.img.Config.Volumes = map[string]struct{}{}
	}
	for _, v := range cmd.args {
		v = strings.TrimSpace(v)
		if v == "" {
			return errdefs.Input(errors.New("Volume specified can not be an empty string"))
		}
		s.img.Config.Volumes[v] = struct{}{}
	}
	return nil
}

func mainUser(_ context.Context, s *Session, cmd *command) error {
	if len(cmd.args) != 1 {
		return errExactlyOneArgument(cmd.name)
	}
	s.img.Config.User = cmd.args[0]
	return nil
}

func mainWorkdir(_ context.Context, s *Session, cmd *command) error {
	if len(cmd.args) != 1 {
		return errExactlyOneArgument(cmd.name)
	}
	dir := cmd.args[0]
	if !strings.HasPrefix(dir, "/") {
		dir = path.Join("/", s.img.Config.WorkingDir, dir)
	}
	dir = path.Clean(dir)
	if dir == "." {
		dir = "/"
	}
	s.img.Config.WorkingDir = dir
	return nil
}

func mainCmd(_ context.Context, s *Session, cmd *command) error {
	s.img.Config.Cmd = shellWrap(cmd)
	s.cmdSet = true
	return nil
}

// mainEntrypoint sets the entrypoint and, when no CMD was set in this build,
// clears the inherited Cmd.
func mainEntrypoint(_ context.Context, s *Session, cmd *command) error {
	s.img.Config.Entrypoint = shellWrap(cmd)
	if !s.cmdSet {
		s.img.Config.Cmd = nil
	}
	return nil
}

func mainStopsignal(_ context.Context, s *Session, cmd *command) error {
	if len(cmd.args) != 1 {
		return errExactlyOneArgument(cmd.name)
	}
	s.img.Config.StopSignal = cmd.args[0]
	return nil
}

func mainOnbuild(_ context.Context, s *Session, cmd *command) error {
	sub := cmd.sub
	if sub == nil {
		return errAtLeastOneArgument(cmd.name)
	}
	switch sub.name {
	case "onbuild":
		return errdefs.Input(errors.New("Chaining ONBUILD via `ONBUILD ONBUILD` isn't allowed"))
	case "from", "maintainer":
		return errdefs.Input(errors.Errorf("%s isn't allowed as an ONBUILD trigger", strings.ToUpper(sub.name)))
	}
	s.img.Config.OnBuild = append(s.img.Config.OnBuild, cmd.args[0])
	return nil
}

func prepareAdd(s *Session, cmd *command) error {
	return prepareCopyInfos(s, cmd, true, true)
}

func prepareCopy(s *Session, cmd *command) error {
	return prepareCopyInfos(s, cmd, false, false)
}

func prepareCopyInfos(s *Session, cmd *command, allowRemote, allowDecompression bool) error {
	infos, dest, err := inventory.GetCopyInfo(cmd.args, inventory.Options{
		CmdName:            strings.ToUpper(cmd.name),
		ContextDir:         s.contextDir,
		RootDir:            s.opts.ContainerRootDir,
		WorkingDir:         s.img.Config.WorkingDir,
		AllowRemote:        allowRemote,
		AllowDecompression: allowDecompression,
	})
	if err != nil {
		return err
	}
	cmd.copyInfos = infos
	cmd.copyDest = dest
	return nil
}

func mainRun(ctx context.Context, s *Session, cmd *command) error {
	if len(cmd.args) == 0 {
		return errAtLeastOneArgument(cmd.name)
	}

	argv := append([]string(nil), cmd.args...)
	if !cmd.json {
		argv = strings.Fields(strings.Join(cmd.args, " "))
	}

	workDir := s.img.Config.WorkingDir
	if workDir == "" {
		workDir = "/"
	}

	s.emit(" ---> Running in %s\n", image.ShortID(s.img.ID))
	res, err := s.handler.Run(ctx, &task.Run{
		Cmd:     argv,
		Env:     s.runEnv(),
		WorkDir: workDir,
		User:    s.img.Config.User,
	})
	if err != nil {
		return errdefs.TaskFailure(errors.Wrap(err, "running command"))
	}
	if res.ExitCode != 0 {
		return errdefs.ExecFailure(errors.Errorf(
			"The command '%s' returned a non-zero code: %d", strings.Join(argv, " "), res.ExitCode))
	}
	return nil
}
