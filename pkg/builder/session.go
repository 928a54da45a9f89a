// Package builder implements the Dockerfile interpreter: the instruction
// dispatch engine, the image-config state machine, the context-to-container
// file materialization pipeline, build-argument and environment expansion,
// and the per-step layer cache. Filesystem and container work is delegated to
// a host through the task protocol; the builder has exactly one outstanding
// task at a time.
package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/buildforge/dockerbuild/internal/paths"
	"github.com/buildforge/dockerbuild/internal/shellwords"
	"github.com/buildforge/dockerbuild/pkg/errdefs"
	"github.com/buildforge/dockerbuild/pkg/image"
	"github.com/buildforge/dockerbuild/pkg/logging"
	"github.com/buildforge/dockerbuild/pkg/task"
)

// CommandType selects the session mode.
type CommandType string

const (
	CommandBuild  CommandType = "build"
	CommandCommit CommandType = "commit"
)

const (
	defaultDockerfileName  = "Dockerfile"
	fallbackDockerfileName = "dockerfile"
	maxDockerfileSize      = 10 * 1024 * 1024
)

// SessionOptions configures one build. WorkDir, ContainerRootDir and Handler
// are required; everything else has a default.
type SessionOptions struct {
	// WorkDir is the session scratch directory; the build context is
	// extracted beneath it.
	WorkDir string
	// ContainerRootDir is the root of the container filesystem that ADD,
	// COPY and RUN operate on.
	ContainerRootDir string
	// ContextFilepath is the tar archive holding the Dockerfile and any
	// files it references.
	ContextFilepath string
	// Dockerfile is the name of the Dockerfile inside the context. When the
	// default name is not found, "dockerfile" is tried.
	Dockerfile string
	// CommandType selects build or commit mode.
	CommandType CommandType
	// UUID identifies the zone the build runs against.
	UUID string
	// Logger receives lifecycle details. Build progress goes through Events.
	Logger logging.Logger
	// ExistingImages are the candidate cache entries, in match-priority
	// order.
	ExistingImages []*image.Image
	// BuildArgs are the CLI-supplied build-args; a nil value declares the
	// key without a value.
	BuildArgs map[string]*string
	// Labels are CLI-supplied labels merged into the image config.
	Labels map[string]string
	// NoCache disables cache lookups.
	NoCache bool
	// SuppressSuccessMsg drops the final "Successfully built" line.
	SuppressSuccessMsg bool
	// ChownUID and ChownGID own directories the builder creates. Negative
	// values leave ownership alone.
	ChownUID int
	ChownGID int
	// Handler fulfils tasks on behalf of the builder.
	Handler task.Handler
	// Events receives progress messages and reprovision notifications.
	Events task.Events

	// StartImage is the starting image for commit mode, in the shape an
	// image_reprovision task returns.
	StartImage *task.InstalledImage
	// Commands are the instruction lines for commit mode.
	Commands []string
}

// Session owns one build run.
type Session struct {
	opts    SessionOptions
	logger  logging.Logger
	handler task.Handler
	events  task.Events
	clock   func() time.Time

	contextDir string
	totalSteps int

	img       *image.Image
	layers    []*image.Layer
	buildArgs *buildArgs
	cmdSet    bool

	onBuildQueue []string

	cacheLastCmdCached bool
	lastCachedID       string
}

// New creates a session. The session lives for one build.
func New(opts SessionOptions) (*Session, error) {
	if opts.Handler == nil {
		return nil, errors.New("builder: a task handler is required")
	}
	if opts.WorkDir == "" || opts.ContainerRootDir == "" {
		return nil, errors.New("builder: workDir and containerRootDir are required")
	}
	if opts.CommandType == "" {
		opts.CommandType = CommandBuild
	}
	if opts.Dockerfile == "" {
		opts.Dockerfile = defaultDockerfileName
	}
	if opts.UUID == "" {
		opts.UUID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogWithWriters(io.Discard, io.Discard)
	}
	if opts.Events == nil {
		opts.Events = task.DiscardEvents()
	}

	return &Session{
		opts:               opts,
		logger:             opts.Logger,
		handler:            opts.Handler,
		events:             opts.Events,
		clock:              time.Now,
		contextDir:         filepath.Join(opts.WorkDir, "context"),
		buildArgs:          newBuildArgs(opts.BuildArgs),
		img:                image.New(),
		cacheLastCmdCached: true,
	}, nil
}

// Run drives the build to completion and returns the layer sequence. Any
// error aborts the pipeline; no local recovery is attempted.
func (s *Session) Run(ctx context.Context) ([]*image.Layer, error) {
	layers, err := s.run(ctx)
	if err != nil && s.opts.CommandType == CommandBuild {
		s.emit("ERROR: %s\n", err.Error())
	}
	return layers, err
}

func (s *Session) run(ctx context.Context) ([]*image.Layer, error) {
	var cmds []*command
	var err error

	switch s.opts.CommandType {
	case CommandCommit:
		cmds, err = s.setupCommit()
	default:
		cmds, err = s.setupBuild(ctx)
	}
	if err != nil {
		return nil, err
	}

	s.totalSteps = len(cmds)
	for i, cmd := range cmds {
		if err := s.step(ctx, cmd, i, true); err != nil {
			return nil, err
		}
	}

	if err := s.buildArgs.validate(); err != nil {
		return nil, err
	}
	if s.img.ID == "" {
		return nil, errdefs.Input(errors.New("No image was generated. Is your Dockerfile empty?"))
	}

	if !s.opts.SuppressSuccessMsg {
		s.emit("Successfully built %s\n", s.img.ShortID())
	}
	return s.layers, nil
}

// setupBuild extracts the context archive and reads and parses the
// Dockerfile.
func (s *Session) setupBuild(ctx context.Context) ([]*command, error) {
	if err := os.MkdirAll(s.contextDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating context directory")
	}
	err := s.handler.ExtractTarfile(ctx, &task.ExtractTarfile{
		Tarfile:    s.opts.ContextFilepath,
		ExtractDir: s.contextDir,
	})
	if err != nil {
		return nil, errdefs.TaskFailure(errors.Wrap(err, "extracting build context"))
	}
	s.logger.Debugf("extracted build context to %s", s.contextDir)

	data, err := s.readDockerfile()
	if err != nil {
		return nil, err
	}

	cmds, err := parseDockerfile(strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}
	if len(cmds) == 0 {
		return nil, errdefs.Input(errors.Errorf("The Dockerfile (%s) cannot be empty", s.opts.Dockerfile))
	}
	if cmds[0].name != "from" {
		return nil, errdefs.Input(errors.New("Please provide a source image with `from` prior to commit"))
	}
	return cmds, nil
}

func (s *Session) readDockerfile() ([]byte, error) {
	name := s.opts.Dockerfile
	real, err := paths.ResolveUnderRoot("/"+name, s.contextDir)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(real)
	if os.IsNotExist(err) && name == defaultDockerfileName {
		name = fallbackDockerfileName
		if real, err = paths.ResolveUnderRoot("/"+name, s.contextDir); err != nil {
			return nil, err
		}
		fi, err = os.Stat(real)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFound(errors.Errorf("Cannot locate specified Dockerfile: %s", s.opts.Dockerfile))
		}
		return nil, errors.Wrap(err, "reading Dockerfile")
	}
	if fi.Size() > maxDockerfileSize {
		return nil, errdefs.Input(errors.Errorf("Dockerfile is too large: maximum size is %d bytes", maxDockerfileSize))
	}

	data, err := os.ReadFile(real)
	if err != nil {
		return nil, errors.Wrap(err, "reading Dockerfile")
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errdefs.Input(errors.Errorf("The Dockerfile (%s) cannot be empty", s.opts.Dockerfile))
	}
	return data, nil
}

// commitForbidden lists the instructions commit mode rejects.
var commitForbidden = map[string]bool{
	"add":        true,
	"arg":        true,
	"copy":       true,
	"from":       true,
	"maintainer": true,
	"run":        true,
}

// setupCommit installs the caller-supplied starting image and parses the
// instruction lines. Commit mode emits no progress events.
func (s *Session) setupCommit() ([]*command, error) {
	if s.opts.StartImage == nil {
		return nil, errors.New("builder: commit mode requires a starting image")
	}
	s.applyInstalledImage(s.opts.StartImage)

	cmds := make([]*command, 0, len(s.opts.Commands))
	for _, line := range s.opts.Commands {
		cmd, err := parseLine(line)
		if err != nil {
			return nil, err
		}
		if commitForbidden[cmd.name] {
			return nil, errdefs.Input(errors.Errorf("%s is not supported in commit mode", strings.ToUpper(cmd.name)))
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// step runs one instruction: expansion, pre-hook, cache probe, main hook,
// post-hook, layer append, and ONBUILD replay.
func (s *Session) step(ctx context.Context, cmd *command, stepNo int, numbered bool) error {
	parentID := s.img.ID
	s.img.Parent = parentID
	s.img.ID = image.NewID()
	s.img.Config.Image = parentID

	if numbered {
		s.emit("Step %d/%d : %s\n", stepNo+1, s.totalSteps, renderCommand(cmd))
	}

	h := handlers[cmd.name]
	if h.expand {
		if err := s.expandArgs(cmd); err != nil {
			return err
		}
	}
	if h.prepare != nil {
		if err := h.prepare(s, cmd); err != nil {
			return err
		}
	}

	nop, err := s.nopCmdFor(cmd)
	if err != nil {
		return err
	}
	cmd.nop = nop

	if cmd.name != "from" && !s.opts.NoCache {
		hit, err := s.probeCache(ctx, cmd)
		if err != nil {
			return err
		}
		cmd.isCached = hit
	}

	if !cmd.isCached || cmd.name == "arg" {
		if err := h.main(ctx, s, cmd); err != nil {
			return err
		}
	}

	s.postHook(cmd)

	if id := s.img.ShortID(); id == "" {
		s.emit(" --->\n")
	} else {
		s.emit(" ---> %s\n", id)
	}

	if cmd.name == "from" && len(s.onBuildQueue) > 0 {
		if err := s.replayTriggers(ctx); err != nil {
			return err
		}
	}
	return nil
}

// replayTriggers runs the ONBUILD instructions lifted from the base image,
// inline, before the next outer instruction.
func (s *Session) replayTriggers(ctx context.Context) error {
	triggers := s.onBuildQueue
	s.onBuildQueue = nil

	s.emit("# Executing %d build triggers\n", len(triggers))
	for _, line := range triggers {
		cmd, err := parseLine(line)
		if err != nil {
			return err
		}
		if cmd.name == "onbuild" || cmd.name == "from" || cmd.name == "maintainer" {
			return errdefs.Input(errors.Errorf("%s isn't allowed as an ONBUILD trigger", strings.ToUpper(cmd.name)))
		}
		if err := s.step(ctx, cmd, 0, false); err != nil {
			return err
		}
	}
	return nil
}

// postHook mirrors the config into container_config with the synthetic nop
// Cmd, stamps the created time, and appends the layer snapshot.
func (s *Session) postHook(cmd *command) {
	cc := s.img.Config.Clone()
	cc.Cmd = append([]string(nil), cmd.nop...)
	s.img.ContainerConfig = cc

	if !cmd.isCached {
		s.img.Touch(s.clock())
	}
	s.img.History = append(s.img.History, image.HistoryEntry{
		Created:    s.img.Created,
		CreatedBy:  strings.Join(cmd.nop, " "),
		EmptyLayer: emptyLayer(cmd.name),
	})

	s.layers = append(s.layers, &image.Layer{
		Cmd:   renderCommand(cmd),
		Image: s.img.Clone(),
	})
}

func emptyLayer(name string) bool {
	switch name {
	case "add", "copy", "run", "from":
		return false
	}
	return true
}

// expandArgs substitutes variables in the instruction arguments. The
// expansion environment is config.Env merged with the effective build-args;
// config.Env wins on key collision. For ONBUILD the embedded instruction's
// own expansion rule applies.
func (s *Session) expandArgs(cmd *command) error {
	if cmd.name == "onbuild" {
		sub := cmd.sub
		if sub == nil {
			return nil
		}
		if h, ok := handlers[sub.name]; ok && h.expand {
			if err := s.expandWords(sub.args); err != nil {
				return err
			}
			cmd.args = []string{renderTrigger(sub)}
		}
		return nil
	}
	return s.expandWords(cmd.args)
}

func (s *Session) expandWords(words []string) error {
	env := s.expansionEnv()
	for i, w := range words {
		expanded, err := shellwords.Expand(w, env)
		if err != nil {
			return err
		}
		words[i] = expanded
	}
	return nil
}

func (s *Session) expansionEnv() []string {
	envs := append([]string(nil), s.img.Config.Env...)
	return append(envs, s.buildArgs.filteredSorted()...)
}

// defaultPathEnv seeds PATH for RUN when the image config does not set one.
const defaultPathEnv = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// runEnv composes the environment for a run task: config.Env, the effective
// build-args not shadowed by config.Env, and a default PATH if absent.
func (s *Session) runEnv() []string {
	envs := append([]string(nil), s.img.Config.Env...)
	if _, ok := s.img.Config.LookupEnv("PATH"); !ok {
		envs = append(envs, "PATH="+defaultPathEnv)
	}
	for _, kv := range s.buildArgs.filteredSorted() {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := s.img.Config.LookupEnv(k); ok {
			continue
		}
		envs = append(envs, kv)
	}
	return envs
}

// applyInstalledImage replaces the image state with a reprovision result and
// lifts any ONBUILD triggers into the replay queue.
func (s *Session) applyInstalledImage(installed *task.InstalledImage) {
	if installed.Config != nil {
		s.img.Config = installed.Config.Clone()
	} else {
		s.img.Config = &image.Config{}
	}
	if installed.ContainerConfig != nil {
		s.img.ContainerConfig = installed.ContainerConfig.Clone()
	} else {
		s.img.ContainerConfig = &image.Config{}
	}
	s.img.ID = installed.ID
	s.img.Parent = installed.Parent

	triggers := installed.OnBuild
	if len(triggers) == 0 {
		triggers = s.img.Config.OnBuild
	}
	if len(triggers) > 0 {
		s.onBuildQueue = append([]string(nil), triggers...)
		s.img.Config.OnBuild = nil
	}
}

func (s *Session) emit(format string, a ...interface{}) {
	if s.opts.CommandType == CommandCommit {
		return
	}
	s.events.Message(fmt.Sprintf(format, a...))
}
