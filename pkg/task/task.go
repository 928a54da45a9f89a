// Package task defines the protocol between the builder core and the host
// that fulfils filesystem and container work on its behalf. The core emits
// one task at a time and suspends until the handler returns; a handler error
// aborts the build.
package task

import (
	"context"
	"io"

	"github.com/buildforge/dockerbuild/pkg/image"
)

// Compression names the detected compression of a tarfile, passed through to
// the host on extraction tasks.
type Compression string

const (
	CompressionNone  Compression = ""
	CompressionGzip  Compression = "gzip"
	CompressionBzip2 Compression = "bzip2"
	CompressionXz    Compression = "xz"
)

// ExtractTarfile asks the host to extract tarfile (or a subset of its
// entries) into ExtractDir.
type ExtractTarfile struct {
	// Tarfile is the absolute path of the archive to extract.
	Tarfile string
	// ExtractDir is the absolute directory entries are extracted into.
	ExtractDir string
	// StripDirCount drops this many leading path components from each entry.
	StripDirCount int
	// ReplacePattern, when non-empty, renames extracted entries. The format
	// is "/old-basename/new-basename/".
	ReplacePattern string
	// Paths limits extraction to the named entries. Empty means all.
	Paths []string
	// Compression of the archive when it is not a plain tar.
	Compression Compression
}

// Reprovision asks the host to install the named image (or the image with the
// given id, for cache restores) as the container filesystem.
type Reprovision struct {
	// ImageName is the image requested by FROM. Empty for cache restores.
	ImageName string
	// ImageID is the id of a previously built image to restore. Empty for
	// FROM.
	ImageID string
	// CmdName is the instruction that triggered the reprovision.
	CmdName string
}

// InstalledImage is the host's answer to a Reprovision task.
type InstalledImage struct {
	Config          *image.Config
	ContainerConfig *image.Config
	ID              string
	Parent          string
	OnBuild         []string
}

// ReprovisionResult carries the installed image back to the core.
type ReprovisionResult struct {
	Image InstalledImage
}

// Run asks the host to execute a command inside the container root.
type Run struct {
	Cmd     []string
	Env     []string
	WorkDir string
	User    string
}

// RunResult carries the command exit code back to the core.
type RunResult struct {
	ExitCode int
}

// Handler fulfils tasks on behalf of the builder. Implementations may block;
// the builder has exactly one outstanding task at a time.
type Handler interface {
	ExtractTarfile(ctx context.Context, t *ExtractTarfile) error
	ImageReprovision(ctx context.Context, t *Reprovision) (*ReprovisionResult, error)
	Run(ctx context.Context, t *Run) (*RunResult, error)
}

// Events receives the builder's observable event stream.
type Events interface {
	// Message delivers a human-readable build progress line. The text,
	// including trailing newlines, is a compatibility surface.
	Message(msg string)
	// ImageReprovisioned signals that the core finished applying a
	// reprovision result and the host may resume file operations.
	ImageReprovisioned()
}

type writerEvents struct {
	w io.Writer
}

// WriterEvents returns an Events that writes progress messages to w and
// ignores reprovision notifications.
func WriterEvents(w io.Writer) Events {
	return &writerEvents{w: w}
}

func (e *writerEvents) Message(msg string) {
	_, _ = io.WriteString(e.w, msg)
}

func (e *writerEvents) ImageReprovisioned() {}

type discardEvents struct{}

// DiscardEvents returns an Events that drops everything. A session uses it
// when no Events are supplied.
func DiscardEvents() Events {
	return discardEvents{}
}

func (discardEvents) Message(string)       {}
func (discardEvents) ImageReprovisioned() {}
