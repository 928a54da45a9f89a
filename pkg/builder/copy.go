package builder

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/buildforge/dockerbuild/internal/inventory"
	"github.com/buildforge/dockerbuild/internal/paths"
	"github.com/buildforge/dockerbuild/pkg/errdefs"
	"github.com/buildforge/dockerbuild/pkg/task"
)

// mainCopy materializes the sources of an ADD or COPY into the container
// root. The actual extraction is delegated to the host; the builder prepares
// destination directories and sequences one extract task after another.
func mainCopy(ctx context.Context, s *Session, cmd *command) error {
	infos, dest := cmd.copyInfos, cmd.copyDest

	if cmd.name == "add" && len(infos) == 1 && !infos[0].IsDir() && infos[0].Decompress {
		return s.extractArchiveSource(ctx, infos[0], dest)
	}

	for _, ci := range infos {
		if err := s.materialize(ctx, ci); err != nil {
			return err
		}
	}
	return nil
}

// extractArchiveSource handles ADD of a lone tar archive: the archive is
// unpacked into the destination directory rather than copied.
func (s *Session) extractArchiveSource(ctx context.Context, ci *inventory.CopyInfo, dest *inventory.Dest) error {
	extractDir := strings.TrimSuffix(dest.Real, "/")
	if err := s.ensureDir(extractDir); err != nil {
		return err
	}
	err := s.handler.ExtractTarfile(ctx, &task.ExtractTarfile{
		Tarfile:     ci.RealPath(),
		ExtractDir:  extractDir,
		Compression: task.Compression(ci.Compression),
	})
	if err != nil {
		return errdefs.TaskFailure(errors.Wrapf(err, "extracting %s", ci.OrigPath))
	}
	return nil
}

// materialize copies one CopyInfo entry. Directories are created and
// recursed; files are extracted from the context archive, one entry per
// task, renamed when the destination basename differs from the source.
func (s *Session) materialize(ctx context.Context, ci *inventory.CopyInfo) error {
	destReal, err := paths.ResolveUnderRoot(ci.DestPath, s.opts.ContainerRootDir)
	if err != nil {
		return err
	}

	if ci.IsDir() {
		if err := s.ensureDir(destReal); err != nil {
			return err
		}
		for _, child := range ci.Children {
			if err := s.materialize(ctx, child); err != nil {
				return err
			}
		}
		return nil
	}

	parent := filepath.Dir(destReal)
	if err := s.ensureDir(parent); err != nil {
		return err
	}

	t := &task.ExtractTarfile{
		Tarfile:       s.opts.ContextFilepath,
		ExtractDir:    parent,
		StripDirCount: strings.Count(ci.OrigPath, "/"),
		Paths:         []string{ci.OrigPath},
	}
	srcBase := path.Base(ci.OrigPath)
	destBase := filepath.Base(destReal)
	if srcBase != destBase {
		t.ReplacePattern = "/" + srcBase + "/" + destBase + "/"
	}

	if err := s.handler.ExtractTarfile(ctx, t); err != nil {
		return errdefs.TaskFailure(errors.Wrapf(err, "copying %s", ci.OrigPath))
	}
	return nil
}

// ensureDir creates dir and any missing ancestors inside the container root,
// chowning newly created directories to the session's uid/gid.
func (s *Session) ensureDir(dir string) error {
	if fi, err := os.Stat(dir); err == nil {
		if fi.IsDir() {
			return nil
		}
		return errdefs.Input(errors.Errorf("cannot copy to non-directory: %s", dir))
	}

	parent := filepath.Dir(dir)
	if parent != dir {
		if err := s.ensureDir(parent); err != nil {
			return err
		}
	}
	if err := os.Mkdir(dir, 0o755); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "creating directory %s", dir)
	}
	if s.opts.ChownUID > 0 || s.opts.ChownGID > 0 {
		if err := os.Chown(dir, s.opts.ChownUID, s.opts.ChownGID); err != nil {
			return errors.Wrapf(err, "chowning directory %s", dir)
		}
	}
	return nil
}
