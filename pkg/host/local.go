// Package host provides a reference task handler that fulfils extraction
// tasks against the local filesystem. Zone provisioning and command execution
// stay with the surrounding service; this handler reports them as
// unsupported.
package host

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/idtools"
	"github.com/pkg/errors"

	"github.com/buildforge/dockerbuild/pkg/errdefs"
	"github.com/buildforge/dockerbuild/pkg/logging"
	"github.com/buildforge/dockerbuild/pkg/task"
)

// Local extracts tarfiles directly on this machine.
type Local struct {
	// Logger receives per-entry debug output.
	Logger logging.Logger
	// ChownUID and ChownGID own extracted entries and created directories
	// when positive.
	ChownUID int
	ChownGID int
}

var _ task.Handler = (*Local)(nil)

// ExtractTarfile unpacks the requested entries of the archive into
// ExtractDir, honoring StripDirCount and ReplacePattern.
func (h *Local) ExtractTarfile(_ context.Context, t *task.ExtractTarfile) error {
	f, err := os.Open(t.Tarfile)
	if err != nil {
		return errors.Wrapf(err, "opening %s", t.Tarfile)
	}
	defer f.Close()

	// DecompressStream sniffs gzip, bzip2 and xz; a plain tar passes
	// through untouched.
	rc, err := archive.DecompressStream(f)
	if err != nil {
		return errors.Wrapf(err, "decompressing %s", t.Tarfile)
	}
	defer rc.Close()

	if err := h.mkdirAll(t.ExtractDir); err != nil {
		return err
	}

	oldBase, newBase := parseReplacePattern(t.ReplacePattern)

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "reading %s", t.Tarfile)
		}

		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		if name == "." || name == "" {
			continue
		}
		if len(t.Paths) > 0 && !wantEntry(name, t.Paths) {
			continue
		}

		stripped := stripComponents(name, t.StripDirCount)
		if stripped == "" {
			continue
		}
		if oldBase != "" && path.Base(stripped) == oldBase {
			stripped = path.Join(path.Dir(stripped), newBase)
		}

		target := filepath.Join(t.ExtractDir, filepath.FromSlash(stripped))
		if !strings.HasPrefix(target, filepath.Clean(t.ExtractDir)+string(os.PathSeparator)) {
			return errors.Errorf("tar entry %s escapes extraction directory", hdr.Name)
		}

		if err := h.writeEntry(tr, hdr, target); err != nil {
			return err
		}
		if h.Logger != nil {
			h.Logger.Debugf("extracted %s to %s", hdr.Name, target)
		}
	}
}

// ImageReprovision is fulfilled by the surrounding service, not this handler.
func (h *Local) ImageReprovision(context.Context, *task.Reprovision) (*task.ReprovisionResult, error) {
	return nil, errdefs.NotImplemented(errors.New("image reprovisioning requires a zone host"))
}

// Run is fulfilled by the surrounding service, not this handler.
func (h *Local) Run(context.Context, *task.Run) (*task.RunResult, error) {
	return nil, errdefs.NotImplemented(errors.New("command execution requires a zone host"))
}

func (h *Local) writeEntry(tr *tar.Reader, hdr *tar.Header, target string) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		return h.mkdirAll(target)
	case tar.TypeSymlink:
		if err := os.RemoveAll(target); err != nil {
			return errors.Wrapf(err, "replacing %s", target)
		}
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeLink:
		return os.Link(filepath.Join(filepath.Dir(target), hdr.Linkname), target)
	case tar.TypeReg:
		if err := h.mkdirAll(filepath.Dir(target)); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&os.ModePerm)
		if err != nil {
			return errors.Wrapf(err, "creating %s", target)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return errors.Wrapf(err, "writing %s", target)
		}
		if err := out.Close(); err != nil {
			return errors.Wrapf(err, "writing %s", target)
		}
		return h.chown(target)
	default:
		// Device nodes and the like are dropped.
		return nil
	}
}

func (h *Local) mkdirAll(dir string) error {
	if h.ChownUID > 0 || h.ChownGID > 0 {
		return idtools.MkdirAllAndChown(dir, 0o755, idtools.Identity{UID: h.ChownUID, GID: h.ChownGID})
	}
	return os.MkdirAll(dir, 0o755)
}

func (h *Local) chown(p string) error {
	if h.ChownUID > 0 || h.ChownGID > 0 {
		return os.Chown(p, h.ChownUID, h.ChownGID)
	}
	return nil
}

func wantEntry(name string, paths []string) bool {
	for _, p := range paths {
		if name == path.Clean(p) {
			return true
		}
	}
	return false
}

func stripComponents(name string, n int) string {
	if n <= 0 {
		return name
	}
	parts := strings.Split(name, "/")
	if len(parts) <= n {
		return ""
	}
	return strings.Join(parts[n:], "/")
}

// parseReplacePattern splits a "/old/new/" rename directive.
func parseReplacePattern(pattern string) (string, string) {
	if pattern == "" {
		return "", ""
	}
	parts := strings.Split(strings.Trim(pattern, "/"), "/")
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}
