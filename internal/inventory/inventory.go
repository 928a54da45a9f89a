// Package inventory enumerates the context files matched by an ADD or COPY
// instruction. For every matched source it produces a CopyInfo carrying the
// source path relative to the context root, the absolute destination inside
// the container, and a lazily computed content hash that feeds the per-step
// cache key.
package inventory

import (
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/buildforge/dockerbuild/internal/paths"
	"github.com/buildforge/dockerbuild/pkg/errdefs"
)

// CopyInfo describes one source-to-destination pairing.
type CopyInfo struct {
	// OrigPath is the source path relative to the context root.
	OrigPath string
	// DestPath is the absolute destination path inside the container.
	DestPath string
	// Decompress is set for an ADD whose single source is a tar archive; the
	// archive is extracted into the destination instead of copied.
	Decompress bool
	// Compression of the archive when Decompress is set ("", "gzip",
	// "bzip2", "xz").
	Compression string
	// Children holds the recursive inventory of a directory source.
	Children []*CopyInfo

	realPath string
	isDir    bool
	linkDest string

	hashOnce sync.Once
	hash     string
	hashErr  error
}

// RealPath is the resolved location of the source inside the extracted
// context.
func (ci *CopyInfo) RealPath() string { return ci.realPath }

// IsDir reports whether the source is a directory.
func (ci *CopyInfo) IsDir() bool { return ci.isDir }

// Hash returns the content hash of the source, computed on first use. Files
// hash as "file:<sha256>"; directories hash as "dir:" over the sorted child
// hashes joined by commas. The strings are embedded in cache keys and must be
// byte-identical across runs.
func (ci *CopyInfo) Hash() (string, error) {
	ci.hashOnce.Do(func() {
		ci.hash, ci.hashErr = ci.computeHash()
	})
	return ci.hash, ci.hashErr
}

func (ci *CopyInfo) computeHash() (string, error) {
	if ci.isDir {
		sums := make([]string, 0, len(ci.Children))
		for _, child := range ci.Children {
			sum, err := child.Hash()
			if err != nil {
				return "", err
			}
			sums = append(sums, sum)
		}
		sort.Strings(sums)
		return "dir:" + digest.Canonical.FromString(strings.Join(sums, ",")).Encoded(), nil
	}
	if ci.linkDest != "" {
		return "file:" + digest.Canonical.FromString(ci.linkDest).Encoded(), nil
	}
	f, err := os.Open(ci.realPath)
	if err != nil {
		return "", errors.Wrapf(err, "hashing %s", ci.OrigPath)
	}
	defer f.Close()
	dgst, err := digest.Canonical.FromReader(f)
	if err != nil {
		return "", errors.Wrapf(err, "hashing %s", ci.OrigPath)
	}
	return "file:" + dgst.Encoded(), nil
}

// CompositeHash combines the hashes of all CopyInfos of one instruction. A
// single source keeps its own hash; multiple sources combine as "multi:" over
// the individual hashes joined by commas.
func CompositeHash(infos []*CopyInfo) (string, error) {
	if len(infos) == 1 {
		return infos[0].Hash()
	}
	sums := make([]string, 0, len(infos))
	for _, ci := range infos {
		sum, err := ci.Hash()
		if err != nil {
			return "", err
		}
		sums = append(sums, sum)
	}
	return "multi:" + digest.Canonical.FromString(strings.Join(sums, ",")).Encoded(), nil
}

// Dest is the authoritative destination for all sources of one instruction.
type Dest struct {
	// Raw is the destination argument verbatim, as it appears in the cache
	// key.
	Raw string
	// Inside is the absolute destination inside the container, with a
	// trailing slash when the destination is a directory.
	Inside string
	// Real is the destination resolved under the container root.
	Real string
	// DirIntent is set when the destination names a directory (trailing
	// slash, ".", or "..").
	DirIntent bool
}

// Options configures an inventory run.
type Options struct {
	// CmdName is the uppercase instruction name, for error text.
	CmdName string
	// ContextDir is the root of the extracted build context.
	ContextDir string
	// RootDir is the container root the destination resolves under.
	RootDir string
	// WorkingDir is the current working directory inside the container,
	// joined with relative destinations.
	WorkingDir string
	// AllowRemote permits URL sources (recognized, not implemented).
	AllowRemote bool
	// AllowDecompression marks a lone archive source for extraction instead
	// of copying.
	AllowDecompression bool
}

// GetCopyInfo enumerates the sources of an ADD or COPY instruction. args is
// [src1 ... srcN, dest].
func GetCopyInfo(args []string, opts Options) ([]*CopyInfo, *Dest, error) {
	if len(args) < 2 {
		return nil, nil, errdefs.Input(errors.Errorf("%s requires at least two arguments", opts.CmdName))
	}

	dest, err := resolveDest(args[len(args)-1], opts)
	if err != nil {
		return nil, nil, err
	}

	var infos []*CopyInfo
	for _, src := range args[:len(args)-1] {
		srcInfos, err := infosForSource(src, dest, opts)
		if err != nil {
			return nil, nil, err
		}
		infos = append(infos, srcInfos...)
	}

	if len(infos) == 0 {
		return nil, nil, errdefs.Input(errors.New("No source files were specified"))
	}
	if len(infos) > 1 && !dest.DirIntent {
		return nil, nil, errdefs.Input(errors.Errorf(
			"When using %s with more than one source file, the destination must be a directory and end with a /", opts.CmdName))
	}

	if opts.AllowDecompression && len(infos) == 1 && !infos[0].isDir {
		ok, compression, err := sniffArchive(infos[0].realPath, infos[0].OrigPath)
		if err != nil {
			return nil, nil, err
		}
		infos[0].Decompress = ok
		infos[0].Compression = compression
	}

	return infos, dest, nil
}

func resolveDest(raw string, opts Options) (*Dest, error) {
	dirIntent := strings.HasSuffix(raw, "/")
	switch path.Base(raw) {
	case ".", "..":
		dirIntent = true
	}

	inside := raw
	if !path.IsAbs(inside) {
		inside = path.Join("/", opts.WorkingDir, inside)
	} else {
		inside = path.Join("/", inside)
	}
	if dirIntent && inside != "/" {
		inside += "/"
	}

	real, err := paths.ResolveUnderRoot(inside, opts.RootDir)
	if err != nil {
		return nil, err
	}

	return &Dest{
		Raw:       raw,
		Inside:    inside,
		Real:      real,
		DirIntent: dirIntent || inside == "/",
	}, nil
}

func infosForSource(src string, dest *Dest, opts Options) ([]*CopyInfo, error) {
	orig := src
	for strings.HasPrefix(orig, "/") || strings.HasPrefix(orig, "./") {
		orig = strings.TrimPrefix(orig, "/")
		orig = strings.TrimPrefix(orig, "./")
	}

	if paths.IsURI(src) {
		if opts.AllowRemote {
			return nil, errdefs.NotImplemented(errors.Errorf("Remote URL sources are not implemented: %s", src))
		}
		return nil, errdefs.Input(errors.Errorf("source can't be a URL for %s: %s", opts.CmdName, src))
	}

	if containsWildcards(orig) {
		return infosForWildcardCopy(orig, dest, opts)
	}

	cleaned := path.Clean(orig)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return nil, errdefs.ForbiddenPath(errors.New(paths.ForbiddenPathPrefix + orig))
	}
	if cleaned == "." {
		cleaned = ""
	}

	ci, err := infoForPath(cleaned, dest, opts)
	if err != nil {
		return nil, err
	}
	return []*CopyInfo{ci}, nil
}

// infoForPath builds the CopyInfo (and, for directories, its recursive
// children) for one concrete context path.
func infoForPath(origPath string, dest *Dest, opts Options) (*CopyInfo, error) {
	real, err := paths.ResolveUnderRoot("/"+origPath, opts.ContextDir)
	if err != nil {
		return nil, err
	}

	fi, err := os.Lstat(real)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFound(errors.Errorf("stat %s: no such file or directory", origPath))
		}
		return nil, errors.Wrapf(err, "stat %s", origPath)
	}

	ci := &CopyInfo{
		OrigPath: origPath,
		DestPath: destPathFor(origPath, dest),
		realPath: real,
	}

	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		linkDest, err := os.Readlink(real)
		if err != nil {
			return nil, errors.Wrapf(err, "stat %s", origPath)
		}
		ci.linkDest = linkDest
	case fi.IsDir():
		ci.isDir = true
		if err := ci.loadChildren(opts); err != nil {
			return nil, err
		}
	}
	return ci, nil
}

func (ci *CopyInfo) loadChildren(opts Options) error {
	entries, err := os.ReadDir(ci.realPath)
	if err != nil {
		return errors.Wrapf(err, "reading directory %s", ci.OrigPath)
	}
	for _, entry := range entries {
		childOrig := path.Join(ci.OrigPath, entry.Name())
		child := &CopyInfo{
			OrigPath: childOrig,
			DestPath: path.Join(ci.DestPath, entry.Name()),
			realPath: ci.realPath + "/" + entry.Name(),
		}
		switch {
		case entry.Type()&os.ModeSymlink != 0:
			linkDest, err := os.Readlink(child.realPath)
			if err != nil {
				return errors.Wrapf(err, "stat %s", childOrig)
			}
			child.linkDest = linkDest
		case entry.IsDir():
			child.isDir = true
			if err := child.loadChildren(opts); err != nil {
				return err
			}
		}
		ci.Children = append(ci.Children, child)
	}
	return nil
}

// infosForWildcardCopy expands a glob pattern against the extracted context,
// walking the directory tree one pattern component at a time. Intermediate
// components match directories only; the final component matches files too.
func infosForWildcardCopy(pattern string, dest *Dest, opts Options) ([]*CopyInfo, error) {
	comps := strings.Split(path.Clean(pattern), "/")
	if len(comps) > 0 && (comps[0] == ".." || comps[0] == ".") {
		return nil, errdefs.ForbiddenPath(errors.New(paths.ForbiddenPathPrefix + pattern))
	}

	level := []string{""}
	for i, comp := range comps {
		last := i == len(comps)-1
		var next []string
		for _, parent := range level {
			parentReal, err := paths.ResolveUnderRoot("/"+parent, opts.ContextDir)
			if err != nil {
				return nil, err
			}
			entries, err := os.ReadDir(parentReal)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, errors.Wrapf(err, "reading directory %s", parent)
			}
			for _, entry := range entries {
				matched, err := path.Match(comp, entry.Name())
				if err != nil {
					return nil, errdefs.Input(errors.Wrapf(err, "bad wildcard %s", pattern))
				}
				if !matched {
					continue
				}
				childRel := path.Join(parent, entry.Name())
				if !last {
					childReal, err := paths.ResolveUnderRoot("/"+childRel, opts.ContextDir)
					if err != nil {
						return nil, err
					}
					fi, err := os.Stat(childReal)
					if err != nil || !fi.IsDir() {
						continue
					}
				}
				next = append(next, childRel)
			}
		}
		level = next
		if len(level) == 0 {
			return nil, nil
		}
	}

	sort.Strings(level)
	var infos []*CopyInfo
	for _, match := range level {
		ci, err := infoForPath(match, dest, opts)
		if err != nil {
			return nil, err
		}
		infos = append(infos, ci)
	}
	return infos, nil
}

// destPathFor computes the absolute inside-container destination of one
// source. A directory destination appends the source basename; otherwise the
// destination names the target itself.
func destPathFor(origPath string, dest *Dest) string {
	if dest.DirIntent {
		base := path.Base("/" + origPath)
		if base == "/" {
			return path.Join("/", strings.TrimSuffix(dest.Inside, "/"))
		}
		return path.Join("/", strings.TrimSuffix(dest.Inside, "/"), base)
	}
	return path.Clean(dest.Inside)
}

func containsWildcards(name string) bool {
	for i := 0; i < len(name); i++ {
		ch := name[i]
		if ch == '\\' {
			i++
			continue
		}
		if ch == '*' || ch == '?' || ch == '[' {
			return true
		}
	}
	return false
}
