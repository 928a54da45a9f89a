package paths

import (
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/buildforge/dockerbuild/pkg/errdefs"
)

// ForbiddenPathPrefix is the message prefix for any path that would escape the
// sandbox root. The exact text is a compatibility surface.
const ForbiddenPathPrefix = "Forbidden path outside the build context: "

// maxSymlinkResolutions caps how many symbolic links a single lookup may
// traverse before the walk is aborted.
const maxSymlinkResolutions = 20

var schemeRegexp = regexp.MustCompile(`^.+://.*`)

func IsURI(ref string) bool {
	return schemeRegexp.MatchString(ref)
}

// ResolveUnderRoot computes the real path of target inside rootDir, resolving
// directory symlinks against the inside-of-root view so that the result is
// always rootDir itself or strictly contained under it. The target is
// interpreted as an absolute path inside the root; callers join any working
// directory beforehand. A trailing slash on the target survives into the
// result. Components that do not exist yet are appended unresolved so the
// caller may create them later.
func ResolveUnderRoot(target, rootDir string) (string, error) {
	rootDir = filepath.Clean(rootDir)
	wantTrailingSlash := strings.HasSuffix(target, "/") && target != "/"

	comps := normalizeComps(target)
	outside := rootDir
	inside := "/"
	resolutions := 0

	i := 0
	for i < len(comps) {
		c := comps[i]
		next := outside + "/" + c
		if err := assertContained(next, rootDir, target); err != nil {
			return "", err
		}

		fi, err := os.Lstat(next)
		if os.IsNotExist(err) {
			rest := strings.Join(comps[i:], "/")
			resolved := outside + "/" + rest
			if wantTrailingSlash {
				resolved += "/"
			}
			return resolved, nil
		}
		if err != nil {
			return "", errors.Wrapf(err, "resolving %s", target)
		}

		if fi.Mode()&os.ModeSymlink != 0 {
			resolutions++
			if resolutions > maxSymlinkResolutions {
				return "", errdefs.Input(errors.Errorf("Too many symlinks in path: %s", target))
			}
			linkTarget, err := os.Readlink(next)
			if err != nil {
				return "", errors.Wrapf(err, "resolving %s", target)
			}

			rest := strings.Join(comps[i+1:], "/")
			var restarted string
			if path.IsAbs(linkTarget) {
				restarted = linkTarget + "/" + rest
			} else {
				restarted = inside + "/" + linkTarget + "/" + rest
			}
			comps = normalizeComps(restarted)
			outside = rootDir
			inside = "/"
			i = 0
			continue
		}

		outside = next
		inside = path.Join(inside, c)
		i++
	}

	if err := assertContained(outside, rootDir, target); err != nil {
		return "", err
	}
	if wantTrailingSlash && outside != rootDir {
		outside += "/"
	}
	return outside, nil
}

// normalizeComps splits the path into components, dropping empty and "."
// entries and clamping ".." at the root so a parent reference can never climb
// above it.
func normalizeComps(p string) []string {
	var out []string
	for _, c := range strings.Split(p, "/") {
		switch c {
		case "", ".":
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, c)
		}
	}
	return out
}

func assertContained(p, rootDir, target string) error {
	cleaned := filepath.Clean(p)
	if cleaned == rootDir || strings.HasPrefix(cleaned, rootDir+"/") {
		return nil
	}
	return errdefs.ForbiddenPath(errors.New(ForbiddenPathPrefix + target))
}
