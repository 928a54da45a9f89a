package builder

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/buildforge/dockerbuild/pkg/errdefs"
)

// builtinAllowedBuildArgs are always usable without an ARG declaration and
// are never reported as unconsumed.
var builtinAllowedBuildArgs = map[string]bool{
	"HTTP_PROXY":  true,
	"http_proxy":  true,
	"HTTPS_PROXY": true,
	"https_proxy": true,
	"FTP_PROXY":   true,
	"ftp_proxy":   true,
	"NO_PROXY":    true,
	"no_proxy":    true,
}

// buildArgs tracks ARG declarations against the CLI-supplied build-args.
// effective holds every declared arg with its current value; consumed holds
// the args both declared and supplied on the CLI. A nil value means the arg
// was declared without a default.
type buildArgs struct {
	cli       map[string]*string
	consumed  map[string]*string
	effective map[string]*string
}

func newBuildArgs(cli map[string]*string) *buildArgs {
	b := &buildArgs{
		cli:       map[string]*string{},
		consumed:  map[string]*string{},
		effective: map[string]*string{},
	}
	for name := range builtinAllowedBuildArgs {
		b.effective[name] = nil
	}
	for k, v := range cli {
		if builtinAllowedBuildArgs[k] {
			b.effective[k] = v
			b.consumed[k] = v
			continue
		}
		b.cli[k] = v
	}
	return b
}

// declare registers an ARG. A CLI-supplied value overrides the default and
// marks the arg consumed.
func (b *buildArgs) declare(name string, def *string) {
	if v, ok := b.cli[name]; ok {
		b.effective[name] = v
		b.consumed[name] = v
		delete(b.cli, name)
		return
	}
	b.effective[name] = def
}

// validate fails when CLI-supplied build-args were never declared by an ARG.
func (b *buildArgs) validate() error {
	if len(b.cli) == 0 {
		return nil
	}
	names := make([]string, 0, len(b.cli))
	for name := range b.cli {
		names = append(names, name)
	}
	sort.Strings(names)
	return errdefs.UnconsumedBuildArg(errors.Errorf("One or more build-args %v were not consumed, failing build.", names))
}

// filteredSorted returns the effective args with non-nil values as sorted
// "K=V" entries, the form embedded in RUN cache keys.
func (b *buildArgs) filteredSorted() []string {
	entries := make([]string, 0, len(b.effective))
	for k, v := range b.effective {
		if v == nil {
			continue
		}
		entries = append(entries, k+"="+*v)
	}
	sort.Strings(entries)
	return entries
}

// parseArgDeclaration splits an ARG token into name and optional default.
func parseArgDeclaration(arg string) (string, *string) {
	if name, value, ok := strings.Cut(arg, "="); ok {
		return name, &value
	}
	return arg, nil
}
