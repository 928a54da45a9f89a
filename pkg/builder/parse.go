package builder

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/moby/buildkit/frontend/dockerfile/parser"
	"github.com/pkg/errors"

	"github.com/buildforge/dockerbuild/internal/inventory"
	"github.com/buildforge/dockerbuild/pkg/errdefs"
)

// command is one parsed Dockerfile instruction plus its per-step context.
type command struct {
	name   string
	args   []string
	json   bool
	raw    string
	lineno int

	// sub is the embedded instruction of an ONBUILD.
	sub *command

	// per-step context, populated as the step advances
	copyInfos []*inventory.CopyInfo
	copyDest  *inventory.Dest
	nop       []string
	isCached  bool
}

func parseDockerfile(r io.Reader) ([]*command, error) {
	res, err := parser.Parse(r)
	if err != nil {
		return nil, errdefs.Input(err)
	}
	cmds := make([]*command, 0, len(res.AST.Children))
	for _, node := range res.AST.Children {
		cmd, err := newCommand(node)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// parseLine parses a single instruction line, as used for commit mode and
// ONBUILD trigger replay.
func parseLine(line string) (*command, error) {
	cmds, err := parseDockerfile(strings.NewReader(line))
	if err != nil {
		return nil, err
	}
	if len(cmds) != 1 {
		return nil, errdefs.Input(errors.Errorf("expected one instruction, got %d: %s", len(cmds), line))
	}
	return cmds[0], nil
}

func newCommand(node *parser.Node) (*command, error) {
	cmd := &command{
		name:   strings.ToLower(node.Value),
		raw:    node.Original,
		lineno: node.StartLine,
		json:   node.Attributes["json"],
	}
	if _, ok := handlers[cmd.name]; !ok {
		return nil, errdefs.Input(errors.Errorf("Unknown instruction: %s", strings.ToUpper(cmd.name)))
	}

	if cmd.name == "onbuild" {
		if node.Next == nil || len(node.Next.Children) == 0 {
			return nil, errdefs.Input(errors.New("ONBUILD requires at least one argument"))
		}
		sub, err := newCommand(node.Next.Children[0])
		if err != nil {
			return nil, err
		}
		sub.raw = triggerText(node.Original)
		cmd.sub = sub
		cmd.args = []string{sub.raw}
		return cmd, nil
	}

	for n := node.Next; n != nil; n = n.Next {
		cmd.args = append(cmd.args, n.Value)
	}
	return cmd, nil
}

// triggerText strips the leading ONBUILD keyword from the raw line, leaving
// the embedded instruction as written.
func triggerText(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if i := strings.IndexAny(trimmed, " \t"); i >= 0 {
		return strings.TrimSpace(trimmed[i:])
	}
	return ""
}

// renderCommand reconstructs the instruction for the Step progress line: the
// instruction name uppercased, arguments as written.
func renderCommand(cmd *command) string {
	raw := strings.TrimSpace(cmd.raw)
	if raw == "" {
		return strings.ToUpper(cmd.name)
	}
	if i := strings.IndexAny(raw, " \t"); i >= 0 {
		return strings.ToUpper(raw[:i]) + " " + strings.TrimSpace(raw[i:])
	}
	return strings.ToUpper(raw)
}

// renderTrigger reconstructs an ONBUILD trigger line from its embedded
// command after argument expansion.
func renderTrigger(sub *command) string {
	name := strings.ToUpper(sub.name)
	if len(sub.args) == 0 {
		return name
	}
	if sub.json {
		encoded, err := json.Marshal(sub.args)
		if err == nil {
			return name + " " + string(encoded)
		}
	}
	return name + " " + strings.Join(sub.args, " ")
}

// shellWrap returns the config value for CMD, ENTRYPOINT, and the RUN cache
// key: JSON-form arguments pass through, shell form wraps as a /bin/sh
// invocation.
func shellWrap(cmd *command) []string {
	if cmd.json {
		return append([]string(nil), cmd.args...)
	}
	return []string{"/bin/sh", "-c", strings.Join(cmd.args, " ")}
}
