package builder

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/pkg/errors"

	"github.com/buildforge/dockerbuild/internal/inventory"
	"github.com/buildforge/dockerbuild/pkg/errdefs"
	"github.com/buildforge/dockerbuild/pkg/task"
)

// nopCmdFor computes the canonical cache-key command for an instruction. The
// strings must be byte-identical across runs; they are stored in
// container_config.Cmd and matched against candidate cached images.
func (s *Session) nopCmdFor(cmd *command) ([]string, error) {
	name := strings.ToUpper(cmd.name)

	switch cmd.name {
	case "run":
		wrapped := shellWrap(cmd)
		if envs := s.buildArgs.filteredSorted(); len(envs) > 0 {
			key := append([]string{fmt.Sprintf("|%d", len(envs))}, envs...)
			return append(key, wrapped...), nil
		}
		return wrapped, nil

	case "add", "copy":
		hash, err := inventory.CompositeHash(cmd.copyInfos)
		if err != nil {
			return nil, err
		}
		return []string{"/bin/sh", "-c", fmt.Sprintf("#(nop) %s %s in %s", name, hash, cmd.copyDest.Raw)}, nil

	case "cmd", "entrypoint":
		wrapped := shellWrap(cmd)
		quoted := make([]string, len(wrapped))
		for i, w := range wrapped {
			quoted[i] = fmt.Sprintf("%q", w)
		}
		return []string{"/bin/sh", "-c", fmt.Sprintf("#(nop) %s [%s]", name, strings.Join(quoted, " "))}, nil

	default:
		return []string{"/bin/sh", "-c", fmt.Sprintf("#(nop) %s %s", name, strings.Join(cmd.args, " "))}, nil
	}
}

// probeCache looks for a cached image for the current step. A candidate
// matches when its container_config.Image equals the current parent id, its
// container_config.Cmd deep-equals the step's nop command, and its labels
// deep-equal the current labels. First match wins.
//
// On the first miss after a streak of hits, the host filesystem is restored
// to the last cached image before the instruction runs for real.
func (s *Session) probeCache(ctx context.Context, cmd *command) (bool, error) {
	for _, candidate := range s.opts.ExistingImages {
		if candidate == nil || candidate.ContainerConfig == nil {
			continue
		}
		if candidate.ContainerConfig.Image != s.img.Parent {
			continue
		}
		if !reflect.DeepEqual(candidate.ContainerConfig.Cmd, cmd.nop) {
			continue
		}
		cfgLabels := map[string]string(nil)
		if candidate.Config != nil {
			cfgLabels = candidate.Config.Labels
		}
		if !reflect.DeepEqual(cfgLabels, s.img.Config.Labels) {
			continue
		}

		s.emit(" ---> Using cache\n")
		if candidate.Config != nil {
			s.img.Config = candidate.Config.Clone()
		}
		s.img.ContainerConfig = candidate.ContainerConfig.Clone()
		s.img.ID = candidate.ID
		if candidate.Created != "" {
			s.img.Created = candidate.Created
		}
		s.lastCachedID = candidate.ID
		s.cacheLastCmdCached = true
		s.logger.Debugf("cache hit for %s on %s", strings.ToUpper(cmd.name), candidate.ID)
		return true, nil
	}

	if s.cacheLastCmdCached && s.lastCachedID != "" {
		_, err := s.handler.ImageReprovision(ctx, &task.Reprovision{
			ImageID: s.lastCachedID,
			CmdName: cmd.name,
		})
		if err != nil {
			return false, errdefs.TaskFailure(errors.Wrapf(err, "restoring cached image %s", s.lastCachedID))
		}
		s.events.ImageReprovisioned()
		s.logger.Debugf("restored filesystem to cached image %s", s.lastCachedID)
	}
	s.cacheLastCmdCached = false
	return false, nil
}
