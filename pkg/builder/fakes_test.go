package builder_test

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"github.com/buildforge/dockerbuild/pkg/errdefs"
	"github.com/buildforge/dockerbuild/pkg/host"
	"github.com/buildforge/dockerbuild/pkg/task"
)

// fakeHost records every task and delegates extraction to the real local
// handler so builds materialize files for real. Run and reprovision behavior
// is supplied per test.
type fakeHost struct {
	t     *testing.T
	local *host.Local

	extracts     []*task.ExtractTarfile
	runs         []*task.Run
	reprovisions []*task.Reprovision

	runFn         func(*task.Run) (*task.RunResult, error)
	reprovisionFn func(*task.Reprovision) (*task.ReprovisionResult, error)
}

func newFakeHost(t *testing.T) *fakeHost {
	return &fakeHost{t: t, local: &host.Local{}}
}

func (f *fakeHost) ExtractTarfile(ctx context.Context, t *task.ExtractTarfile) error {
	f.extracts = append(f.extracts, t)
	return f.local.ExtractTarfile(ctx, t)
}

func (f *fakeHost) ImageReprovision(_ context.Context, t *task.Reprovision) (*task.ReprovisionResult, error) {
	f.reprovisions = append(f.reprovisions, t)
	if f.reprovisionFn != nil {
		return f.reprovisionFn(t)
	}
	if t.ImageID != "" {
		// cache restore; nothing to apply in tests
		return &task.ReprovisionResult{}, nil
	}
	return nil, errdefs.NotImplemented(errors.Errorf("no host handler for image %s", t.ImageName))
}

func (f *fakeHost) Run(_ context.Context, t *task.Run) (*task.RunResult, error) {
	f.runs = append(f.runs, t)
	if f.runFn != nil {
		return f.runFn(t)
	}
	return &task.RunResult{ExitCode: 0}, nil
}

// recordingEvents captures the stdout message stream.
type recordingEvents struct {
	sync.Mutex
	buf           bytes.Buffer
	reprovisioned int
}

func (e *recordingEvents) Message(msg string) {
	e.Lock()
	defer e.Unlock()
	e.buf.WriteString(msg)
}

func (e *recordingEvents) ImageReprovisioned() {
	e.Lock()
	defer e.Unlock()
	e.reprovisioned++
}

func (e *recordingEvents) String() string {
	e.Lock()
	defer e.Unlock()
	return e.buf.String()
}
