package builder_test

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	"github.com/buildforge/dockerbuild/pkg/builder"
	"github.com/buildforge/dockerbuild/pkg/errdefs"
	"github.com/buildforge/dockerbuild/pkg/image"
	"github.com/buildforge/dockerbuild/pkg/task"
	h "github.com/buildforge/dockerbuild/testhelpers"
)

func TestSession(t *testing.T) {
	spec.Run(t, "testSession", testSession, spec.Report(report.Terminal{}))
}

// buildEnv wires a session against a real context tarball, a recording event
// stream, and a fake host.
type buildEnv struct {
	workDir    string
	rootDir    string
	contextTar string
	handler    *fakeHost
	events     *recordingEvents
}

func newBuildEnv(t *testing.T, files map[string]string) *buildEnv {
	t.Helper()
	tmp := t.TempDir()
	env := &buildEnv{
		workDir:    filepath.Join(tmp, "work"),
		rootDir:    filepath.Join(tmp, "root"),
		contextTar: filepath.Join(tmp, "context.tar"),
		handler:    newFakeHost(t),
		events:     &recordingEvents{},
	}
	h.AssertNil(t, os.MkdirAll(env.workDir, 0o755))
	h.AssertNil(t, os.MkdirAll(env.rootDir, 0o755))
	h.CreateTarFromFiles(t, env.contextTar, files)
	return env
}

func (e *buildEnv) options() builder.SessionOptions {
	return builder.SessionOptions{
		WorkDir:          e.workDir,
		ContainerRootDir: e.rootDir,
		ContextFilepath:  e.contextTar,
		Handler:          e.handler,
		Events:           e.events,
	}
}

func (e *buildEnv) build(t *testing.T, mod func(*builder.SessionOptions)) ([]*image.Layer, error) {
	t.Helper()
	opts := e.options()
	if mod != nil {
		mod(&opts)
	}
	session, err := builder.New(opts)
	h.AssertNil(t, err)
	return session.Run(context.Background())
}

func testSession(t *testing.T, when spec.G, it spec.S) {
	when("hello world", func() {
		it("builds four layers and runs the command", func() {
			env := newBuildEnv(t, map[string]string{
				"Dockerfile": "FROM scratch\nCOPY hello /\nCMD /hello\nRUN /hello how are you\n",
				"hello":      "#!/usr/bin/bash\necho hello\n",
			})

			layers, err := env.build(t, nil)
			h.AssertNil(t, err)
			h.AssertEq(t, len(layers), 4)

			out := env.events.String()
			h.AssertTrue(t, strings.HasPrefix(out, "Step 1/4 : FROM scratch\n --->\n"))
			h.AssertContains(t, out, "Step 2/4 : COPY hello /\n")
			h.AssertContains(t, out, "Step 3/4 : CMD /hello\n")
			h.AssertContains(t, out, "Step 4/4 : RUN /hello how are you\n")
			h.AssertMatch(t, out, ` ---> Running in [0-9a-f]{12}\n`)
			h.AssertMatch(t, out, `Successfully built [0-9a-f]{12}\n$`)

			h.AssertEq(t, len(env.handler.runs), 1)
			run := env.handler.runs[0]
			h.AssertEq(t, run.Cmd, []string{"/hello", "how", "are", "you"})
			h.AssertEq(t, run.WorkDir, "/")
			foundPath := false
			for _, kv := range run.Env {
				if strings.HasPrefix(kv, "PATH=") {
					foundPath = true
				}
			}
			h.AssertTrue(t, foundPath)

			// the context file was materialized under the container root
			data, err := os.ReadFile(filepath.Join(env.rootDir, "hello"))
			h.AssertNil(t, err)
			h.AssertContains(t, string(data), "echo hello")

			// layer chain and nop divergence
			for i, layer := range layers {
				if i == 0 {
					continue
				}
				h.AssertEq(t, layer.Image.Parent, layers[i-1].Image.ID)
				if fmt.Sprint(layer.Image.ContainerConfig.Cmd) == fmt.Sprint(layer.Image.Config.Cmd) {
					t.Fatalf("layer %d: container_config.Cmd must diverge from config.Cmd", i)
				}
			}
		})
	})

	when("WORKDIR", func() {
		it("normalizes the working directory", func() {
			env := newBuildEnv(t, map[string]string{
				"Dockerfile": "FROM scratch\nWORKDIR /test/../foo/\n",
			})

			layers, err := env.build(t, nil)
			h.AssertNil(t, err)
			h.AssertEq(t, layers[len(layers)-1].Image.Config.WorkingDir, "/foo")
		})

		it("joins relative directories", func() {
			env := newBuildEnv(t, map[string]string{
				"Dockerfile": "FROM scratch\nWORKDIR /a\nWORKDIR b/c\n",
			})

			layers, err := env.build(t, nil)
			h.AssertNil(t, err)
			h.AssertEq(t, layers[len(layers)-1].Image.Config.WorkingDir, "/a/b/c")
		})
	})

	when("EXPOSE", func() {
		it("flattens port ranges with the tcp default", func() {
			env := newBuildEnv(t, map[string]string{
				"Dockerfile": "FROM scratch\nEXPOSE 2374 2375 7000 8000-8010\n",
			})

			layers, err := env.build(t, nil)
			h.AssertNil(t, err)

			ports := layers[len(layers)-1].Image.Config.ExposedPorts
			h.AssertEq(t, len(ports), 14)
			for port := range ports {
				h.AssertTrue(t, strings.HasSuffix(port, "/tcp"))
			}
		})

		it("fails on an inverted range", func() {
			env := newBuildEnv(t, map[string]string{
				"Dockerfile": "FROM scratch\nEXPOSE 8010-8000\n",
			})

			_, err := env.build(t, nil)
			h.AssertError(t, err, "Invalid port range: 8010-8000")
			h.AssertTrue(t, errdefs.IsInput(err))
		})
	})

	when("forbidden paths", func() {
		it("rejects sources that escape the build context", func() {
			env := newBuildEnv(t, map[string]string{
				"Dockerfile": "FROM scratch\nCOPY ../../etc/passwd /\n",
			})

			_, err := env.build(t, nil)
			h.AssertError(t, err, "Forbidden path outside the build context: ../../")
			h.AssertTrue(t, errdefs.IsForbiddenPath(err))

			h.AssertContains(t, env.events.String(), "ERROR: ")
		})
	})

	when("variable expansion", func() {
		it("expands env and args, keeping empty modifiers verbatim", func() {
			env := newBuildEnv(t, map[string]string{
				"Dockerfile": "FROM scratch\n" +
					"ARG FROM=hello\n" +
					"ENV TO=/world\n" +
					"ENV abc=zzz def=${abc:}\n" +
					"ENV src=${FROM} dst=${TO}\n",
			})

			layers, err := env.build(t, nil)
			h.AssertNil(t, err)

			finalEnv := layers[len(layers)-1].Image.Config.Env
			h.AssertEq(t, finalEnv, []string{
				"TO=/world",
				"abc=zzz",
				"def=${abc:}",
				"src=hello",
				"dst=/world",
			})
		})

		it("prefers config.Env over build-args on collision", func() {
			env := newBuildEnv(t, map[string]string{
				"Dockerfile": "FROM scratch\n" +
					"ARG name=arg-value\n" +
					"ENV name=env-value\n" +
					"ENV result=${name}\n",
			})

			layers, err := env.build(t, nil)
			h.AssertNil(t, err)

			value, ok := layers[len(layers)-1].Image.Config.LookupEnv("result")
			h.AssertTrue(t, ok)
			h.AssertEq(t, value, "env-value")
		})
	})

	when("build args", func() {
		it("fails when a CLI build-arg is never declared", func() {
			env := newBuildEnv(t, map[string]string{
				"Dockerfile": "FROM scratch\nENV a=b\n",
			})

			extra := "1"
			_, err := env.build(t, func(opts *builder.SessionOptions) {
				opts.BuildArgs = map[string]*string{"EXTRA": &extra}
			})
			h.AssertError(t, err, "One or more build-args")
			h.AssertTrue(t, errdefs.IsUnconsumedBuildArg(err))
		})

		it("lets CLI values override ARG defaults", func() {
			env := newBuildEnv(t, map[string]string{
				"Dockerfile": "FROM scratch\nARG who=world\nENV greeting=hello-${who}\n",
			})

			who := "go"
			layers, err := env.build(t, func(opts *builder.SessionOptions) {
				opts.BuildArgs = map[string]*string{"who": &who}
			})
			h.AssertNil(t, err)

			value, _ := layers[len(layers)-1].Image.Config.LookupEnv("greeting")
			h.AssertEq(t, value, "hello-go")
		})

		it("never requires proxy variables to be declared", func() {
			env := newBuildEnv(t, map[string]string{
				"Dockerfile": "FROM scratch\nENV a=b\n",
			})

			proxy := "http://proxy:3128"
			_, err := env.build(t, func(opts *builder.SessionOptions) {
				opts.BuildArgs = map[string]*string{"HTTP_PROXY": &proxy}
			})
			h.AssertNil(t, err)
		})

		it("embeds declared args into the RUN cache key", func() {
			env := newBuildEnv(t, map[string]string{
				"Dockerfile": "FROM scratch\nARG who=world\nRUN true\n",
			})

			layers, err := env.build(t, nil)
			h.AssertNil(t, err)

			runLayer := layers[len(layers)-1]
			h.AssertEq(t, runLayer.Image.ContainerConfig.Cmd,
				[]string{"|1", "who=world", "/bin/sh", "-c", "true"})
		})
	})

	when("input validation", func() {
		it("requires FROM first", func() {
			env := newBuildEnv(t, map[string]string{
				"Dockerfile": "RUN true\n",
			})

			_, err := env.build(t, nil)
			h.AssertError(t, err, "Please provide a source image with `from` prior to commit")
		})

		it("rejects unknown instructions", func() {
			env := newBuildEnv(t, map[string]string{
				"Dockerfile": "FROM scratch\nFOOBAR baz\n",
			})

			_, err := env.build(t, nil)
			h.AssertError(t, err, "Unknown instruction: FOOBAR")
		})

		it("rejects an empty Dockerfile", func() {
			env := newBuildEnv(t, map[string]string{
				"Dockerfile": "\n",
			})

			_, err := env.build(t, nil)
			h.AssertError(t, err, "The Dockerfile (Dockerfile) cannot be empty")
		})

		it("fails when no Dockerfile exists", func() {
			env := newBuildEnv(t, map[string]string{
				"other.txt": "hi",
			})

			_, err := env.build(t, nil)
			h.AssertError(t, err, "Cannot locate specified Dockerfile: Dockerfile")
			h.AssertTrue(t, errdefs.IsNotFound(err))
		})

		it("falls back to the lowercase dockerfile name", func() {
			env := newBuildEnv(t, map[string]string{
				"dockerfile": "FROM scratch\nENV a=b\n",
			})

			_, err := env.build(t, nil)
			h.AssertNil(t, err)
		})

		it("fails a build that produces no image", func() {
			env := newBuildEnv(t, map[string]string{
				"Dockerfile": "FROM scratch\n",
			})

			_, err := env.build(t, nil)
			h.AssertError(t, err, "No image was generated. Is your Dockerfile empty?")
		})

		it("fails when a run command exits non-zero", func() {
			env := newBuildEnv(t, map[string]string{
				"Dockerfile": "FROM scratch\nRUN false\n",
			})
			env.handler.runFn = func(*task.Run) (*task.RunResult, error) {
				return &task.RunResult{ExitCode: 2}, nil
			}

			_, err := env.build(t, nil)
			h.AssertError(t, err, "The command 'false' returned a non-zero code: 2")
			h.AssertTrue(t, errdefs.IsExecFailure(err))
		})
	})

	when("Dockerfile size", func() {
		const maxSize = 10 * 1024 * 1024

		pad := func(content string, size int) string {
			return content + strings.Repeat("\n", size-len(content))
		}

		it("accepts exactly the maximum size", func() {
			env := newBuildEnv(t, map[string]string{
				"Dockerfile": pad("FROM scratch\nENV a=b\n", maxSize),
			})

			_, err := env.build(t, nil)
			h.AssertNil(t, err)
		})

		it("rejects one byte over the maximum", func() {
			env := newBuildEnv(t, map[string]string{
				"Dockerfile": pad("FROM scratch\nENV a=b\n", maxSize+1),
			})

			_, err := env.build(t, nil)
			h.AssertError(t, err, "Dockerfile is too large")
		})
	})

	when("ADD of an archive", func() {
		it("extracts a lone tar source into the destination", func() {
			payload := filepath.Join(t.TempDir(), "payload.tar")
			h.CreateTarFromFiles(t, payload, map[string]string{"inside.txt": "unpacked"})
			data, err := os.ReadFile(payload)
			h.AssertNil(t, err)

			env := newBuildEnv(t, map[string]string{
				"Dockerfile": "FROM scratch\nADD bundle.tar /opt/\n",
				"bundle.tar": string(data),
			})

			_, err = env.build(t, nil)
			h.AssertNil(t, err)

			got, err := os.ReadFile(filepath.Join(env.rootDir, "opt", "inside.txt"))
			h.AssertNil(t, err)
			h.AssertEq(t, string(got), "unpacked")
		})
	})
}

// contentHash mirrors the inventory file hash format for cache-key tests.
func contentHash(content string) string {
	return fmt.Sprintf("file:%x", sha256.Sum256([]byte(content)))
}
