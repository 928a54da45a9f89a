package host_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	"github.com/buildforge/dockerbuild/pkg/errdefs"
	"github.com/buildforge/dockerbuild/pkg/host"
	"github.com/buildforge/dockerbuild/pkg/task"
	h "github.com/buildforge/dockerbuild/testhelpers"
)

func TestLocal(t *testing.T) {
	spec.Run(t, "testLocal", testLocal, spec.Report(report.Terminal{}))
}

func testLocal(t *testing.T, when spec.G, it spec.S) {
	var (
		handler *host.Local
		tmpDir  string
		destDir string
	)

	it.Before(func() {
		handler = &host.Local{}
		tmpDir = t.TempDir()
		destDir = filepath.Join(tmpDir, "dest")
	})

	readFile := func(name string) string {
		t.Helper()
		data, err := os.ReadFile(filepath.Join(destDir, name))
		h.AssertNil(t, err)
		return string(data)
	}

	when("#ExtractTarfile", func() {
		it("extracts all entries", func() {
			tarPath := filepath.Join(tmpDir, "ctx.tar")
			h.CreateTarFromFiles(t, tarPath, map[string]string{
				"Dockerfile":  "FROM scratch",
				"sub/one.txt": "one",
			})

			err := handler.ExtractTarfile(context.Background(), &task.ExtractTarfile{
				Tarfile:    tarPath,
				ExtractDir: destDir,
			})
			h.AssertNil(t, err)
			h.AssertEq(t, readFile("Dockerfile"), "FROM scratch")
			h.AssertEq(t, readFile("sub/one.txt"), "one")
		})

		it("filters entries by path", func() {
			tarPath := filepath.Join(tmpDir, "ctx.tar")
			h.CreateTarFromFiles(t, tarPath, map[string]string{
				"keep.txt": "kept",
				"skip.txt": "skipped",
			})

			err := handler.ExtractTarfile(context.Background(), &task.ExtractTarfile{
				Tarfile:    tarPath,
				ExtractDir: destDir,
				Paths:      []string{"keep.txt"},
			})
			h.AssertNil(t, err)
			h.AssertEq(t, readFile("keep.txt"), "kept")
			_, err = os.Stat(filepath.Join(destDir, "skip.txt"))
			h.AssertTrue(t, os.IsNotExist(err))
		})

		it("strips leading directories", func() {
			tarPath := filepath.Join(tmpDir, "ctx.tar")
			h.CreateTarFromFiles(t, tarPath, map[string]string{
				"a/b/file.txt": "deep",
			})

			err := handler.ExtractTarfile(context.Background(), &task.ExtractTarfile{
				Tarfile:       tarPath,
				ExtractDir:    destDir,
				Paths:         []string{"a/b/file.txt"},
				StripDirCount: 2,
			})
			h.AssertNil(t, err)
			h.AssertEq(t, readFile("file.txt"), "deep")
		})

		it("renames via the replace pattern", func() {
			tarPath := filepath.Join(tmpDir, "ctx.tar")
			h.CreateTarFromFiles(t, tarPath, map[string]string{
				"orig.txt": "content",
			})

			err := handler.ExtractTarfile(context.Background(), &task.ExtractTarfile{
				Tarfile:        tarPath,
				ExtractDir:     destDir,
				Paths:          []string{"orig.txt"},
				ReplacePattern: "/orig.txt/renamed.txt/",
			})
			h.AssertNil(t, err)
			h.AssertEq(t, readFile("renamed.txt"), "content")
		})

		it("decompresses gzip archives", func() {
			plain := filepath.Join(tmpDir, "plain.tar")
			h.CreateTarFromFiles(t, plain, map[string]string{"z.txt": "zipped"})
			data, err := os.ReadFile(plain)
			h.AssertNil(t, err)

			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			_, err = zw.Write(data)
			h.AssertNil(t, err)
			h.AssertNil(t, zw.Close())
			gzPath := filepath.Join(tmpDir, "ctx.tgz")
			h.AssertNil(t, os.WriteFile(gzPath, buf.Bytes(), 0o644))

			err = handler.ExtractTarfile(context.Background(), &task.ExtractTarfile{
				Tarfile:    gzPath,
				ExtractDir: destDir,
			})
			h.AssertNil(t, err)
			h.AssertEq(t, readFile("z.txt"), "zipped")
		})

		it("refuses entries that escape the extraction directory", func() {
			tarPath := filepath.Join(tmpDir, "evil.tar")
			h.CreateTar(t, tarPath, []h.TarEntry{
				{Name: "../evil.txt", Content: []byte("nope")},
			})

			err := handler.ExtractTarfile(context.Background(), &task.ExtractTarfile{
				Tarfile:    tarPath,
				ExtractDir: destDir,
			})
			h.AssertError(t, err, "escapes extraction directory")
		})
	})

	when("unsupported tasks", func() {
		it("reports run and reprovision as not implemented", func() {
			_, err := handler.Run(context.Background(), &task.Run{Cmd: []string{"true"}})
			h.AssertTrue(t, errdefs.IsNotImplemented(err))

			_, err = handler.ImageReprovision(context.Background(), &task.Reprovision{ImageName: "busybox"})
			h.AssertTrue(t, errdefs.IsNotImplemented(err))
		})
	})
}
