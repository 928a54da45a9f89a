package testhelpers

import (
	"archive/tar"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func RandString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a' + byte(rand.Intn(26))
	}
	return string(b)
}

// Assert deep equality (and provide useful difference as a test failure)
func AssertEq(t *testing.T, actual, expected interface{}) {
	t.Helper()
	if diff := cmp.Diff(actual, expected); diff != "" {
		t.Fatal(diff)
	}
}

func AssertTrue(t *testing.T, actual bool) {
	t.Helper()
	if !actual {
		t.Fatal("expected true")
	}
}

func AssertError(t *testing.T, actual error, expected string) {
	t.Helper()
	if actual == nil {
		t.Fatalf("Expected an error but got nil")
	}
	if !strings.Contains(actual.Error(), expected) {
		t.Fatalf(`Expected error to contain "%s", got "%s"`, expected, actual.Error())
	}
}

func AssertContains(t *testing.T, actual, expected string) {
	t.Helper()
	if !strings.Contains(actual, expected) {
		t.Fatalf("Expected: '%s' inside '%s'", expected, actual)
	}
}

func AssertNotContains(t *testing.T, actual, expected string) {
	t.Helper()
	if strings.Contains(actual, expected) {
		t.Fatalf("Expected: '%s' not inside '%s'", expected, actual)
	}
}

func AssertMatch(t *testing.T, actual string, expected string) {
	t.Helper()
	if !regexp.MustCompile(expected).MatchString(actual) {
		t.Fatalf("Expected: '%s' to match regex '%s'", actual, expected)
	}
}

func AssertNil(t *testing.T, actual interface{}) {
	t.Helper()
	if !isNil(actual) {
		t.Fatalf("Expected nil: %v", actual)
	}
}

func AssertNotNil(t *testing.T, actual interface{}) {
	t.Helper()
	if isNil(actual) {
		t.Fatal("Expected not nil")
	}
}

func isNil(value interface{}) bool {
	return value == nil || (reflect.TypeOf(value).Kind() == reflect.Ptr && reflect.ValueOf(value).IsNil())
}

// TarEntry describes one entry of a test archive.
type TarEntry struct {
	Name     string
	Content  []byte
	Mode     int64
	Typeflag byte
	Linkname string
}

// CreateTar writes a tar archive with the given entries to path. Entries with
// a trailing slash become directories.
func CreateTar(t *testing.T, path string, entries []TarEntry) {
	t.Helper()
	f, err := os.Create(path)
	AssertNil(t, err)
	defer f.Close()

	tw := tar.NewWriter(f)
	defer tw.Close()

	for _, entry := range entries {
		hdr := &tar.Header{
			Name:     entry.Name,
			Mode:     entry.Mode,
			Typeflag: entry.Typeflag,
			Linkname: entry.Linkname,
			Size:     int64(len(entry.Content)),
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0644
		}
		if hdr.Typeflag == 0 && strings.HasSuffix(entry.Name, "/") {
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0755
		}
		if hdr.Typeflag == 0 {
			hdr.Typeflag = tar.TypeReg
		}
		AssertNil(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg && len(entry.Content) > 0 {
			_, err = tw.Write(entry.Content)
			AssertNil(t, err)
		}
	}
}

// CreateTarFromFiles writes file contents (by relative name) into a tar at
// path, adding one directory entry for each file's immediate parent
// directory. Further ancestors get no entry of their own.
func CreateTarFromFiles(t *testing.T, path string, files map[string]string) {
	t.Helper()
	var entries []TarEntry
	seenDirs := map[string]bool{}
	var names []string
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dir := filepath.Dir(name)
		if dir != "." && !seenDirs[dir] {
			seenDirs[dir] = true
			entries = append(entries, TarEntry{Name: dir + "/"})
		}
		entries = append(entries, TarEntry{Name: name, Content: []byte(files[name])})
	}
	CreateTar(t, path, entries)
}
