package inventory

import (
	"io"
	"os"
	"strings"

	"github.com/docker/docker/pkg/archive"
	"github.com/pkg/errors"
)

// sniffArchive reports whether the file at realPath is a tar archive eligible
// for ADD auto-extraction: a ".tar" by extension, or a file whose leading
// bytes indicate bzip2, gzip, or xz compression.
func sniffArchive(realPath, origPath string) (bool, string, error) {
	if strings.HasSuffix(realPath, ".tar") {
		return true, "", nil
	}

	f, err := os.Open(realPath)
	if err != nil {
		return false, "", errors.Wrapf(err, "reading %s", origPath)
	}
	defer f.Close()

	head := make([]byte, 10)
	n, err := f.Read(head)
	if err != nil && err != io.EOF {
		return false, "", errors.Wrapf(err, "reading %s", origPath)
	}

	switch archive.DetectCompression(head[:n]) {
	case archive.Gzip:
		return true, "gzip", nil
	case archive.Bzip2:
		return true, "bzip2", nil
	case archive.Xz:
		return true, "xz", nil
	}
	return false, "", nil
}
