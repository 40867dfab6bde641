package apt

import (
	"compress/bzip2"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/ulikunitz/xz"
)

// ErrUnsupportedCompression is reported when none of the known compression
// variants of a base path exist on disk.
var ErrUnsupportedCompression = errors.New("no supported compression variant found")

// Unzip materializes basePath from whichever of basePath+".xz",
// basePath+".gz" or basePath+".bz2" is present, trying them in that order
// (xz is preferred per the archive-format recommendation). It returns
// basePath, the path the decoded content was written to, or
// ErrUnsupportedCompression if none exist.
//
// The original aptutil/refrapt codebases carried two divergent helpers for
// this: one that logged a warning on an unsupported variant, one that
// returned an error. debrsync keeps the "return error, let the caller log"
// contract (see DESIGN.md).
func Unzip(basePath string) (string, error) {
	variants := []struct {
		ext    string
		opener func(io.Reader) (io.Reader, error)
	}{
		{".xz", func(r io.Reader) (io.Reader, error) { return xz.NewReader(r) }},
		{".gz", func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) }},
		{".bz2", func(r io.Reader) (io.Reader, error) { return bzip2.NewReader(r), nil }},
	}

	for _, v := range variants {
		srcPath := basePath + v.ext
		src, err := os.Open(srcPath) // #nosec G304 - basePath is a sanitized on-disk path owned by the caller
		switch {
		case os.IsNotExist(err):
			continue
		case err != nil:
			return "", errors.Wrap(err, "Unzip: open "+srcPath)
		}

		decoded, err := decodeTo(src, basePath, v.opener)
		closeErr := src.Close()
		if err != nil {
			return "", errors.Wrap(err, "Unzip: decode "+srcPath)
		}
		if closeErr != nil {
			return "", errors.Wrap(closeErr, "Unzip: close "+srcPath)
		}
		return decoded, nil
	}

	return "", errors.Wrapf(ErrUnsupportedCompression, "%s", basePath)
}

func decodeTo(src *os.File, destPath string, opener func(io.Reader) (io.Reader, error)) (string, error) {
	reader, err := opener(src)
	if err != nil {
		return "", err
	}

	dst, err := os.CreateTemp(destPathDir(destPath), ".decompress-*")
	if err != nil {
		return "", err
	}
	defer func() {
		_ = dst.Close()
		_ = os.Remove(dst.Name())
	}()

	if _, err := io.Copy(dst, reader); err != nil {
		return "", err
	}
	if err := dst.Sync(); err != nil {
		return "", err
	}
	if err := dst.Close(); err != nil {
		return "", err
	}
	if err := os.Chmod(dst.Name(), 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(dst.Name(), destPath); err != nil {
		return "", err
	}
	return destPath, nil
}

func destPathDir(destPath string) string {
	return filepath.Dir(destPath)
}
