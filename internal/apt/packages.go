package apt

import (
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Package is one artifact an index file declares: a binary .deb (from a
// Packages paragraph) or a source file (from a Sources paragraph's Files
// field). It carries no Latest flag: internal/mirror.Package adds that,
// since whether a file is already mirrored is a storage concern, not a
// parsing one.
type Package struct {
	RelativeFilename string
	Size             int64
}

// ParseIndex reads an index file (Packages or Sources format) already
// decompressed on disk and returns every artifact it declares, each path
// joined onto componentRoot (internal/mirror.Repository passes the
// repository's sanitized archive root, which Filename and Directory fields
// are relative to).
func ParseIndex(componentRoot string, r io.Reader) ([]Package, error) {
	paragraphs, err := ParseParagraphs(r)
	if err != nil {
		return nil, errors.Wrap(err, "ParseIndex")
	}

	var packages []Package
	for _, p := range paragraphs {
		switch {
		case p["Filename"] != "":
			pkg, err := binaryPackage(componentRoot, p)
			if err != nil {
				return nil, err
			}
			packages = append(packages, pkg)

		case p["Files"] != "":
			pkgs, err := sourcePackages(componentRoot, p)
			if err != nil {
				return nil, err
			}
			packages = append(packages, pkgs...)
		}
	}
	return packages, nil
}

func binaryPackage(componentRoot string, p Paragraph) (Package, error) {
	size, err := strconv.ParseInt(strings.TrimSpace(p["Size"]), 10, 64)
	if err != nil {
		return Package{}, errors.Wrap(err, "ParseIndex: invalid Size")
	}
	filename := Normalize(p["Filename"])
	return Package{
		RelativeFilename: path.Join(componentRoot, filename),
		Size:             size,
	}, nil
}

// sourcePackages splits the multi-line "Files" field of a Sources
// paragraph: each non-empty line is "<checksum> <size> <filename>".
func sourcePackages(componentRoot string, p Paragraph) ([]Package, error) {
	directory := Normalize(p["Directory"])

	var packages []Package
	for _, line := range strings.Split(p["Files"], "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, errors.Newf("ParseIndex: malformed Files line %q", line)
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "ParseIndex: invalid Files size")
		}
		packages = append(packages, Package{
			RelativeFilename: path.Join(componentRoot, directory, fields[2]),
			Size:             size,
		})
	}
	return packages, nil
}
