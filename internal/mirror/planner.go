package mirror

import (
	"os"
	"path"
	"strings"

	"github.com/debrsync/debrsync/internal/apt"
)

const flatComponent = "_flat"

// PlannerOptions are the configuration flags the Release Planner consults
// when deciding which index-file variants a configuration requires.
type PlannerOptions struct {
	Languages []string
	ByHash    bool
	Contents  bool
	Dep11     bool
}

// PlanIndexFiles reads the Release manifest at manifestPath (InRelease or
// Release, already on disk) and returns the archive-root-relative paths of
// every index file this repository's configuration requires, registering
// Packages/Sources entries into binColl/srcColl as it goes. distPrefix is
// the archive-root-relative directory the manifest lives in ("dists/bookworm"
// for a normal suite, "" for a flat repository). warn receives a message
// for every malformed Release data line encountered.
func PlanIndexFiles(
	repo *RepositoryConfig,
	manifestPath, distPrefix string,
	opts PlannerOptions,
	binColl *BinaryCollection,
	srcColl *SourceCollection,
	warn func(string),
) ([]string, error) {
	f, err := os.Open(manifestPath) // #nosec G304 - manifestPath is derived from the configured mirror root
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sections, err := apt.ParseRelease(f, func(line string) {
		if warn != nil {
			warn("malformed Release data line: " + line)
		}
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var urls []string

	addURL := func(rel string) {
		full := path.Join(distPrefix, rel)
		if _, ok := seen[full]; ok {
			return
		}
		seen[full] = struct{}{}
		urls = append(urls, full)
	}

	// The manifest is logically scanned once per checksum family (SHA256,
	// SHA1, MD5Sum); iterating every family here and deduplicating by
	// archive-relative path produces the same result as three independent
	// passes that union their output, without three reads of the file.
	for family, entries := range sections {
		for _, entry := range entries {
			kind, component, architecture, ok := classify(repo, entry.Filename, opts)
			if !ok {
				continue
			}

			addURL(entry.Filename)

			switch kind {
			case matchBinaryPackages:
				binColl.Add(component, architecture, path.Join(distPrefix, entry.Filename))
			case matchSourceSources:
				srcColl.Add(component, path.Join(distPrefix, entry.Filename))
			}

			if opts.ByHash {
				byHashRel := path.Join(path.Dir(entry.Filename), "by-hash", family, entry.Checksum)
				addURL(byHashRel)
			}
		}
	}

	return urls, nil
}

type matchKind int

const (
	matchOther matchKind = iota
	matchBinaryPackages
	matchSourceSources
)

// classify decides whether filename (an archive-root-relative path taken
// from a Release manifest's checksum sections) is required by repo's
// configuration, and if so what kind of index entry (if any) it is.
func classify(repo *RepositoryConfig, filename string, opts PlannerOptions) (kind matchKind, component, architecture string, ok bool) {
	if repo.IsFlat() {
		base := rawBase(filename)
		switch base {
		case "Packages":
			return matchBinaryPackages, flatComponent, "", true
		case "Sources":
			return matchSourceSources, flatComponent, "", true
		default:
			return matchOther, flatComponent, "", true
		}
	}

	dir := path.Dir(filename)
	base := rawBase(filename)

	for _, comp := range repo.Components {
		cleanComp := path.Clean(comp)

		for _, arch := range repo.Architectures {
			binDir := path.Join(cleanComp, "binary-"+arch)
			if dir == binDir && base == "Release" {
				return matchOther, cleanComp, arch, true
			}
			if dir == binDir && base == "Packages" {
				return matchBinaryPackages, cleanComp, arch, true
			}
			if dir == path.Join(cleanComp, "cnf") && base == "Commands-"+arch {
				return matchOther, cleanComp, arch, true
			}
			if dir == path.Join(cleanComp, "i18n", "cnf") && base == "Commands-"+arch {
				return matchOther, cleanComp, arch, true
			}
			if opts.Contents {
				if filename == "Contents-"+arch || filename == path.Join(cleanComp, "Contents-"+arch) {
					return matchOther, cleanComp, arch, true
				}
			}
			if opts.Dep11 {
				dep11Dir := path.Join(cleanComp, "dep11")
				if dir == dep11Dir && base == "Components-"+arch+".yml" {
					return matchOther, cleanComp, arch, true
				}
				if dir == dep11Dir && strings.HasPrefix(base, "icons-") && strings.HasSuffix(base, ".tar") {
					return matchOther, cleanComp, arch, true
				}
			}
		}

		if dir == path.Join(cleanComp, "i18n") && base == "Index" {
			return matchOther, cleanComp, "", true
		}
		for _, lang := range opts.Languages {
			if dir == path.Join(cleanComp, "i18n") && base == "Translation-"+lang {
				return matchOther, cleanComp, "", true
			}
		}

		if repo.Kind == KindSource {
			srcDir := path.Join(cleanComp, "source")
			if dir == srcDir && base == "Release" {
				return matchOther, cleanComp, "", true
			}
			if dir == srcDir && base == "Sources" {
				return matchSourceSources, cleanComp, "", true
			}
		}
	}

	return matchOther, "", "", false
}

// rawBase returns the base name of p with any compression extension
// stripped, so "Packages.xz" and "Packages" both compare equal to
// "Packages".
func rawBase(p string) string {
	return stripCompressionExt(path.Base(p))
}
