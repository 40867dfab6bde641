package mirror

import (
	"os"
	"path"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/debrsync/debrsync/internal/apt"
)

// releaseCandidates lists the manifest filenames a repository is probed
// for, in preference order: InRelease (the clearsigned combined form)
// before the plain Release (spec §4.7).
var releaseCandidates = []string{"InRelease", "Release"}

// Package is one file a parsed Packages/Sources index references.
type Package struct {
	RelativeFilename string
	Size             int64
	// Latest reports that the file needs no download: the caller forced it,
	// or the published copy already has the declared size (and force-update
	// is not in effect).
	Latest bool
}

// Repository is one configured "deb"/"deb-src" line together with the
// Index Collection it has discovered so far.
type Repository struct {
	Config *RepositoryConfig
	Bin    *BinaryCollection
	Src    *SourceCollection

	manifestRel string // unused: no method assigns or reads it
}

// NewRepository constructs a Repository with empty Index Collections.
func NewRepository(cfg *RepositoryConfig) *Repository {
	return &Repository{
		Config: cfg,
		Bin:    NewBinaryCollection(),
		Src:    NewSourceCollection(),
	}
}

// sanitizedRoot is the repository's URI, sanitized for filesystem use
// (scheme and port stripped, spec §2).
func (r *Repository) sanitizedRoot() string {
	return apt.Sanitize(r.Config.URI)
}

// distPrefix is the archive-root-relative directory the repository's
// manifest and indices live under: "<host>/dists/<distribution>" for a
// normal suite, "<host>" for a flat repository.
func (r *Repository) distPrefix() string {
	if r.Config.IsFlat() {
		return r.sanitizedRoot()
	}
	return path.Join(r.sanitizedRoot(), "dists", r.Config.Distribution)
}

// ReleaseURLs returns the archive-root-relative paths of every release
// manifest candidate this repository should be probed for.
func (r *Repository) ReleaseURLs() []string {
	prefix := r.distPrefix()
	urls := make([]string, 0, len(releaseCandidates))
	for _, name := range releaseCandidates {
		urls = append(urls, path.Join(prefix, name))
	}
	return urls
}

// locateManifest returns the on-disk path of whichever release manifest
// candidate exists under root, preferring InRelease.
func (r *Repository) locateManifest(root string) (diskPath, rel string, err error) {
	prefix := r.distPrefix()
	for _, name := range releaseCandidates {
		rel = path.Join(prefix, name)
		diskPath = filepath.Join(root, filepath.FromSlash(rel))
		if _, statErr := os.Stat(diskPath); statErr == nil {
			return diskPath, rel, nil
		}
	}
	return "", "", errors.Newf("no release manifest found for %s under %s", r.Config.URI, root)
}

// Exists reports whether a release manifest for this repository is
// present under root.
func (r *Repository) Exists(root string) bool {
	_, _, err := r.locateManifest(root)
	return err == nil
}

// ParseReleaseFrom locates the release manifest under root (preferring
// InRelease) and runs the Release Planner against it, registering every
// required Packages/Sources index into this repository's collections.
// Once planning is done, it invokes record_current() on every registered
// entry against mirrorRoot — the published tree's pre-existing copy, which
// is what the Timestamp Tracker's "current" must reflect regardless of
// which root the manifest itself was read from (spec §4.7
// parse_release_from). It returns the archive-root-relative paths of
// every index file the plan requires, for the caller to fetch.
func (r *Repository) ParseReleaseFrom(root, mirrorRoot string, opts PlannerOptions, warn func(string)) ([]string, error) {
	diskPath, _, err := r.locateManifest(root)
	if err != nil {
		return nil, err
	}
	urls, err := PlanIndexFiles(r.Config, diskPath, r.distPrefix(), opts, r.Bin, r.Src, warn)
	if err != nil {
		return nil, err
	}
	for _, e := range append(r.Bin.Entries(), r.Src.Entries()...) {
		e.Timestamp.RecordCurrent(filepath.Join(mirrorRoot, filepath.FromSlash(e.Path)))
	}
	return urls, nil
}

// Timestamp invokes record_downloaded() on every registered index entry
// against skelRoot, then prunes any entry whose file never materialized
// there (spec §4.7 timestamp(), testable property 6).
func (r *Repository) Timestamp(skelRoot string) {
	exists := func(path string) bool {
		_, err := os.Stat(filepath.Join(skelRoot, filepath.FromSlash(path)))
		return err == nil
	}
	for _, e := range append(r.Bin.Entries(), r.Src.Entries()...) {
		e.Timestamp.RecordDownloaded(filepath.Join(skelRoot, filepath.FromSlash(e.Path)))
	}
	r.Bin.Prune(exists)
	r.Src.Prune(exists)
}

// DecompressIndices decompresses every distinct conceptual index file
// present under root into its uncompressed sibling, via apt.Unzip. A
// conceptual index registered once per compression variant (e.g. a Release
// offering both Packages.xz and Packages.gz) is decompressed only once,
// matching the dedup rule ModifiedFiles/UnmodifiedFiles already apply.
func (r *Repository) DecompressIndices(root string, rc *RunContext) error {
	for _, base := range r.allTrackedFiles(rc) {
		full := filepath.Join(root, filepath.FromSlash(base))
		if _, err := apt.Unzip(full); err != nil {
			if errors.Is(err, apt.ErrUnsupportedCompression) {
				continue
			}
			return errors.Wrapf(err, "decompressing %s", base)
		}
	}
	return nil
}

// allTrackedFiles returns the deduplicated, compression-stripped base path
// of every registered entry, modified or not (AllFiles lists each base
// exactly once, even when its variants differ in modified status).
func (r *Repository) allTrackedFiles(rc *RunContext) []string {
	return append(append([]string{}, r.Bin.AllFiles()...), r.Src.AllFiles()...)
}

// ParseIndicesFrom parses every registered, deduplicated index's
// uncompressed form under root and returns the union of packages/source
// files they reference. Used by Clean mode, which has no modified/
// unmodified distinction to make (force_latest bypasses size checks).
func (r *Repository) ParseIndicesFrom(root string, forceLatest bool) ([]Package, error) {
	bases := append(append([]string{}, r.Bin.AllFiles()...), r.Src.AllFiles()...)
	return r.parseIndexFiles(root, bases, root, forceLatest, false, false)
}

// ParseModifiedIndices parses, from skelRoot, only the deduplicated,
// registered index entries the Timestamp Tracker considers modified this
// run (spec §4.7 parse_indices_from, §4.5 dedup invariant).
func (r *Repository) ParseModifiedIndices(skelRoot, mirrorRoot string, rc *RunContext) ([]Package, error) {
	bases := append(append([]string{}, r.Bin.ModifiedFiles(rc)...), r.Src.ModifiedFiles(rc)...)
	return r.parseIndexFiles(skelRoot, bases, mirrorRoot, false, rc.ForceUpdate, false)
}

// ParseUnmodifiedIndices parses the already-published copy (under
// mirrorRoot) of every deduplicated index entry NOT modified this run, and
// returns only the Packages whose latest flag is true, so the files they
// reference still survive garbage collection even though their index
// wasn't re-fetched this run (spec §4.7 parse_unmodified_indices).
func (r *Repository) ParseUnmodifiedIndices(mirrorRoot string, rc *RunContext) ([]Package, error) {
	bases := append(append([]string{}, r.Bin.UnmodifiedFiles(rc)...), r.Src.UnmodifiedFiles(rc)...)
	return r.parseIndexFiles(mirrorRoot, bases, mirrorRoot, false, rc.ForceUpdate, true)
}

// parseIndexFiles opens and parses each of bases (already deduplicated,
// compression-extension-stripped, archive-root-relative paths) under
// indexRoot. Each resulting Package's Latest flag is true iff forceLatest
// is set or the package's declared size already matches the file
// published at mirrorRoot (subject to forceUpdate bypassing that check);
// when onlyLatest is set, Packages whose Latest is false are dropped
// rather than returned (spec §4.7).
func (r *Repository) parseIndexFiles(indexRoot string, bases []string, mirrorRoot string, forceLatest, forceUpdate, onlyLatest bool) ([]Package, error) {
	var out []Package
	for _, base := range bases {
		diskPath := filepath.Join(indexRoot, filepath.FromSlash(base))
		f, err := os.Open(diskPath) // #nosec G304 - diskPath is built from the sanitized archive layout
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "opening index %s", base)
		}
		pkgs, err := apt.ParseIndex(r.sanitizedRoot(), f)
		closeErr := f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "parsing index %s", base)
		}
		if closeErr != nil {
			return nil, errors.Wrapf(closeErr, "closing index %s", base)
		}
		for _, p := range pkgs {
			latest := forceLatest || !needUpdate(filepath.Join(mirrorRoot, filepath.FromSlash(p.RelativeFilename)), p.Size, forceUpdate)
			if onlyLatest && !latest {
				continue
			}
			out = append(out, Package{RelativeFilename: p.RelativeFilename, Size: p.Size, Latest: latest})
		}
	}
	return out, nil
}

// Modified reports whether any registered index entry is modified per
// the run's Timestamp Tracker and flags.
func (r *Repository) Modified(rc *RunContext) bool {
	for _, e := range append(r.Bin.Entries(), r.Src.Entries()...) {
		if e.modified(rc) {
			return true
		}
	}
	return false
}
