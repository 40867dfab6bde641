package mirror

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/debrsync/debrsync/internal/apt"
)

const (
	// appLockFileName is the spec's <appLockFile>: a sentinel created after
	// the application lock is acquired and removed on clean exit. Its
	// residue at the next startup is the sole signal that previous run was
	// interrupted (spec §4.9 steps 1/2/13, §5, §7).
	appLockFileName = "Archive-Update-in-Progress"
	skelDirName     = "skel"
	varDirName      = "var"
)

// Stats summarizes one orchestrator run, folded back from refrapt's
// end-of-run summary (spec, Added Features).
type Stats struct {
	BytesFetched        int64
	BytesReclaimed      int64
	RepositoriesSynced  int
	RepositoriesSkipped int
	FilesRemoved        int
}

// Orchestrator drives the Mirror and Clean sequences over a set of
// configured repositories, rooted at a single mirror Dir containing
// skel/, mirror/ and var/.
type Orchestrator struct {
	Settings     *Settings
	Repositories []*Repository

	skelRoot   string
	mirrorRoot string
	varDir     string
}

// NewOrchestrator constructs an Orchestrator over the given Settings and
// parsed repository configurations.
func NewOrchestrator(settings *Settings, repoConfigs []*RepositoryConfig) *Orchestrator {
	repos := make([]*Repository, len(repoConfigs))
	for i, cfg := range repoConfigs {
		repos[i] = NewRepository(cfg)
	}
	return &Orchestrator{
		Settings:     settings,
		Repositories: repos,
		skelRoot:     filepath.Join(settings.Dir, skelDirName),
		mirrorRoot:   filepath.Join(settings.Dir, "mirror"),
		varDir:       filepath.Join(settings.Dir, varDirName),
	}
}

// Mirror runs the full Mirror-mode sequence (spec §4.9): pre-flight crash
// recovery, app lock, Release phase, index discovery, decompression,
// artifact fetch, publish, optional GC, and (in test mode) Skel cleanup.
func (o *Orchestrator) Mirror(ctx context.Context) (*Stats, error) {
	if err := os.MkdirAll(o.skelRoot, 0o755); err != nil { // #nosec G301
		return nil, errors.Wrap(err, "creating skel root")
	}
	if err := os.MkdirAll(o.mirrorRoot, 0o755); err != nil { // #nosec G301
		return nil, errors.Wrap(err, "creating mirror root")
	}
	if err := os.MkdirAll(o.varDir, 0o755); err != nil { // #nosec G301
		return nil, errors.Wrap(err, "creating var dir")
	}

	// Pre-flight (spec §4.9 step 1): recover half-downloaded files pointed
	// at by any leftover per-worker crash marker, latch the interrupted
	// flag from the app-lock sentinel's residue, then wipe var/ entirely
	// so this run starts from a clean slate.
	if err := RecoverCrashMarkers(o.varDir); err != nil {
		return nil, errors.Wrap(err, "recovering crash markers")
	}
	sentinelPath := filepath.Join(o.varDir, appLockFileName)
	interrupted := false
	if _, statErr := os.Stat(sentinelPath); statErr == nil {
		interrupted = true
	}
	if interrupted {
		slog.Warn("previous run was interrupted; forcing every index as modified this run")
	}
	if err := wipeDir(o.varDir); err != nil {
		return nil, errors.Wrap(err, "clearing var dir")
	}

	lock, err := OpenLock(filepath.Join(o.varDir, appLockFileName+".lock"))
	if err != nil {
		return nil, errors.Wrap(err, "opening app lock")
	}
	if err := lock.Lock(); err != nil {
		return nil, errors.Wrap(err, "another run already holds the app lock")
	}
	defer func() {
		if uerr := lock.Unlock(); uerr != nil {
			slog.Error("failed to release app lock", "error", uerr)
		}
	}()

	if err := os.WriteFile(sentinelPath, nil, 0o644); err != nil { // #nosec G306,G304 - sentinel lives under the mirror root's var dir
		return nil, errors.Wrap(err, "creating run sentinel")
	}
	defer func() {
		if rerr := os.Remove(sentinelPath); rerr != nil && !os.IsNotExist(rerr) {
			slog.Error("failed to remove run sentinel", "error", rerr)
		}
	}()

	rc := NewRunContext(o.Settings.ForceUpdate, o.Settings.TestMode, o.Settings.ByHash)
	rc.Interrupted = interrupted

	tlsConf, err := o.Settings.TLS.Build()
	if err != nil {
		return nil, errors.Wrap(err, "building TLS config")
	}

	pool, err := NewPool(tlsConf, o.Settings.MaxConns, o.Settings.LimitRate, o.skelRoot, o.varDir, o.Settings.Quiet)
	if err != nil {
		return nil, errors.Wrap(err, "constructing downloader pool")
	}
	defer func() {
		if cerr := pool.Close(); cerr != nil {
			slog.Error("failed to close downloader pool", "error", cerr)
		}
	}()

	stats := &Stats{}
	opts := PlannerOptions{
		Languages: o.Settings.Languages,
		ByHash:    o.Settings.ByHash,
		Contents:  o.Settings.Contents,
		Dep11:     o.Settings.Dep11,
	}

	for _, repo := range o.Repositories {
		if err := o.mirrorOne(ctx, repo, rc, pool, opts, stats); err != nil {
			slog.Error("repository sync failed", "uri", repo.Config.URI, "error", err)
			stats.RepositoriesSkipped++
			continue
		}
		stats.RepositoriesSynced++
	}

	if err := o.publish(rc); err != nil {
		return stats, errors.Wrap(err, "publishing skel to mirror")
	}

	// Post-Mirror Clean (spec §4.9.1) runs only over repositories that are
	// both clean_enabled and modified this run. Files referenced by any
	// other, unmodified repository are already preserved globally: every
	// repository's ParseUnmodifiedIndices output was unioned into
	// rc.Keep() above regardless of whether that repository is selected
	// for GC.
	for _, repo := range o.Repositories {
		if repo.Config.CleanEnabled && repo.Modified(rc) {
			removed, reclaimed, err := o.postMirrorClean(repo, rc)
			if err != nil {
				slog.Error("post-mirror clean failed", "uri", repo.Config.URI, "error", err)
				continue
			}
			stats.FilesRemoved += removed
			stats.BytesReclaimed += reclaimed
		}
	}

	if rc.TestMode {
		if err := os.RemoveAll(o.skelRoot); err != nil {
			slog.Warn("failed to clear skel in test mode", "error", err)
		}
	}

	return stats, nil
}

// wipeDir removes every entry directly under dir without removing dir
// itself (spec §4.9 step 1: "delete every file in var/").
func wipeDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// mirrorOne runs the per-repository portion of the Mirror sequence:
// Release phase, index discovery, decompression, timestamping, and
// artifact fetch.
func (o *Orchestrator) mirrorOne(ctx context.Context, repo *Repository, rc *RunContext, pool *Pool, opts PlannerOptions, stats *Stats) error {
	releaseTasks := make([]Task, 0, len(repo.ReleaseURLs()))
	for _, rel := range repo.ReleaseURLs() {
		releaseTasks = append(releaseTasks, Task{
			URL:  joinURL(repo.Config.URI, rel),
			Dest: rel,
			Kind: KindRelease,
		})
	}
	// Candidates are best-effort: a repository offering only Release (no
	// InRelease) still succeeds as long as at least one lands in Skel.
	_ = pool.Fetch(ctx, releaseTasks)

	if !repo.Exists(o.skelRoot) {
		return errors.Newf("no release manifest fetched for %s", repo.Config.URI)
	}

	// ParseReleaseFrom registers every required index (deduplicated by the
	// Release Planner's own (component, architecture, path) keys) and
	// records each one's pre-existing published mtime against mirrorRoot,
	// so the Timestamp Tracker has a "current" to compare the post-fetch
	// mtime against once the indices land (spec §4.7 parse_release_from).
	indexRels, err := repo.ParseReleaseFrom(o.skelRoot, o.mirrorRoot, opts, func(msg string) {
		slog.Warn("release manifest warning", "uri", repo.Config.URI, "msg", msg)
	})
	if err != nil {
		return errors.Wrap(err, "parsing release")
	}

	indexTasks := make([]Task, 0, len(indexRels))
	for _, rel := range indexRels {
		indexTasks = append(indexTasks, Task{URL: joinURL(repo.Config.URI, rel), Dest: rel, Kind: KindIndex})
	}
	if err := pool.Fetch(ctx, indexTasks); err != nil {
		slog.Warn("some index files failed to fetch", "uri", repo.Config.URI, "error", err)
	}

	// timestamp() (spec §4.7): record_downloaded() against Skel, then prune
	// any entry whose index never actually materialized there (testable
	// property 6).
	repo.Timestamp(o.skelRoot)

	if err := repo.DecompressIndices(o.skelRoot, rc); err != nil {
		return errors.Wrap(err, "decompressing indices")
	}

	modifiedPkgs, err := repo.ParseModifiedIndices(o.skelRoot, o.mirrorRoot, rc)
	if err != nil {
		return errors.Wrap(err, "parsing modified indices")
	}
	unmodifiedPkgs, err := repo.ParseUnmodifiedIndices(o.mirrorRoot, rc)
	if err != nil {
		return errors.Wrap(err, "parsing unmodified indices")
	}

	var archiveTasks []Task
	for _, pkg := range modifiedPkgs {
		rc.Keep().Add(pkg.RelativeFilename)
		if !pkg.Latest {
			archiveTasks = append(archiveTasks, Task{
				URL:  joinURL(repo.Config.URI, pkg.RelativeFilename),
				Dest: pkg.RelativeFilename,
				Kind: KindArchive,
			})
		}
	}
	for _, pkg := range unmodifiedPkgs {
		rc.Keep().Add(pkg.RelativeFilename)
	}

	if err := pool.Fetch(ctx, archiveTasks); err != nil {
		return errors.Wrap(err, "fetching archive files")
	}
	for _, t := range archiveTasks {
		if info, statErr := os.Stat(filepath.Join(o.skelRoot, filepath.FromSlash(t.Dest))); statErr == nil {
			stats.BytesFetched += info.Size()
		}
	}

	return nil
}

// needUpdate decides whether an archive file must be (re-)fetched: it is
// missing, its size differs from the index's declared size, or a
// force-update is in effect. No checksum is consulted (spec §4.7/§7:
// size-only need-update, by design).
func needUpdate(destPath string, wantSize int64, force bool) bool {
	if force {
		return true
	}
	info, err := os.Stat(destPath)
	if err != nil {
		return true
	}
	return info.Size() != wantSize
}

// publish moves every file present in Skel into Mirror, directory-syncing
// each touched directory so a crash immediately after doesn't lose the
// rename (spec §5).
func (o *Orchestrator) publish(rc *RunContext) error {
	touched := make(map[string]struct{})
	err := filepath.WalkDir(o.skelRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(o.skelRoot, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(o.mirrorRoot, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil { // #nosec G301
			return err
		}
		if err := os.Rename(path, dest); err != nil {
			return err
		}
		rc.Keep().Add(filepath.ToSlash(rel))
		touched[filepath.Dir(dest)] = struct{}{}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for dir := range touched {
		if err := DirSync(dir); err != nil {
			slog.Warn("directory sync failed after publish", "dir", dir, "error", err)
		}
	}
	return nil
}

// postMirrorClean implements the Post-Mirror Clean algorithm (spec
// §4.9.1): walk the repository's published tree and remove any file not
// present in the run's files-to-keep set.
func (o *Orchestrator) postMirrorClean(repo *Repository, rc *RunContext) (removed int, reclaimed int64, err error) {
	if rc.TestMode {
		return 0, 0, nil
	}
	root := filepath.Join(o.mirrorRoot, filepath.FromSlash(apt.Sanitize(repo.Config.URI)))
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			if os.IsNotExist(werr) {
				return nil
			}
			return werr
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(o.mirrorRoot, path)
		if relErr != nil {
			return relErr
		}
		if rc.Keep().Has(filepath.ToSlash(rel)) {
			return nil
		}
		info, statErr := d.Info()
		if statErr == nil {
			reclaimed += info.Size()
		}
		if rmErr := os.Remove(path); rmErr != nil {
			return rmErr
		}
		removed++
		return nil
	})
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	return removed, reclaimed, err
}

// Clean runs Clean mode (spec §4.9.2): for every repository flagged
// clean_enabled, remove every published file this run's RunContext was
// never told to keep. Unlike Mirror, Clean never fetches anything; it
// operates purely against the already-published Mirror tree, rebuilding
// the keep set by re-parsing whatever indices are already there.
func (o *Orchestrator) Clean(ctx context.Context) (*Stats, error) {
	_ = ctx
	lock, err := OpenLock(filepath.Join(o.varDir, appLockFileName+".lock"))
	if err != nil {
		return nil, errors.Wrap(err, "opening app lock")
	}
	if err := lock.Lock(); err != nil {
		return nil, errors.Wrap(err, "another run already holds the app lock")
	}
	defer func() {
		if uerr := lock.Unlock(); uerr != nil {
			slog.Error("failed to release app lock", "error", uerr)
		}
	}()

	rc := NewRunContext(false, false, o.Settings.ByHash)
	stats := &Stats{}
	opts := PlannerOptions{
		Languages: o.Settings.Languages,
		ByHash:    o.Settings.ByHash,
		Contents:  o.Settings.Contents,
		Dep11:     o.Settings.Dep11,
	}

	for _, repo := range o.Repositories {
		if !repo.Config.CleanEnabled {
			continue
		}
		if !repo.Exists(o.mirrorRoot) {
			stats.RepositoriesSkipped++
			continue
		}
		indexRels, err := repo.ParseReleaseFrom(o.mirrorRoot, o.mirrorRoot, opts, func(msg string) {
			slog.Warn("release manifest warning", "uri", repo.Config.URI, "msg", msg)
		})
		if err != nil {
			slog.Error("clean: failed to parse release", "uri", repo.Config.URI, "error", err)
			stats.RepositoriesSkipped++
			continue
		}
		rc.Keep().AddAll(repo.ReleaseURLs())
		rc.Keep().AddAll(indexRels)
		for _, e := range append(repo.Bin.Entries(), repo.Src.Entries()...) {
			rc.Keep().Add(e.Path)
		}
		rc.Keep().AddAll(repo.Bin.AllFiles())
		rc.Keep().AddAll(repo.Src.AllFiles())
		pkgs, err := repo.ParseIndicesFrom(o.mirrorRoot, true)
		if err != nil {
			slog.Error("clean: failed to parse indices", "uri", repo.Config.URI, "error", err)
			stats.RepositoriesSkipped++
			continue
		}
		for _, pkg := range pkgs {
			rc.Keep().Add(pkg.RelativeFilename)
		}

		removed, reclaimed, err := o.postMirrorClean(repo, rc)
		if err != nil {
			slog.Error("clean: gc failed", "uri", repo.Config.URI, "error", err)
			continue
		}
		stats.FilesRemoved += removed
		stats.BytesReclaimed += reclaimed
		stats.RepositoriesSynced++
	}

	return stats, nil
}

// joinURL builds the absolute URL to fetch for rel, an archive-root
// relative path that already carries the sanitized "<host>/<path>" prefix
// apt.Sanitize(uri) produces (the same prefix every on-disk Dest path under
// Skel/Mirror carries). It strips that prefix back off and re-attaches the
// remainder to the repository's original URI, scheme included.
func joinURL(uri, rel string) string {
	root := apt.Sanitize(uri)
	suffix := strings.TrimPrefix(rel, root)
	suffix = strings.TrimPrefix(suffix, "/")
	return strings.TrimRight(uri, "/") + "/" + suffix
}
