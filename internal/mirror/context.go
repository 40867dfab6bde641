package mirror

import "sync"

// RunContext carries the process-wide state a single orchestrator run
// needs, so that no component relies on global mutable state (spec design
// note: "Global mutable state... package into an explicit Run Context value
// threaded through components").
type RunContext struct {
	// ForceUpdate forces every index entry's need-update and modified
	// checks to report true, bypassing size comparisons.
	ForceUpdate bool

	// Interrupted is set when a previous run's sentinel lock file was
	// found on disk at startup; it forces every index entry's modified
	// predicate to report true for this run.
	Interrupted bool

	// TestMode, when set, disables destructive GC deletions and clears
	// Skel copies of release/index files at the end of a mirror run so
	// the next non-test run re-evaluates them.
	TestMode bool

	// ByHash enables emission of by-hash URL variants by the Release
	// Planner.
	ByHash bool

	keep *FileSet
}

// NewRunContext constructs a RunContext with a fresh, empty files-to-keep
// set.
func NewRunContext(forceUpdate, testMode, byHash bool) *RunContext {
	return &RunContext{
		ForceUpdate: forceUpdate,
		TestMode:    testMode,
		ByHash:      byHash,
		keep:        NewFileSet(),
	}
}

// Keep returns the process-wide files-to-keep set.
func (rc *RunContext) Keep() *FileSet {
	return rc.keep
}

// FileSet is a deduplicated, normalized set of sanitized relative paths.
// It is grown monotonically within a run and consulted only by the
// garbage-collection step.
type FileSet struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

// NewFileSet constructs an empty FileSet.
func NewFileSet() *FileSet {
	return &FileSet{paths: make(map[string]struct{})}
}

// Add normalizes and inserts path into the set.
func (fs *FileSet) Add(path string) {
	n := normalizeKept(path)
	if n == "" {
		return
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.paths[n] = struct{}{}
}

// AddAll adds every path in paths.
func (fs *FileSet) AddAll(paths []string) {
	for _, p := range paths {
		fs.Add(p)
	}
}

// Has reports whether path (after the same normalization Add applies) is a
// member of the set.
func (fs *FileSet) Has(path string) bool {
	n := normalizeKept(path)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.paths[n]
	return ok
}

// Len returns the number of distinct paths kept.
func (fs *FileSet) Len() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.paths)
}

// Paths returns a snapshot slice of every kept path.
func (fs *FileSet) Paths() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]string, 0, len(fs.paths))
	for p := range fs.paths {
		out = append(out, p)
	}
	return out
}
