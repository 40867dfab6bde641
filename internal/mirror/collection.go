package mirror

import (
	"strings"
	"sync"
)

// Family distinguishes the two index flavors a Repository tracks.
type Family int

const (
	// FamilyBinary tags Packages indices.
	FamilyBinary Family = iota
	// FamilySource tags Sources indices.
	FamilySource
)

// IndexEntry is one expected index file: its sanitized path, family,
// component, architecture (binary only), and Timestamp.
type IndexEntry struct {
	Path         string
	Family       Family
	Component    string
	Architecture string
	Timestamp    Timestamp
}

// modified is the entry's own modified predicate OR'd with the run-wide
// interrupted/force flags (spec §3: "An entry is modified iff its
// timestamp is modified OR the global previous-run-interrupted flag is set
// OR the global force-update flag is set").
func (e *IndexEntry) modified(rc *RunContext) bool {
	return e.Timestamp.Modified() || rc.Interrupted || rc.ForceUpdate
}

func stripCompressionExt(p string) string {
	for _, ext := range []string{".xz", ".gz", ".bz2"} {
		if strings.HasSuffix(p, ext) {
			return strings.TrimSuffix(p, ext)
		}
	}
	return p
}

type binaryKey struct {
	component    string
	architecture string
	path         string
}

// BinaryCollection is an Index Collection keyed by (component, architecture,
// sanitized-path), for Packages indices.
type BinaryCollection struct {
	mu      sync.Mutex
	entries map[binaryKey]*IndexEntry
}

// NewBinaryCollection constructs an empty BinaryCollection.
func NewBinaryCollection() *BinaryCollection {
	return &BinaryCollection{entries: make(map[binaryKey]*IndexEntry)}
}

// Add inserts an entry with a fresh Timestamp, or returns the existing one
// if this (component, architecture, path) was already registered.
func (c *BinaryCollection) Add(component, architecture, sanitizedPath string) *IndexEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := binaryKey{component, architecture, sanitizedPath}
	if e, ok := c.entries[key]; ok {
		return e
	}
	e := &IndexEntry{
		Path:         sanitizedPath,
		Family:       FamilyBinary,
		Component:    component,
		Architecture: architecture,
	}
	c.entries[key] = e
	return e
}

// Entries returns every registered entry.
func (c *BinaryCollection) Entries() []*IndexEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*IndexEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}

// Prune removes entries whose file is confirmed absent after download
// (exists reports false for e.Path).
func (c *BinaryCollection) Prune(exists func(path string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if !exists(e.Path) {
			delete(c.entries, key)
		}
	}
}

// ModifiedFiles returns the deduplicated, compression-extension-stripped
// base paths of every modified entry.
func (c *BinaryCollection) ModifiedFiles(rc *RunContext) []string {
	return selectFiles(c.Entries(), rc, true)
}

// UnmodifiedFiles returns the complement of ModifiedFiles.
func (c *BinaryCollection) UnmodifiedFiles(rc *RunContext) []string {
	return selectFiles(c.Entries(), rc, false)
}

// AllFiles returns the deduplicated, compression-extension-stripped base
// paths of every registered entry, regardless of modified status. Used by
// Clean mode, which has no Timestamp Tracker run to consult.
func (c *BinaryCollection) AllFiles() []string {
	return allFiles(c.Entries())
}

type sourceKey struct {
	component string
	path      string
}

// SourceCollection is an Index Collection keyed by (component,
// sanitized-path), for Sources indices.
type SourceCollection struct {
	mu      sync.Mutex
	entries map[sourceKey]*IndexEntry
}

// NewSourceCollection constructs an empty SourceCollection.
func NewSourceCollection() *SourceCollection {
	return &SourceCollection{entries: make(map[sourceKey]*IndexEntry)}
}

// Add inserts an entry with a fresh Timestamp, or returns the existing one.
func (c *SourceCollection) Add(component, sanitizedPath string) *IndexEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := sourceKey{component, sanitizedPath}
	if e, ok := c.entries[key]; ok {
		return e
	}
	e := &IndexEntry{
		Path:      sanitizedPath,
		Family:    FamilySource,
		Component: component,
	}
	c.entries[key] = e
	return e
}

// Entries returns every registered entry.
func (c *SourceCollection) Entries() []*IndexEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*IndexEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}

// Prune removes entries whose file is confirmed absent after download.
func (c *SourceCollection) Prune(exists func(path string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if !exists(e.Path) {
			delete(c.entries, key)
		}
	}
}

// ModifiedFiles returns the deduplicated, compression-extension-stripped
// base paths of every modified entry.
func (c *SourceCollection) ModifiedFiles(rc *RunContext) []string {
	return selectFiles(c.Entries(), rc, true)
}

// UnmodifiedFiles returns the complement of ModifiedFiles.
func (c *SourceCollection) UnmodifiedFiles(rc *RunContext) []string {
	return selectFiles(c.Entries(), rc, false)
}

// AllFiles returns the deduplicated, compression-extension-stripped base
// paths of every registered entry, regardless of modified status. Used by
// Clean mode, which has no Timestamp Tracker run to consult.
func (c *SourceCollection) AllFiles() []string {
	return allFiles(c.Entries())
}

func selectFiles(entries []*IndexEntry, rc *RunContext, wantModified bool) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range entries {
		if e.modified(rc) != wantModified {
			continue
		}
		base := stripCompressionExt(e.Path)
		if _, ok := seen[base]; ok {
			continue
		}
		seen[base] = struct{}{}
		out = append(out, base)
	}
	return out
}

// allFiles returns the deduplicated, compression-extension-stripped base
// path of every entry, independent of modified status.
func allFiles(entries []*IndexEntry) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range entries {
		base := stripCompressionExt(e.Path)
		if _, ok := seen[base]; ok {
			continue
		}
		seen[base] = struct{}{}
		out = append(out, base)
	}
	return out
}
