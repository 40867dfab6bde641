package mirror

import "github.com/debrsync/debrsync/internal/apt"

// normalizeKept normalizes a path the same way every entry added to a
// files-to-keep set must be normalized, so the invariant "filesToKeep never
// contains non-normalized or unsanitized paths" holds by construction.
func normalizeKept(p string) string {
	return apt.Normalize(p)
}
