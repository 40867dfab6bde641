// Package apt implements the pieces of the Debian archive format debrsync
// needs: path sanitization, compressed-index decompression, and the
// control-paragraph grammar shared by Release manifests and Packages/Sources
// index files.
package apt

import (
	"path"
	"strings"
)

// Sanitize strips a URI's scheme and any ":port" from its host, producing a
// filesystem-safe relative path root. It is idempotent: Sanitize(Sanitize(u))
// == Sanitize(u).
//
// "http://example.org:8080/debian" -> "example.org/debian"
func Sanitize(uri string) string {
	s := uri

	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
	}

	slash := strings.IndexByte(s, '/')
	host := s
	rest := ""
	if slash >= 0 {
		host = s[:slash]
		rest = s[slash:]
	}

	if colon := strings.IndexByte(host, ':'); colon >= 0 {
		host = host[:colon]
	}

	return path.Clean(host + rest)
}

// SanitizeJoin sanitizes uri and joins rel onto the result, the way every
// on-disk path under Skel/Mirror is built from a repository's origin.
func SanitizeJoin(uri, rel string) string {
	return path.Join(Sanitize(uri), rel)
}

// Normalize cleans a relative path, guaranteeing no ".." component escapes
// the tree it's joined under. It never returns an absolute path; a leading
// slash is stripped, matching how Filename fields in Packages paragraphs are
// always repository-relative.
func Normalize(p string) string {
	p = strings.TrimPrefix(p, "./")
	cleaned := path.Clean("/" + p)
	return strings.TrimPrefix(cleaned, "/")
}
