package mirror

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func writeRelease(t *testing.T, dir string, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "InRelease")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPlanIndexFilesBasicSelection(t *testing.T) {
	dir := t.TempDir()
	release := `Suite: bookworm
SHA256:
 aaaa1111 1000 main/binary-amd64/Packages.xz
 bbbb2222 50 main/binary-amd64/Release
 cccc3333 200 main/i18n/Index
 dddd4444 300 main/i18n/Translation-en
 eeee5555 999 main/Contents-amd64
 ffff6666 123 contrib/binary-amd64/Packages
`
	path := writeRelease(t, dir, release)

	repo := &RepositoryConfig{
		Kind:          KindBinary,
		URI:           "http://example.org/debian",
		Distribution:  "bookworm",
		Components:    []string{"main", "contrib"},
		Architectures: []string{"amd64"},
	}

	bin := NewBinaryCollection()
	src := NewSourceCollection()
	opts := PlannerOptions{Languages: []string{"en"}, Contents: true}

	urls, err := PlanIndexFiles(repo, path, "dists/bookworm", opts, bin, src, nil)
	if err != nil {
		t.Fatalf("PlanIndexFiles: %v", err)
	}
	sort.Strings(urls)

	want := []string{
		"dists/bookworm/contrib/binary-amd64/Packages",
		"dists/bookworm/main/Contents-amd64",
		"dists/bookworm/main/binary-amd64/Packages.xz",
		"dists/bookworm/main/binary-amd64/Release",
		"dists/bookworm/main/i18n/Index",
		"dists/bookworm/main/i18n/Translation-en",
	}
	sort.Strings(want)
	if len(urls) != len(want) {
		t.Fatalf("got %v, want %v", urls, want)
	}
	for i := range want {
		if urls[i] != want[i] {
			t.Fatalf("got %v, want %v", urls, want)
		}
	}

	if len(bin.Entries()) != 2 {
		t.Fatalf("expected 2 registered Packages entries, got %d", len(bin.Entries()))
	}
}

func TestPlanIndexFilesIgnoresUnconfiguredArchitecture(t *testing.T) {
	dir := t.TempDir()
	release := `SHA256:
 aaaa 1000 main/binary-i386/Packages
`
	path := writeRelease(t, dir, release)
	repo := &RepositoryConfig{
		URI: "http://example.org/debian", Distribution: "bookworm",
		Components: []string{"main"}, Architectures: []string{"amd64"},
	}
	bin := NewBinaryCollection()
	src := NewSourceCollection()

	urls, err := PlanIndexFiles(repo, path, "dists/bookworm", PlannerOptions{}, bin, src, nil)
	if err != nil {
		t.Fatalf("PlanIndexFiles: %v", err)
	}
	if len(urls) != 0 {
		t.Fatalf("expected no matches for an unconfigured architecture, got %v", urls)
	}
}

func TestPlanIndexFilesByHashEmitsVariant(t *testing.T) {
	dir := t.TempDir()
	release := `SHA256:
 deadbeef 1000 main/binary-amd64/Packages
`
	path := writeRelease(t, dir, release)
	repo := &RepositoryConfig{
		URI: "http://example.org/debian", Distribution: "bookworm",
		Components: []string{"main"}, Architectures: []string{"amd64"},
	}
	bin := NewBinaryCollection()
	src := NewSourceCollection()

	urls, err := PlanIndexFiles(repo, path, "dists/bookworm", PlannerOptions{ByHash: true}, bin, src, nil)
	if err != nil {
		t.Fatalf("PlanIndexFiles: %v", err)
	}

	foundByHash := false
	for _, u := range urls {
		if u == "dists/bookworm/main/binary-amd64/by-hash/SHA256/deadbeef" {
			foundByHash = true
		}
	}
	if !foundByHash {
		t.Fatalf("expected a by-hash variant among %v", urls)
	}
}

func TestPlanIndexFilesFlatRepository(t *testing.T) {
	dir := t.TempDir()
	release := `SHA256:
 abc 100 Packages.gz
 def 50 Sources.gz
`
	path := writeRelease(t, dir, release)
	repo := &RepositoryConfig{URI: "http://example.org/flat"} // no Distribution => flat

	bin := NewBinaryCollection()
	src := NewSourceCollection()

	urls, err := PlanIndexFiles(repo, path, "", PlannerOptions{}, bin, src, nil)
	if err != nil {
		t.Fatalf("PlanIndexFiles: %v", err)
	}
	if len(urls) != 2 {
		t.Fatalf("expected both flat files emitted verbatim, got %v", urls)
	}
	if len(bin.Entries()) != 1 || len(src.Entries()) != 1 {
		t.Fatalf("expected Packages registered binary and Sources registered source, bin=%d src=%d",
			len(bin.Entries()), len(src.Entries()))
	}
}

func TestPlanIndexFilesSourceRepository(t *testing.T) {
	dir := t.TempDir()
	release := `SHA256:
 a 10 main/source/Release
 b 20 main/source/Sources.xz
`
	path := writeRelease(t, dir, release)
	repo := &RepositoryConfig{
		Kind: KindSource, URI: "http://example.org/debian", Distribution: "bookworm",
		Components: []string{"main"}, Architectures: []string{"amd64"},
	}
	bin := NewBinaryCollection()
	src := NewSourceCollection()

	urls, err := PlanIndexFiles(repo, path, "dists/bookworm", PlannerOptions{}, bin, src, nil)
	if err != nil {
		t.Fatalf("PlanIndexFiles: %v", err)
	}
	if len(urls) != 2 {
		t.Fatalf("expected 2 urls, got %v", urls)
	}
	if len(src.Entries()) != 1 {
		t.Fatalf("expected 1 registered source entry, got %d", len(src.Entries()))
	}
}

func TestPlanIndexFilesMalformedLineWarns(t *testing.T) {
	dir := t.TempDir()
	release := `SHA256:
 not-enough-fields
 aaaa 10 main/binary-amd64/Packages
`
	path := writeRelease(t, dir, release)
	repo := &RepositoryConfig{
		URI: "http://example.org/debian", Distribution: "bookworm",
		Components: []string{"main"}, Architectures: []string{"amd64"},
	}
	bin := NewBinaryCollection()
	src := NewSourceCollection()

	var warnings []string
	urls, err := PlanIndexFiles(repo, path, "dists/bookworm", PlannerOptions{}, bin, src, func(msg string) {
		warnings = append(warnings, msg)
	})
	if err != nil {
		t.Fatalf("PlanIndexFiles: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected exactly one warning, got %v", warnings)
	}
	if len(urls) != 1 {
		t.Fatalf("malformed line should not abort the rest of the section, got %v", urls)
	}
}
