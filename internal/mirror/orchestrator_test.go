package mirror

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
)

// sanitizedHost returns the directory name apt.Sanitize would produce for
// an httptest server URL: the hostname with its ":port" stripped.
func sanitizedHost(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	return u.Hostname()
}

// fakeArchive serves a minimal, single-component/single-architecture
// repository: one InRelease manifest, one Packages index, and the one
// .deb file it references.
func fakeArchive(t *testing.T) *httptest.Server {
	t.Helper()

	const packages = "Package: hello\nFilename: pool/main/h/hello/hello_1.0_amd64.deb\nSize: 11\n\n"
	const debContents = "hello-deb!!"

	release := "Suite: bookworm\nSHA256:\n aaaa " + itoa(len(packages)) + " main/binary-amd64/Packages\n"

	mux := http.NewServeMux()
	mux.HandleFunc("/dists/bookworm/InRelease", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(release))
	})
	mux.HandleFunc("/dists/bookworm/Release", http.NotFound)
	mux.HandleFunc("/dists/bookworm/main/binary-amd64/Packages", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(packages))
	})
	mux.HandleFunc("/pool/main/h/hello/hello_1.0_amd64.deb", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(debContents))
	})
	return httptest.NewServer(mux)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func TestOrchestratorMirrorEndToEnd(t *testing.T) {
	srv := fakeArchive(t)
	defer srv.Close()

	dir := t.TempDir()
	settings := NewSettings()
	settings.Dir = dir
	settings.Quiet = true

	cfg := &RepositoryConfig{
		Kind: KindBinary, URI: srv.URL, Distribution: "bookworm",
		Components: []string{"main"}, Architectures: []string{"amd64"}, CleanEnabled: true,
	}

	orch := NewOrchestrator(settings, []*RepositoryConfig{cfg})
	stats, err := orch.Mirror(context.Background())
	if err != nil {
		t.Fatalf("Mirror: %v", err)
	}
	if stats.RepositoriesSynced != 1 {
		t.Fatalf("expected 1 repository synced, got %+v", stats)
	}

	host := sanitizedHost(t, srv.URL)
	debPath := filepath.Join(dir, "mirror", host, "pool/main/h/hello/hello_1.0_amd64.deb")
	data, err := os.ReadFile(debPath)
	if err != nil {
		t.Fatalf("expected the referenced .deb to be published: %v", err)
	}
	if string(data) != "hello-deb!!" {
		t.Fatalf("unexpected published content: %q", data)
	}

	packagesPath := filepath.Join(dir, "mirror", host, "dists/bookworm/main/binary-amd64/Packages")
	if _, err := os.ReadFile(packagesPath); err != nil {
		t.Fatalf("expected Packages to be published: %v", err)
	}
}

func TestOrchestratorMirrorSecondRunIsNoopWhenUnchanged(t *testing.T) {
	srv := fakeArchive(t)
	defer srv.Close()

	dir := t.TempDir()
	settings := NewSettings()
	settings.Dir = dir
	settings.Quiet = true

	cfg := &RepositoryConfig{
		Kind: KindBinary, URI: srv.URL, Distribution: "bookworm",
		Components: []string{"main"}, Architectures: []string{"amd64"}, CleanEnabled: true,
	}

	orch := NewOrchestrator(settings, []*RepositoryConfig{cfg})
	if _, err := orch.Mirror(context.Background()); err != nil {
		t.Fatalf("first Mirror: %v", err)
	}

	orch2 := NewOrchestrator(settings, []*RepositoryConfig{cfg})
	stats, err := orch2.Mirror(context.Background())
	if err != nil {
		t.Fatalf("second Mirror: %v", err)
	}
	if stats.RepositoriesSynced != 1 {
		t.Fatalf("expected the second run to still count as synced, got %+v", stats)
	}
	if stats.BytesFetched != 0 {
		t.Fatalf("expected no archive file to be re-fetched on an unchanged run, got %+v", stats)
	}

	host := sanitizedHost(t, srv.URL)
	debPath := filepath.Join(dir, "mirror", host, "pool/main/h/hello/hello_1.0_amd64.deb")
	if _, err := os.ReadFile(debPath); err != nil {
		t.Fatalf("published .deb should survive a second, unchanged run: %v", err)
	}
}

// TestOrchestratorMirrorClearsSentinelResidue covers the sentinel side of
// scenario S5: a leftover <appLockFile> sentinel from an interrupted
// previous run does not stop the next run, and is gone once that run exits
// cleanly. The interrupted flag's effect on the modified predicate is
// checked by TestIndexEntryModifiedOrsInRunFlags.
func TestOrchestratorMirrorClearsSentinelResidue(t *testing.T) {
	srv := fakeArchive(t)
	defer srv.Close()

	dir := t.TempDir()
	settings := NewSettings()
	settings.Dir = dir
	settings.Quiet = true

	varDir := filepath.Join(dir, varDirName)
	if err := os.MkdirAll(varDir, 0o755); err != nil {
		t.Fatal(err)
	}
	sentinel := filepath.Join(varDir, appLockFileName)
	if err := os.WriteFile(sentinel, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &RepositoryConfig{
		Kind: KindBinary, URI: srv.URL, Distribution: "bookworm",
		Components: []string{"main"}, Architectures: []string{"amd64"}, CleanEnabled: true,
	}

	orch := NewOrchestrator(settings, []*RepositoryConfig{cfg})
	if _, err := orch.Mirror(context.Background()); err != nil {
		t.Fatalf("Mirror: %v", err)
	}

	if _, err := os.Stat(sentinel); !os.IsNotExist(err) {
		t.Fatal("expected the leftover sentinel to be wiped during preflight, then recreated and removed on clean exit")
	}
}

func TestOrchestratorCleanRemovesUnreferencedFile(t *testing.T) {
	srv := fakeArchive(t)
	defer srv.Close()

	dir := t.TempDir()
	settings := NewSettings()
	settings.Dir = dir
	settings.Quiet = true

	cfg := &RepositoryConfig{
		Kind: KindBinary, URI: srv.URL, Distribution: "bookworm",
		Components: []string{"main"}, Architectures: []string{"amd64"}, CleanEnabled: true,
	}

	orch := NewOrchestrator(settings, []*RepositoryConfig{cfg})
	if _, err := orch.Mirror(context.Background()); err != nil {
		t.Fatalf("Mirror: %v", err)
	}

	host := sanitizedHost(t, srv.URL)
	stalePath := filepath.Join(dir, "mirror", host, "pool/main/h/hello/stale_0.9_amd64.deb")
	writeFile(t, stalePath, "no longer referenced")

	orch2 := NewOrchestrator(settings, []*RepositoryConfig{cfg})
	stats, err := orch2.Clean(context.Background())
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if stats.FilesRemoved == 0 {
		t.Fatalf("expected Clean to remove the stale file, stats=%+v", stats)
	}
	if _, err := os.Stat(stalePath); !os.IsNotExist(err) {
		t.Fatal("expected the stale file to be removed")
	}

	debPath := filepath.Join(dir, "mirror", host, "pool/main/h/hello/hello_1.0_amd64.deb")
	if _, err := os.Stat(debPath); err != nil {
		t.Fatal("the still-referenced .deb must survive Clean")
	}
}
