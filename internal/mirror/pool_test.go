package mirror

import (
	"os"
	"path/filepath"
	"testing"
)

// TestRecoverCrashMarkersDeletesHalfDownloadedTarget covers testable
// property 9: a pre-seeded Download-lock.<id> marker pointing at a
// half-downloaded file causes that file to be deleted before any phase
// begins, without touching files no marker references.
func TestRecoverCrashMarkersDeletesHalfDownloadedTarget(t *testing.T) {
	varDir := t.TempDir()
	skelRoot := t.TempDir()

	halfDownloaded := filepath.Join(skelRoot, "host/path/X")
	if err := os.MkdirAll(filepath.Dir(halfDownloaded), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(halfDownloaded, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	survivor := filepath.Join(skelRoot, "host/path/Y")
	if err := os.WriteFile(survivor, []byte("untouched"), 0o644); err != nil {
		t.Fatal(err)
	}

	marker := filepath.Join(varDir, crashMarkerPrefix+"0")
	if err := os.WriteFile(marker, []byte(halfDownloaded+"\nhttp://example.org/X\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := RecoverCrashMarkers(varDir); err != nil {
		t.Fatalf("RecoverCrashMarkers: %v", err)
	}

	if _, err := os.Stat(halfDownloaded); !os.IsNotExist(err) {
		t.Fatal("expected the half-downloaded target named by the marker to be deleted")
	}
	if _, err := os.Stat(survivor); err != nil {
		t.Fatal("a file not referenced by any marker must survive recovery")
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatal("RecoverCrashMarkers must not remove the marker itself; the caller wipes var/ afterward")
	}
}

// TestRecoverCrashMarkersIgnoresNonMarkerFiles ensures recovery doesn't
// misinterpret unrelated files left in var/.
func TestRecoverCrashMarkersIgnoresNonMarkerFiles(t *testing.T) {
	varDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(varDir, "Archive-Update-in-Progress"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := RecoverCrashMarkers(varDir); err != nil {
		t.Fatalf("RecoverCrashMarkers: %v", err)
	}
}

// TestRecoverCrashMarkersOnMissingVarDirIsNoop covers a first-ever run,
// where var/ doesn't exist yet.
func TestRecoverCrashMarkersOnMissingVarDirIsNoop(t *testing.T) {
	if err := RecoverCrashMarkers(filepath.Join(t.TempDir(), "does-not-exist")); err != nil {
		t.Fatalf("expected no error for a missing var dir, got %v", err)
	}
}
