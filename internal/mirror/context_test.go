package mirror

import "testing"

func TestFileSetNormalizesAndDedupes(t *testing.T) {
	fs := NewFileSet()
	fs.Add("./pool/main/a.deb")
	fs.Add("pool/main/a.deb")
	fs.Add("pool/../pool/main/b.deb")

	if fs.Len() != 2 {
		t.Fatalf("expected 2 distinct paths, got %d: %v", fs.Len(), fs.Paths())
	}
	if !fs.Has("pool/main/a.deb") {
		t.Fatal("expected a.deb to be kept")
	}
	if !fs.Has("pool/main/b.deb") {
		t.Fatal("expected b.deb to be kept after traversal cleanup")
	}
}

func TestFileSetAddAll(t *testing.T) {
	fs := NewFileSet()
	fs.AddAll([]string{"a", "b", "a"})
	if fs.Len() != 2 {
		t.Fatalf("expected 2 distinct paths, got %d", fs.Len())
	}
}

func TestRunContextKeepIsSharedAcrossCalls(t *testing.T) {
	rc := NewRunContext(false, false, false)
	rc.Keep().Add("x")
	if !rc.Keep().Has("x") {
		t.Fatal("Keep() should return the same underlying set on every call")
	}
}
