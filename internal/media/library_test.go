package media

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFilesFiltersAndSorts(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	touch(t, dir, "b.ogg", "a.OGG", "notes.txt", ".hidden.ogg", "c.mp3")
	if err := os.Mkdir(filepath.Join(dir, "sub.ogg"), 0o755); err != nil {
		t.Fatal(err)
	}

	lib, err := New(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := lib.Files()
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	want := []string{"a.OGG", "b.ogg", "c.mp3"}
	if len(got) != len(want) {
		t.Fatalf("files = %v", got)
	}
	for i, n := range want {
		if filepath.Base(got[i]) != n {
			t.Fatalf("files[%d] = %s, want %s", i, got[i], n)
		}
	}
}

func TestPick(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	touch(t, dir, "one.ogg", "two.ogg", "three.ogg")
	lib, err := New(dir, []string{"ogg"})
	if err != nil {
		t.Fatal(err)
	}
	lib.intn = func(n int) int { return n - 1 }

	got, err := lib.Pick()
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if filepath.Base(got) != "two.ogg" {
		t.Fatalf("Pick = %s, want two.ogg (last in name order)", got)
	}
}

func TestPickEmpty(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	touch(t, dir, "readme.md")
	lib, err := New(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := lib.Pick(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Pick err = %v, want ErrEmpty", err)
	}
}

func TestMissingDirectory(t *testing.T) {
	t.Parallel()
	lib, err := New(filepath.Join(t.TempDir(), "missing"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := lib.Pick(); err == nil || errors.Is(err, ErrEmpty) {
		t.Fatalf("Pick err = %v, want read error", err)
	}
	if _, err := New(" ", nil); err == nil {
		t.Fatal("expected error for blank dir")
	}
}
