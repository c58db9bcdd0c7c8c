package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func mkStateDir(t *testing.T, root string) string {
	t.Helper()
	dir := filepath.Join(root, StateDirName)
	if err := os.MkdirAll(dir, 0750); err != nil {
		t.Fatalf("create state dir: %v", err)
	}
	return dir
}

func writeRedirect(t *testing.T, stateDir, target string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(stateDir, "redirect"), []byte(target), 0600); err != nil {
		t.Fatalf("write redirect: %v", err)
	}
}

func TestFindRoot(t *testing.T) {
	root := t.TempDir()
	mkStateDir(t, root)
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0750); err != nil {
		t.Fatal(err)
	}

	for _, start := range []string{root, nested} {
		got, err := FindRoot(start)
		if err != nil {
			t.Fatalf("FindRoot(%s) failed: %v", start, err)
		}
		if got != root {
			t.Errorf("FindRoot(%s) = %s, want %s", start, got, root)
		}
	}
}

func TestFindRoot_NotFound(t *testing.T) {
	_, err := FindRoot(t.TempDir())
	if !errors.Is(err, ErrNoStateDir) {
		t.Fatalf("expected ErrNoStateDir, got %v", err)
	}
}

func TestFindRoot_StateFileNotDir(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, StateDirName), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := FindRoot(root); err == nil {
		t.Error("a .panebus file should not count as a state directory")
	}
}

func TestResolveStateDir_NoRedirect(t *testing.T) {
	root := t.TempDir()
	want := mkStateDir(t, root)

	got, err := ResolveStateDir(root)
	if err != nil {
		t.Fatalf("ResolveStateDir failed: %v", err)
	}
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
	if IsRedirected(root) {
		t.Error("IsRedirected should be false")
	}
}

func TestResolveStateDir_Redirect(t *testing.T) {
	main := mkStateDir(t, t.TempDir())
	featureRoot := t.TempDir()
	writeRedirect(t, mkStateDir(t, featureRoot), main+"\n")

	root, stateDir, err := Discover(featureRoot)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if root != featureRoot || stateDir != main {
		t.Errorf("Discover = (%s, %s), want (%s, %s)", root, stateDir, featureRoot, main)
	}
	if !IsRedirected(featureRoot) {
		t.Error("IsRedirected should be true")
	}
}

func TestResolveStateDir_BadRedirects(t *testing.T) {
	chained := mkStateDir(t, t.TempDir())
	writeRedirect(t, chained, mkStateDir(t, t.TempDir()))

	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		target string
		want   string
	}{
		{"empty", "  \n", "empty"},
		{"relative", "../other/.panebus", "absolute"},
		{"missing", "/definitely/not/here", "does not exist"},
		{"file", file, "not a directory"},
		{"chain", chained, "chain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeRedirect(t, mkStateDir(t, root), tt.target)

			_, err := ResolveStateDir(root)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ResolveStateDir error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestSubdirs(t *testing.T) {
	if got := ContextDir("/r/.panebus"); got != filepath.Join("/r/.panebus", "context") {
		t.Errorf("ContextDir = %s", got)
	}
	if got := ContractsDir("/r/.panebus"); got != filepath.Join("/r/.panebus", "contracts") {
		t.Errorf("ContractsDir = %s", got)
	}
}
