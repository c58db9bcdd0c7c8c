package context

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leonletto/panebus/internal/ledger"
)

func TestSave(t *testing.T) {
	stateDir := t.TempDir()
	content := []byte("# Test Context\n\nSome session state here.\n")

	if err := Save(stateDir, "pane-1", content); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	path := filepath.Join(stateDir, "context", "pane-1.md")
	data, err := os.ReadFile(path) //nolint:gosec // G304 - test helper reading temp file
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", data, content)
	}

	info, err := os.Stat(filepath.Join(stateDir, "context"))
	if err != nil {
		t.Fatalf("Stat context dir: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0750 {
		t.Errorf("directory permission: got %o, want 0750", perm)
	}
}

func TestSaveOverwrite(t *testing.T) {
	stateDir := t.TempDir()

	if err := Save(stateDir, "pane", []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := Save(stateDir, "pane", []byte("second")); err != nil {
		t.Fatal(err)
	}

	data, err := Load(stateDir, "pane")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Errorf("got %q, want %q", data, "second")
	}
}

func TestLoadNonExistent(t *testing.T) {
	data, err := Load(t.TempDir(), "nonexistent")
	if err != nil {
		t.Fatalf("Load should not error for missing file: %v", err)
	}
	if data != nil {
		t.Errorf("expected nil for missing context, got %q", data)
	}
}

func TestClear(t *testing.T) {
	stateDir := t.TempDir()

	if err := Save(stateDir, "pane", []byte("data")); err != nil {
		t.Fatal(err)
	}
	if err := Clear(stateDir, "pane"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	data, err := Load(stateDir, "pane")
	if err != nil {
		t.Fatal(err)
	}
	if data != nil {
		t.Errorf("expected nil after clear, got %q", data)
	}

	// Idempotent.
	if err := Clear(stateDir, "pane"); err != nil {
		t.Fatalf("Clear should be idempotent: %v", err)
	}
}

func TestRejectsUnsafePaneNames(t *testing.T) {
	stateDir := t.TempDir()
	for _, pane := range []string{"", "../escape", "a/b", ".hidden"} {
		if err := Save(stateDir, pane, []byte("x")); err == nil {
			t.Errorf("Save(%q) should fail", pane)
		}
		if _, err := Load(stateDir, pane); err == nil {
			t.Errorf("Load(%q) should fail", pane)
		}
		if err := Clear(stateDir, pane); err == nil {
			t.Errorf("Clear(%q) should fail", pane)
		}
	}
}

func TestContextPath(t *testing.T) {
	path := ContextPath("/repo/.panebus", "pane-1")
	want := filepath.Join("/repo/.panebus", "context", "pane-1.md")
	if path != want {
		t.Errorf("ContextPath: got %q, want %q", path, want)
	}
}

func TestSaveBadDir(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "notadir")
	if err := os.WriteFile(filePath, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := Save(filePath, "pane", []byte("data")); err == nil {
		t.Fatal("expected error when stateDir is a file")
	}
}

func TestEnsurePreamble(t *testing.T) {
	stateDir := t.TempDir()

	if err := EnsurePreamble(stateDir, "pane"); err != nil {
		t.Fatal(err)
	}
	data, err := LoadPreamble(stateDir, "pane")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(DefaultPreamble()) {
		t.Errorf("preamble = %q", data)
	}

	if err := SavePreamble(stateDir, "pane", []byte("custom\n")); err != nil {
		t.Fatal(err)
	}
	if err := EnsurePreamble(stateDir, "pane"); err != nil {
		t.Fatal(err)
	}
	data, _ = LoadPreamble(stateDir, "pane")
	if string(data) != "custom\n" {
		t.Errorf("EnsurePreamble overwrote an existing preamble: %q", data)
	}
}

func sampleContext() ledger.LatestContext {
	return ledger.LatestContext{
		Session:        &ledger.Session{SessionID: "ses_1", SessionNumber: 2},
		Date:           "2023-11-14",
		Mode:           "build",
		Status:         ledger.ContextStatusActive,
		Source:         ledger.SourceLedger,
		ImportantNotes: []string{"Use tabs: never spaces"},
		KnownIssues:    map[string]string{"slow ci": "", "flaky login": "retry twice"},
		NotYetDone:     []string{"ship v2"},
		Completed:      []ledger.Decision{{Title: "wrote parser"}},
		Architecture: ledger.ArchitectureContext{
			Decisions: []ledger.Decision{{Title: "sqlite ledger", Body: "embedded"}},
		},
	}
}

func TestRender(t *testing.T) {
	out, err := Render("pane-1", sampleContext())
	if err != nil {
		t.Fatal(err)
	}
	text := string(out)

	for _, want := range []string{
		"# Working Memory: pane-1\n",
		"- Status: ACTIVE\n",
		"- Session: #2 (ses_1)\n",
		"- Date: 2023-11-14\n",
		"- Mode: build\n",
		"- Source: ledger\n",
		"## Important Notes\n\n- Use tabs: never spaces\n",
		"## Known Issues\n\n- flaky login: retry twice\n- slow ci\n",
		"## Not Yet Done\n\n- [ ] ship v2\n",
		"## Recently Completed\n\n- [x] wrote parser\n",
		"## Architecture\n\n- sqlite ledger: embedded\n",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("rendered context missing %q\n---\n%s", want, text)
		}
	}
}

func TestRender_OmitsEmptySections(t *testing.T) {
	out, err := Render("", ledger.LatestContext{Status: ledger.ContextStatusReady, Source: ledger.SourceLedger})
	if err != nil {
		t.Fatal(err)
	}
	want := "# Working Memory\n\n- Status: READY\n- Source: ledger\n"
	if string(out) != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestWrite_PrependsPreamble(t *testing.T) {
	stateDir := t.TempDir()
	if err := SavePreamble(stateDir, "pane-1", []byte("PREAMBLE\n")); err != nil {
		t.Fatal(err)
	}

	path, err := Write(stateDir, "pane-1", sampleContext())
	if err != nil {
		t.Fatal(err)
	}
	if path != ContextPath(stateDir, "pane-1") {
		t.Errorf("path = %q", path)
	}
	data, err := Load(stateDir, "pane-1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "PREAMBLE\n\n# Working Memory: pane-1\n") {
		t.Errorf("unexpected content:\n%s", data)
	}
}
