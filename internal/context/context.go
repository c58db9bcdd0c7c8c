// Package context stores per-pane working-memory files for panebus.
// Context files are markdown files in .panebus/context/{pane}.md, rendered
// from the ledger's latest context so an agent can re-read what it knew
// after a restart.
package context

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"text/template"

	"github.com/leonletto/panebus/internal/ledger"
)

var paneNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidatePane rejects pane ids that cannot be used as file names.
func ValidatePane(pane string) error {
	if !paneNamePattern.MatchString(pane) {
		return fmt.Errorf("invalid pane name %q", pane)
	}
	return nil
}

// Save writes context content for the pane.
// Creates the context directory if it doesn't exist.
func Save(stateDir, pane string, content []byte) error {
	if err := ValidatePane(pane); err != nil {
		return err
	}
	dir := filepath.Join(stateDir, "context")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create context directory: %w", err)
	}
	if err := os.WriteFile(ContextPath(stateDir, pane), content, 0644); err != nil { //nolint:gosec // G306 - markdown files, not secrets
		return fmt.Errorf("write context file: %w", err)
	}
	return nil
}

// Load reads context content for the pane.
// Returns nil, nil if the context file doesn't exist.
func Load(stateDir, pane string) ([]byte, error) {
	if err := ValidatePane(pane); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(ContextPath(stateDir, pane)) //nolint:gosec // G304 - path from internal context directory
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read context file: %w", err)
	}
	return data, nil
}

// Clear removes the context file for the pane. Idempotent.
func Clear(stateDir, pane string) error {
	if err := ValidatePane(pane); err != nil {
		return err
	}
	if err := os.Remove(ContextPath(stateDir, pane)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove context file: %w", err)
	}
	return nil
}

// ContextPath returns the path of the pane's context file.
func ContextPath(stateDir, pane string) string {
	return filepath.Join(stateDir, "context", pane+".md")
}

// PreamblePath returns the path of the pane's preamble file.
func PreamblePath(stateDir, pane string) string {
	return filepath.Join(stateDir, "context", pane+"_preamble.md")
}

// LoadPreamble reads the pane's preamble.
// Returns nil, nil if the preamble file doesn't exist.
func LoadPreamble(stateDir, pane string) ([]byte, error) {
	data, err := os.ReadFile(PreamblePath(stateDir, pane)) //nolint:gosec // G304 - path from internal context directory
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read preamble file: %w", err)
	}
	return data, nil
}

// SavePreamble writes the pane's preamble.
func SavePreamble(stateDir, pane string, content []byte) error {
	if err := ValidatePane(pane); err != nil {
		return err
	}
	dir := filepath.Join(stateDir, "context")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create context directory: %w", err)
	}
	if err := os.WriteFile(PreamblePath(stateDir, pane), content, 0644); err != nil { //nolint:gosec // G306 - markdown files, not secrets
		return fmt.Errorf("write preamble file: %w", err)
	}
	return nil
}

// DefaultPreamble returns the default preamble with the memory commands an
// agent needs.
func DefaultPreamble() []byte {
	return []byte(`## panebus Quick Reference

**Record a decision:** ` + "`panebus decision record --category directive --title \"...\" --author <you>`" + `
**Replace a decision:** ` + "`panebus decision supersede <DECISION_ID> --title \"...\"`" + `
**Search memory:** ` + "`panebus decision search <text>`" + `
**Refresh this file:** ` + "`panebus context --write <pane>`" + `
`)
}

// EnsurePreamble creates the default preamble if none exists.
func EnsurePreamble(stateDir, pane string) error {
	if _, err := os.Stat(PreamblePath(stateDir, pane)); err == nil {
		return nil
	}
	return SavePreamble(stateDir, pane, DefaultPreamble())
}

var contextTemplate = template.Must(template.New("context.md").Parse(`# Working Memory{{if .Pane}}: {{.Pane}}{{end}}

- Status: {{.Ctx.Status}}
{{- with .Ctx.Session}}
- Session: #{{.SessionNumber}} ({{.SessionID}})
{{- end}}
{{- if .Ctx.Date}}
- Date: {{.Ctx.Date}}
{{- end}}
{{- if .Ctx.Mode}}
- Mode: {{.Ctx.Mode}}
{{- end}}
- Source: {{.Ctx.Source}}
{{- if .Ctx.ImportantNotes}}

## Important Notes
{{range .Ctx.ImportantNotes}}
- {{.}}
{{- end}}
{{- end}}
{{- if .Ctx.KnownIssues}}

## Known Issues
{{range $title, $body := .Ctx.KnownIssues}}
- {{$title}}{{if $body}}: {{$body}}{{end}}
{{- end}}
{{- end}}
{{- if .Ctx.NotYetDone}}

## Not Yet Done
{{range .Ctx.NotYetDone}}
- [ ] {{.}}
{{- end}}
{{- end}}
{{- if .Ctx.Completed}}

## Recently Completed
{{range .Ctx.Completed}}
- [x] {{.Title}}
{{- end}}
{{- end}}
{{- if .Ctx.Architecture.Decisions}}

## Architecture
{{range .Ctx.Architecture.Decisions}}
- {{.Title}}{{if .Body}}: {{.Body}}{{end}}
{{- end}}
{{- end}}
`))

// Render formats assembled context as markdown.
func Render(pane string, c ledger.LatestContext) ([]byte, error) {
	var buf bytes.Buffer
	data := struct {
		Pane string
		Ctx  ledger.LatestContext
	}{pane, c}
	if err := contextTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render context: %w", err)
	}
	return buf.Bytes(), nil
}

// Write renders c, prefixes the pane's preamble when one exists, and saves
// the result. It returns the path written.
func Write(stateDir, pane string, c ledger.LatestContext) (string, error) {
	body, err := Render(pane, c)
	if err != nil {
		return "", err
	}
	preamble, err := LoadPreamble(stateDir, pane)
	if err != nil {
		return "", err
	}
	if len(preamble) > 0 {
		body = append(append(preamble, '\n'), body...)
	}
	if err := Save(stateDir, pane, body); err != nil {
		return "", err
	}
	return ContextPath(stateDir, pane), nil
}
