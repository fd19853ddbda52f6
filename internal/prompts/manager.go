// Package prompts loads system and issue prompts and assembles the tagged
// user prompts sent to the model.
package prompts

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

//go:embed defaults/system/*.md defaults/refactoring/*.md
var defaults embed.FS

// ErrPromptNotFound is returned when neither the prompts directory nor the
// built-in defaults contain a prompt.
var ErrPromptNotFound = errors.New("prompt not found")

// System prompt names.
const (
	SystemRefactoring   = "refactoring"
	SystemIssueChecking = "issue_checking"
	SystemSmellChecking = "smell_checking"
)

// Manager resolves prompts from a directory, falling back to the built-in
// defaults. Loaded prompts are cached.
type Manager struct {
	dir string

	mu    sync.RWMutex
	cache map[string]string
}

// NewManager returns a manager reading overrides from dir. An empty dir
// uses the built-in defaults only.
func NewManager(dir string) *Manager {
	return &Manager{
		dir:   dir,
		cache: make(map[string]string),
	}
}

// SystemPrompt returns system/<name>.md.
func (m *Manager) SystemPrompt(name string) (string, error) {
	return m.load(path.Join("system", name+".md"))
}

// IssuePrompt returns the refactoring instructions for an issue type.
func (m *Manager) IssuePrompt(issue string) (string, error) {
	return m.load(path.Join("refactoring", IssueFileName(issue)+".md"))
}

var issueFiles = map[string]string{
	"assert pre-condition": "assert_precondition",
	"arrange & quit":       "arrange_quit",
	"multiple aaa":         "multiple_aaa",
	"missing assert":       "missing_assert",
	"obscure assert":       "obscure_assert",
	"multiple acts":        "multiple_acts",
	"suppressed exception": "suppressed_exception",
}

// IssueFileName maps an issue type to its prompt file name without
// extension. For a combined issue list only the first entry is used.
func IssueFileName(issue string) string {
	primary := strings.SplitN(issue, ",", 2)[0]
	primary = strings.ToLower(strings.Trim(strings.TrimSpace(primary), "[]"))
	primary = strings.TrimSpace(primary)

	if name, ok := issueFiles[primary]; ok {
		return name
	}
	return strings.NewReplacer(" ", "_", "-", "_").Replace(primary)
}

func (m *Manager) load(rel string) (string, error) {
	m.mu.RLock()
	content, ok := m.cache[rel]
	m.mu.RUnlock()
	if ok {
		return content, nil
	}

	content, err := m.read(rel)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.cache[rel] = content
	m.mu.Unlock()
	return content, nil
}

func (m *Manager) read(rel string) (string, error) {
	if m.dir != "" {
		data, err := os.ReadFile(filepath.Join(m.dir, filepath.FromSlash(rel)))
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to read prompt %s: %w", rel, err)
		}
	}

	data, err := defaults.ReadFile(path.Join("defaults", rel))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPromptNotFound, rel)
	}
	return string(data), nil
}
