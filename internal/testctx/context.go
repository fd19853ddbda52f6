// Package testctx loads the extracted context of a test method: its source,
// imports, fixture methods and the production code it exercises.
package testctx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrContextNotFound is returned when no context file exists for a test.
var ErrContextNotFound = errors.New("test context not found")

// Context is the JSON document produced by the test analyser.
type Context struct {
	ParsedStatementsSequence          []string `json:"parsedStatementsSequence"`
	ProductionFunctionImplementations []string `json:"productionFunctionImplementations"`
	TestCaseSourceCode                string   `json:"testCaseSourceCode"`
	ImportedPackages                  []string `json:"importedPackages"`
	TestClassName                     string   `json:"testClassName"`
	TestCaseName                      string   `json:"testCaseName"`
	ProjectName                       string   `json:"projectName"`
	BeforeMethods                     []string `json:"beforeMethods"`
	BeforeAllMethods                  []string `json:"beforeAllMethods"`
	AfterMethods                      []string `json:"afterMethods"`
	AfterAllMethods                   []string `json:"afterAllMethods"`
}

// FileName is the name of the context file for one test method.
func FileName(project, class, method string) string {
	return fmt.Sprintf("%s_%s_%s.json", project, class, method)
}

// Loader reads contexts from a data directory.
type Loader struct {
	dir string
}

// NewLoader returns a loader rooted at dir.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Load reads <dir>/<project>_<class>_<method>.json.
func (l *Loader) Load(project, class, method string) (*Context, error) {
	path := filepath.Join(l.dir, FileName(project, class, method))

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrContextNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read test context: %w", err)
	}

	return Parse(data)
}

// Parse decodes a context document. Missing keys decode to empty values.
func Parse(data []byte) (*Context, error) {
	var c Context
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode test context: %w", err)
	}
	return &c, nil
}
