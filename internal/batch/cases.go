// Package batch runs refactoring cases from a cases CSV through the
// refinement controller and persists the outcomes.
package batch

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// IssueGoodAAA marks a test that needs no refactoring.
const IssueGoodAAA = "good aaa"

var requiredColumns = []string{"project_name", "test_class_name", "test_method_name", "issue_type"}

// Case is one row of the cases CSV.
type Case struct {
	Project    string `json:"project"`
	TestClass  string `json:"test_class"`
	TestMethod string `json:"test_method"`
	IssueType  string `json:"issue_type"`
	Runable    string `json:"runable"`
}

func (c Case) String() string {
	return c.Project + ":" + c.TestClass + "." + c.TestMethod
}

// Runnable reports whether the case was marked runnable by discovery.
func (c Case) Runnable() bool {
	return strings.EqualFold(strings.TrimSpace(c.Runable), "yes")
}

// NeedsRefactoring reports whether the case carries an issue to remove.
func (c Case) NeedsRefactoring() bool {
	issue := strings.ToLower(strings.TrimSpace(c.IssueType))
	return issue != "" && issue != IssueGoodAAA
}

// GoodAAA reports whether the case was labelled as already following the
// pattern.
func (c Case) GoodAAA() bool {
	return strings.EqualFold(strings.TrimSpace(c.IssueType), IssueGoodAAA)
}

// ReadCasesFile reads the cases CSV at path.
func ReadCasesFile(path string) ([]Case, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cases file: %w", err)
	}
	defer f.Close()

	cases, err := ReadCases(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cases, nil
}

// ReadCases decodes a cases CSV. Columns are located by header name; extra
// columns are ignored and a missing runable column reads as "no".
func ReadCases(r io.Reader) ([]Case, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	field := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var cases []Case
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		runable := field(row, "runable")
		if runable == "" {
			runable = "no"
		}
		cases = append(cases, Case{
			Project:    field(row, "project_name"),
			TestClass:  field(row, "test_class_name"),
			TestMethod: field(row, "test_method_name"),
			IssueType:  field(row, "issue_type"),
			Runable:    runable,
		})
	}
	return cases, nil
}

// Selectable returns the cases a batch should refine: runnable ones that
// carry an issue.
func Selectable(cases []Case) []Case {
	var out []Case
	for _, c := range cases {
		if c.Runnable() && c.NeedsRefactoring() {
			out = append(out, c)
		}
	}
	return out
}
