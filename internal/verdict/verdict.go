// Package verdict turns a verifier answer into a pass/fail decision.
package verdict

import (
	"fmt"
	"strings"

	"aaarefine/internal/extract"
)

// Mode selects which numbered flag family the verifier was asked to answer.
type Mode int

const (
	// ModeAAA probes "<issue N exists>" flags (Arrange-Act-Assert issues).
	ModeAAA Mode = iota
	// ModeSmell probes "<smell N exists>" flags (test smells).
	ModeSmell
)

// Family returns the noun used in the numbered flag names.
func (m Mode) Family() string {
	if m == ModeSmell {
		return extract.FamilySmell
	}
	return extract.FamilyIssue
}

func (m Mode) String() string {
	if m == ModeSmell {
		return "smell"
	}
	return "aaa"
}

// ParseMode accepts "aaa" or "smell" in any case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "aaa", "issue":
		return ModeAAA, nil
	case "smell", "smells":
		return ModeSmell, nil
	default:
		return ModeAAA, fmt.Errorf("unknown validation mode %q", s)
	}
}

// SubIssueStatus is the verifier's answer for one part of a composite issue.
type SubIssueStatus struct {
	Index   int  `json:"index"`
	Present bool `json:"present"`
}

// Verdict is the structured result of one verification call.
type Verdict struct {
	OriginalIssuePresent bool             `json:"original_issue_present"`
	NewIssuePresent      bool             `json:"new_issue_present"`
	NewIssueDescription  string           `json:"new_issue_description,omitempty"`
	SubIssues            []SubIssueStatus `json:"sub_issues,omitempty"`
	Reasoning            string           `json:"reasoning,omitempty"`
}

// Clean reports whether the candidate removed the original issue without
// introducing a new one.
func (v Verdict) Clean() bool {
	return !v.OriginalIssuePresent && !v.NewIssuePresent
}

// Interpret parses a verifier answer.
//
// When numbered flags are present the original issue counts as present if
// any of them is. Otherwise the aggregate flag decides, and a missing
// aggregate flag counts as present. A missing new-issue flag counts as
// absent.
func Interpret(text string, mode Mode) Verdict {
	fields := extract.ExtractVerdict(text, mode.Family())

	v := Verdict{
		OriginalIssuePresent: true,
		NewIssueDescription:  fields.NewIssueDescription,
		Reasoning:            fields.Reasoning,
	}

	if len(fields.SubIssues) > 0 {
		v.OriginalIssuePresent = false
		v.SubIssues = make([]SubIssueStatus, len(fields.SubIssues))
		for i, s := range fields.SubIssues {
			v.SubIssues[i] = SubIssueStatus{Index: s.Index, Present: s.Present}
			if s.Present {
				v.OriginalIssuePresent = true
			}
		}
	} else if fields.AggregateFound {
		v.OriginalIssuePresent = extract.ParseBoolean(fields.Aggregate)
	}

	if fields.NewIssueText != "" {
		v.NewIssuePresent = extract.ParseBoolean(fields.NewIssueText)
	}

	return v
}

// Interpreter binds a Mode so callers can pass the interpretation step
// around as a value.
type Interpreter struct {
	mode Mode
}

// NewInterpreter returns an Interpreter for mode.
func NewInterpreter(mode Mode) *Interpreter {
	return &Interpreter{mode: mode}
}

// Mode returns the flag family the interpreter probes.
func (i *Interpreter) Mode() Mode {
	return i.mode
}

// Interpret parses text in the interpreter's mode.
func (i *Interpreter) Interpret(text string) Verdict {
	return Interpret(text, i.mode)
}
