package extract

import (
	"fmt"
	"regexp"
	"strings"
)

// Tag names used by the refactoring and verification prompts.
const (
	FieldRefactoredCode    = "Refactored Test Case Source Code"
	FieldAdditionalImports = "Refactored Test Case Additional Import Packages"
	FieldRefactorReasoning = "Refactoring Reasoning"

	FieldNewIssueExists = "new issue type exists"
	FieldNewIssueType   = "new issue type"
	FieldReasoning      = "reasoning"
)

// Flag families of the numbered verification fields.
const (
	FamilyIssue = "issue"
	FamilySmell = "smell"
)

// Generation is the typed content of a refactoring answer.
type Generation struct {
	Code      string
	Imports   []string
	Reasoning string
}

// ExtractCandidate reads the code block, the declared imports and the
// reasoning from a refactoring answer.
func ExtractCandidate(text string) Generation {
	return Generation{
		Code:      Extract(text, FieldRefactoredCode),
		Imports:   SplitImports(Extract(text, FieldAdditionalImports)),
		Reasoning: Extract(text, FieldRefactorReasoning),
	}
}

var emptyImportWords = map[string]bool{"none": true, "n/a": true, "empty": true}

// SplitImports splits a comma- or newline-separated import list and drops
// blank entries and placeholders such as "None" or "N/A".
func SplitImports(list string) []string {
	if strings.TrimSpace(list) == "" {
		return nil
	}

	var imports []string
	for _, item := range strings.Split(strings.ReplaceAll(list, ",", "\n"), "\n") {
		item = strings.TrimSpace(item)
		if item == "" || emptyImportWords[strings.ToLower(item)] {
			continue
		}
		imports = append(imports, item)
	}
	return imports
}

// SubIssue is the verifier's answer for one numbered part of a composite
// issue.
type SubIssue struct {
	Index   int
	Present bool
}

// VerdictFields is the raw content of a verification answer, before the
// composite and aggregate flags are reconciled.
type VerdictFields struct {
	SubIssues []SubIssue

	// Aggregate is the text of the singular or plural aggregate flag. It is
	// only probed when no numbered sub-issue was found.
	Aggregate      string
	AggregateFound bool

	NewIssueText        string
	NewIssueDescription string
	Reasoning           string
}

// maxSubIssues bounds the numbered probe so that a pathological answer
// cannot make the scan unbounded.
const maxSubIssues = 64

// ExtractVerdict reads a verification answer. family is the noun used in
// the numbered flags, "issue" for "<issue 1 exists>" or "smell" for
// "<smell 1 exists>".
func ExtractVerdict(text, family string) VerdictFields {
	var v VerdictFields

	for n := 1; n <= maxSubIssues; n++ {
		flag := Extract(text, fmt.Sprintf("%s %d exists", family, n))
		if flag == "" {
			break
		}
		v.SubIssues = append(v.SubIssues, SubIssue{Index: n, Present: ParseBoolean(flag)})
	}

	if len(v.SubIssues) == 0 {
		for _, field := range AggregateFields(family) {
			if flag := Extract(text, field); flag != "" {
				v.Aggregate = flag
				v.AggregateFound = true
				break
			}
		}
	}

	v.NewIssueText = Extract(text, FieldNewIssueExists)
	v.NewIssueDescription = Extract(text, FieldNewIssueType)
	v.Reasoning = Extract(text, FieldReasoning)
	return v
}

// AggregateFields returns the singular and plural aggregate flag names for
// a family, in lookup order. Families other than "issue" fall back to the
// issue pair, which every verifier prompt may answer with.
func AggregateFields(family string) []string {
	fields := []string{
		fmt.Sprintf("original %s type exists", family),
		fmt.Sprintf("original %s types exist", family),
	}
	if family != FamilyIssue {
		fields = append(fields, AggregateFields(FamilyIssue)...)
	}
	return fields
}

var (
	methodDecl = regexp.MustCompile(`([A-Za-z_$][\w$]*)\s*\([^;{}()]*\)\s*(?:throws\s+[\w$.,\s]+)?\{`)

	notMethodNames = map[string]bool{
		"if": true, "for": true, "while": true, "switch": true, "catch": true,
		"synchronized": true, "try": true, "do": true, "else": true, "return": true,
		"new": true, "super": true, "this": true,
	}
)

// MethodNames lists the names of the methods declared in a Java snippet, in
// declaration order and without duplicates. Lambdas, control statements and
// anonymous class instantiations are skipped.
func MethodNames(code string) []string {
	var names []string
	seen := make(map[string]bool)

	for _, m := range methodDecl.FindAllStringSubmatchIndex(code, -1) {
		name := code[m[2]:m[3]]
		if notMethodNames[name] || seen[name] || !isDeclaration(code[:m[0]]) {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// isDeclaration reports whether the text before a "name(...) {" match ends
// with a return type, which separates declarations from calls such as
// "new Runnable() {".
func isDeclaration(prefix string) bool {
	prefix = strings.TrimRight(prefix, " \t\r\n")
	if prefix == "" {
		return false
	}
	last := prefix[len(prefix)-1]
	if last == '>' || last == ']' {
		return true
	}

	i := len(prefix)
	for i > 0 && isIdentByte(prefix[i-1]) {
		i--
	}
	word := prefix[i:]
	if word == "" || word == "new" || word == "return" || word == "else" {
		return false
	}
	return true
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' || c == '.' ||
		('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}
