package prompts

import (
	"fmt"
	"strings"

	"aaarefine/internal/testctx"
)

// GenerationPrompt builds the refactoring request. source is the code the
// model should start from: the original test on the first iteration, the
// previously rejected candidate afterwards. feedback is omitted when empty.
func (m *Manager) GenerationPrompt(c *testctx.Context, issue, source string, imports []string, feedback string) (string, error) {
	instructions, err := m.IssuePrompt(issue)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	tag(&b, "Issue Type", issue)
	tag(&b, "Test Case Source Code", source)
	tag(&b, "Test Case Import Packages", strings.Join(imports, ", "))
	contextTags(&b, c)
	tag(&b, "Refactoring Prompt", instructions)
	if feedback != "" {
		tag(&b, "Validation Feedback", feedback)
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

// ValidationPrompt builds the verification request for a candidate.
func (m *Manager) ValidationPrompt(c *testctx.Context, candidate string, imports []string, issue string) (string, error) {
	var b strings.Builder
	tag(&b, "original issue type", issue)
	tag(&b, "Test Case Source Code", candidate)
	tag(&b, "Test Case Import Packages", strings.Join(imports, ", "))
	contextTags(&b, c)
	return strings.TrimSuffix(b.String(), "\n"), nil
}

func contextTags(b *strings.Builder, c *testctx.Context) {
	if c == nil {
		c = &testctx.Context{}
	}
	tag(b, "Production Function Implementations", strings.Join(c.ProductionFunctionImplementations, ", "))
	tag(b, "Test Case Before Methods", strings.Join(c.BeforeMethods, ", "))
	tag(b, "Test Case After Methods", strings.Join(c.AfterMethods, ", "))
	tag(b, "Test Case Before All Methods", strings.Join(c.BeforeAllMethods, ", "))
	tag(b, "Test Case After All Methods", strings.Join(c.AfterAllMethods, ", "))
}

func tag(b *strings.Builder, name, content string) {
	fmt.Fprintf(b, "<%s>%s</%s>\n", name, content, name)
}
