package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		field string
		want  string
	}{
		{"exact case", "<Refactoring Reasoning> split the acts </Refactoring Reasoning>", "Refactoring Reasoning", "split the acts"},
		{"case insensitive", "<refactoring reasoning>why</REFACTORING REASONING>", "Refactoring Reasoning", "why"},
		{"underscore variant", "<Refactoring_Reasoning>why</Refactoring_Reasoning>", "Refactoring Reasoning", "why"},
		{"no space variant", "<refactoringreasoning>why</RefactoringReasoning>", "Refactoring Reasoning", "why"},
		{"space variant of underscore field", "<new issue>x</new issue>", "new_issue", "x"},
		{"exact preferred over folded", "<a>lower</a><A>upper</A>", "A", "upper"},
		{"first pair wins", "<a>one</a><a>two</a>", "a", "one"},
		{"multiline content kept", "<code>\nline1\nline2\n</code>", "code", "line1\nline2"},
		{"missing end marker", "<code>never closed", "code", ""},
		{"end before start", "</code>x<code>", "code", ""},
		{"no markers", "plain text", "code", ""},
		{"empty text", "", "code", ""},
		{"longer field is not a prefix match", "<new issue type exists>false</new issue type exists>", "new issue type", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Extract(tt.text, tt.field))
		})
	}
}

func TestExtractNonASCIIDoesNotShiftOffsets(t *testing.T) {
	// U+0130 lower-cases to a longer byte sequence with strings.ToLower.
	text := "İİİİ <CODE>kept</CODE> İİ"
	assert.Equal(t, "kept", Extract(text, "code"))
}

func FuzzExtract(f *testing.F) {
	for _, seed := range []string{
		"", "<", "</a>", "<a>", "<a></a>", "<A>x</a>", "<a_b>x</a b>", "İ<a>x</a>", "\x00\xff<a>",
	} {
		f.Add(seed, "a")
	}

	f.Fuzz(func(t *testing.T, text, field string) {
		got := Extract(text, field)
		if !strings.Contains(text, "<") {
			require.Empty(t, got)
		}
	})
}

func TestParseBoolean(t *testing.T) {
	for _, s := range []string{"true", "TRUE", " yes ", "1", "exists", "Present"} {
		assert.True(t, ParseBoolean(s), s)
	}
	for _, s := range []string{"false", "False", " no", "0", "absent", "NONE", "not exists"} {
		assert.False(t, ParseBoolean(s), s)
	}
	for _, s := range []string{"", "maybe", "probably not", "false.", "n", "nope"} {
		assert.True(t, ParseBoolean(s), "ambiguous %q must default to true", s)
	}
}

func TestBooleanWordSetsAreDisjoint(t *testing.T) {
	for w := range trueWords {
		assert.False(t, falseWords[w], w)
	}
}

func TestExtractCandidate(t *testing.T) {
	text := `Here you go.
<Refactored Test Case Source Code>
@Test
public void testAdd() {
    assertEquals(2, calc.add(1, 1));
}
</Refactored Test Case Source Code>
<Refactored Test Case Additional Import Packages>
org.junit.jupiter.api.Assertions, java.util.List
None
</Refactored Test Case Additional Import Packages>
<Refactoring Reasoning>Removed the second act.</Refactoring Reasoning>`

	gen := ExtractCandidate(text)
	assert.True(t, strings.HasPrefix(gen.Code, "@Test"))
	assert.Equal(t, []string{"org.junit.jupiter.api.Assertions", "java.util.List"}, gen.Imports)
	assert.Equal(t, "Removed the second act.", gen.Reasoning)
}

func TestExtractCandidateEmpty(t *testing.T) {
	gen := ExtractCandidate("I could not do it")
	assert.Empty(t, gen.Code)
	assert.Empty(t, gen.Imports)
	assert.Empty(t, gen.Reasoning)
}

func TestSplitImports(t *testing.T) {
	assert.Nil(t, SplitImports("  "))
	assert.Nil(t, SplitImports("N/A"))
	assert.Equal(t, []string{"a.B", "c.D"}, SplitImports("a.B,\n\n empty ,c.D"))
}

func TestExtractVerdictNumbered(t *testing.T) {
	v := ExtractVerdict("<issue 1 exists>true</issue 1 exists><issue 2 exists>false</issue 2 exists>", "issue")
	assert.Equal(t, []SubIssue{{1, true}, {2, false}}, v.SubIssues)
	assert.False(t, v.AggregateFound)
}

func TestExtractVerdictStopsAtFirstGap(t *testing.T) {
	v := ExtractVerdict("<issue 1 exists>no</issue 1 exists><issue 3 exists>yes</issue 3 exists>", "issue")
	assert.Equal(t, []SubIssue{{1, false}}, v.SubIssues)
}

func TestExtractVerdictAggregate(t *testing.T) {
	text := `<original issue type exists>false</original issue type exists>
<new issue type exists>true</new issue type exists>
<new issue type>Obscure Assert</new issue type>
<reasoning>The assertion message is missing.</reasoning>`

	v := ExtractVerdict(text, "issue")
	assert.Empty(t, v.SubIssues)
	assert.True(t, v.AggregateFound)
	assert.Equal(t, "false", v.Aggregate)
	assert.Equal(t, "true", v.NewIssueText)
	assert.Equal(t, "Obscure Assert", v.NewIssueDescription)
	assert.Equal(t, "The assertion message is missing.", v.Reasoning)
}

func TestExtractVerdictPluralAggregate(t *testing.T) {
	v := ExtractVerdict("<original smell types exist>no</original smell types exist>", "smell")
	assert.True(t, v.AggregateFound)
	assert.Equal(t, "no", v.Aggregate)
}

func TestExtractVerdictSmellFallsBackToIssueAggregate(t *testing.T) {
	v := ExtractVerdict("<original issue type exists>false</original issue type exists>", FamilySmell)
	assert.True(t, v.AggregateFound)
	assert.Equal(t, "false", v.Aggregate)

	v = ExtractVerdict(`<original smell type exists>true</original smell type exists>
<original issue type exists>false</original issue type exists>`, FamilySmell)
	assert.Equal(t, "true", v.Aggregate)
}

func TestAggregateFields(t *testing.T) {
	assert.Equal(t, []string{"original issue type exists", "original issue types exist"},
		AggregateFields(FamilyIssue))
	assert.Equal(t, []string{
		"original smell type exists", "original smell types exist",
		"original issue type exists", "original issue types exist",
	}, AggregateFields(FamilySmell))
}

func TestExtractVerdictFamilyIsRespected(t *testing.T) {
	v := ExtractVerdict("<smell 1 exists>true</smell 1 exists>", "issue")
	assert.Empty(t, v.SubIssues)
}

func TestMethodNames(t *testing.T) {
	code := `@Test
public void testAdd() throws Exception {
    Runnable r = new Runnable() {
        @Override public void run() {}
    };
    if (ready) {
        helper(1);
    } else if (other) {
    }
    for (int i = 0; i < 3; i++) {
    }
}

private static List<String> names(int n) {
    return Collections.emptyList();
}

public void testAdd() {}`

	assert.Equal(t, []string{"testAdd", "run", "names"}, MethodNames(code))
	assert.Empty(t, MethodNames("assertEquals(1, x.size());"))
}
