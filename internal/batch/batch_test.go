package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aaarefine/internal/database"
	"aaarefine/internal/llm"
	"aaarefine/internal/refine"
	"aaarefine/internal/testctx"
	"aaarefine/internal/verdict"
)

const casesCSV = `project_name,test_class_name,test_method_name,issue_type,test_path,test_case_LOC,runable,pass
commons-cli,org.apache.commons.cli.BugsTest,test11457,Multiple AAA,src/BugsTest.java,12,yes,yes
commons-cli,org.apache.commons.cli.BugsTest,test13425,Missing Assert,src/BugsTest.java,9,yes,no
commons-cli,org.apache.commons.cli.BugsTest,testGood,Good AAA,src/BugsTest.java,5,yes,yes
commons-cli,org.apache.commons.cli.BugsTest,testBroken,Obscure Assert,src/BugsTest.java,7,no,no
`

func TestReadCases(t *testing.T) {
	cases, err := ReadCases(strings.NewReader(casesCSV))
	require.NoError(t, err)
	require.Len(t, cases, 4)

	assert.Equal(t, Case{
		Project:    "commons-cli",
		TestClass:  "org.apache.commons.cli.BugsTest",
		TestMethod: "test11457",
		IssueType:  "Multiple AAA",
		Runable:    "yes",
	}, cases[0])

	selected := Selectable(cases)
	require.Len(t, selected, 2)
	assert.Equal(t, "test11457", selected[0].TestMethod)
	assert.Equal(t, "test13425", selected[1].TestMethod)
}

func TestReadCasesDefaults(t *testing.T) {
	cases, err := ReadCases(strings.NewReader("\ufeffproject_name,test_class_name,test_method_name,issue_type\np,C,m,Multiple Acts\n"))
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, "no", cases[0].Runable)
	assert.False(t, cases[0].Runnable())
}

func TestReadCasesErrors(t *testing.T) {
	_, err := ReadCases(strings.NewReader("project_name,test_class_name\np,C\n"))
	assert.ErrorContains(t, err, "test_method_name")

	cases, err := ReadCases(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, cases)

	_, err = ReadCasesFile(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestNeedsRefactoring(t *testing.T) {
	assert.False(t, Case{IssueType: " Good AAA "}.NeedsRefactoring())
	assert.False(t, Case{}.NeedsRefactoring())
	assert.True(t, Case{IssueType: "Arrange & Quit"}.NeedsRefactoring())

	assert.True(t, Case{IssueType: " good aaa"}.GoodAAA())
	assert.False(t, Case{}.GoodAAA())
}

func TestChatHistoryPath(t *testing.T) {
	assert.Equal(t,
		filepath.Join("out", "chat_history", "commons-cli", "BugsTest_test11457.json"),
		ChatHistoryPath("out", "commons-cli", "org.apache.commons.cli.BugsTest", "test11457"))
	assert.Equal(t,
		filepath.Join("out", "chat_history", "p", "Plain_m.json"),
		ChatHistoryPath("out", "p", "Plain", "m"))
}

// fakeRefiner succeeds for every test method listed in succeed.
type fakeRefiner struct {
	succeed map[string]bool
	calls   atomic.Int32

	mu   sync.Mutex
	reqs []refine.Request
}

func (f *fakeRefiner) Refine(_ context.Context, req refine.Request) *refine.Result {
	n := f.calls.Add(1)
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	res := &refine.Result{
		SessionID:           fmt.Sprintf("session-%d", n),
		OuterIterationsUsed: 1,
		History: []llm.Turn{
			llm.UserTurn("refactor " + req.TestCase),
			llm.AssistantTurn("<Refactored Test Case Source Code>void t() {}</Refactored Test Case Source Code>"),
		},
	}
	if f.succeed[req.TestCase] {
		res.Success = true
		res.State = refine.StateSucceeded
		res.Candidate = &refine.Candidate{SanitizedText: "void t() {}"}
	} else {
		res.State = refine.StateFailedMaxIterations
		res.ErrorMessage = "maximum iterations (5) reached without successful refactoring"
	}
	return res
}

type mapLoader map[string]*testctx.Context

func (m mapLoader) Load(project, class, method string) (*testctx.Context, error) {
	c, ok := m[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", testctx.ErrContextNotFound, method)
	}
	return c, nil
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func loader() mapLoader {
	return mapLoader{
		"test11457": {TestCaseSourceCode: "void test11457() {}"},
		"test13425": {TestCaseSourceCode: "void test13425() {}"},
	}
}

func TestRunPersistsAndSkipsSucceeded(t *testing.T) {
	db := openDB(t)
	out := t.TempDir()
	cases, err := ReadCases(strings.NewReader(casesCSV))
	require.NoError(t, err)

	refiner := &fakeRefiner{succeed: map[string]bool{"test11457": true}}
	runner := NewRunner(refiner, loader(), db, Options{Workers: 2, OutputDir: out, Mode: verdict.ModeAAA}, nil)

	report, err := runner.Run(context.Background(), cases)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 1, report.Ignored)
	assert.Equal(t, 1, report.GoodAAA)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{"commons-cli"}, report.Projects)
	assert.EqualValues(t, 2, refiner.calls.Load())

	for _, req := range refiner.reqs {
		assert.Equal(t, "aaa", req.Strategy)
		assert.NotNil(t, req.Context)
	}

	// Results and sessions are stored for both outcomes.
	total, succeeded, err := database.NewOutputDB(db).ResultCounts("commons-cli")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, succeeded)

	counts, err := database.NewLifecycleDB(db).StatusCounts()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"SUCCEEDED": 1, "FAILED_MAX_ITERATIONS": 1}, counts)

	data, err := os.ReadFile(ChatHistoryPath(out, "commons-cli", "org.apache.commons.cli.BugsTest", "test11457"))
	require.NoError(t, err)
	var turns []llm.Turn
	require.NoError(t, json.Unmarshal(data, &turns))
	require.Len(t, turns, 2)
	assert.Equal(t, llm.RoleUser, turns[0].Role)

	// Only the failed case runs again.
	report, err = runner.Run(context.Background(), cases)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Failed)
	assert.EqualValues(t, 3, refiner.calls.Load())

	skipped, err := database.NewMetadataDB(db).Events(0, database.EventCaseSkipped)
	require.NoError(t, err)
	var descriptions []string
	for _, e := range skipped {
		descriptions = append(descriptions, e.Description)
	}
	require.Len(t, descriptions, 3)
	assert.Equal(t, 2, countContaining(descriptions, "testGood: Good AAA"))
	assert.Equal(t, 1, countContaining(descriptions, "test11457"))

	started, err := database.NewMetadataDB(db).Events(0, database.EventBatchStarted)
	require.NoError(t, err)
	assert.Len(t, started, 2)
}

func countContaining(list []string, sub string) int {
	n := 0
	for _, s := range list {
		if strings.Contains(s, sub) {
			n++
		}
	}
	return n
}

func TestRunForceRerunsProcessed(t *testing.T) {
	db := openDB(t)
	cases := []Case{{Project: "p", TestClass: "C", TestMethod: "test11457", IssueType: "Multiple AAA", Runable: "yes"}}
	refiner := &fakeRefiner{succeed: map[string]bool{"test11457": true}}

	runner := NewRunner(refiner, loader(), db, Options{OutputDir: t.TempDir()}, nil)
	_, err := runner.Run(context.Background(), cases)
	require.NoError(t, err)

	forced := NewRunner(refiner, loader(), db, Options{OutputDir: t.TempDir(), Force: true}, nil)
	report, err := forced.Run(context.Background(), cases)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Zero(t, report.Skipped)
	assert.EqualValues(t, 2, refiner.calls.Load())
}

func TestRunMissingContextCountsAsError(t *testing.T) {
	db := openDB(t)
	cases := []Case{{Project: "p", TestClass: "C", TestMethod: "unknown", IssueType: "Multiple AAA", Runable: "yes"}}
	refiner := &fakeRefiner{}

	report, err := NewRunner(refiner, loader(), db, Options{OutputDir: t.TempDir()}, nil).Run(context.Background(), cases)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)
	assert.Zero(t, refiner.calls.Load())
}

func TestRunCaseReturnsSentinelWhenProcessed(t *testing.T) {
	db := openDB(t)
	c := Case{Project: "p", TestClass: "C", TestMethod: "test11457", IssueType: "Multiple AAA", Runable: "yes"}
	runner := NewRunner(&fakeRefiner{succeed: map[string]bool{"test11457": true}}, loader(), db,
		Options{OutputDir: t.TempDir()}, nil)

	res, err := runner.RunCase(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, res.Success)

	stored, err := database.NewOutputDB(db).GetResult(runner.Hash(c))
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, stored.SessionID)

	_, err = runner.RunCase(context.Background(), c)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestRunCancelled(t *testing.T) {
	db := openDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cases := []Case{{Project: "p", TestClass: "C", TestMethod: "test11457", IssueType: "Multiple AAA", Runable: "yes"}}
	refiner := &fakeRefiner{}
	_, err := NewRunner(refiner, loader(), db, Options{OutputDir: t.TempDir()}, nil).Run(ctx, cases)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, refiner.calls.Load())
}
