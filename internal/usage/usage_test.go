package usage

import (
	"encoding/csv"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aaarefine/internal/llm"
)

func TestPricingCost(t *testing.T) {
	p := DefaultPricing()
	r := &llm.Reply{PromptTokens: 1_000_000, CachedTokens: 200_000, CompletionTokens: 500_000}

	want := 0.8*1.100 + 0.2*0.275 + 0.5*4.400
	assert.InDelta(t, want, p.Cost(r), 1e-9)
}

func TestPricingCachedNeverExceedsPrompt(t *testing.T) {
	p := DefaultPricing()
	r := &llm.Reply{PromptTokens: 10, CachedTokens: 50}
	assert.InDelta(t, 10*0.275/1_000_000, p.Cost(r), 1e-12)
}

func TestMeter(t *testing.T) {
	m := NewMeter(DefaultPricing())
	m.Add(&llm.Reply{PromptTokens: 100, CompletionTokens: 20})
	m.Add(&llm.Reply{PromptTokens: 50, CompletionTokens: 5})
	m.Add(nil)

	assert.Equal(t, 2, m.Calls())
	assert.Equal(t, 175, m.Tokens())
	assert.Greater(t, m.Cost(), 0.0)
}

type failingSink struct{ calls int }

func (f *failingSink) RecordUsage(Record) error {
	f.calls++
	return errors.New("disk full")
}

func TestTrackerKeepsRecordWhenSinkFails(t *testing.T) {
	sink := &failingSink{}
	tr := NewTracker(t.TempDir(), sink, nil)

	err := tr.Record(Record{TestCase: "testA"})
	assert.Error(t, err)
	assert.Equal(t, 1, sink.calls)
	assert.Len(t, tr.Records(), 1)
}

func TestTrackerSaveCSV(t *testing.T) {
	dir := t.TempDir()
	tr := NewTracker(dir, nil, nil)

	require.NoError(t, tr.Record(Record{
		Project: "commons-cli", TestClass: "org.apache.BugsTest", TestCase: "test11457",
		Strategy: "aaa", Cost: 0.0123456789, Elapsed: 1500 * time.Millisecond,
		OuterIterations: 2, TokensUsed: 900, Success: true,
	}))
	require.NoError(t, tr.Record(Record{
		Project: "commons-cli", TestClass: "org.apache.BugsTest", TestCase: "test13425",
		Strategy: "aaa", Elapsed: time.Second, OuterIterations: 5, ErrorMessage: "max iterations",
	}))
	require.NoError(t, tr.Record(Record{Project: "commons-lang", TestClass: "X", TestCase: "y"}))

	path, err := tr.SaveCSV("commons-cli")
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{"commons-cli", "org.apache.BugsTest", "test11457", "aaa", "0.012346", "1.500", "2", "900", "true", ""}, rows[1])
	assert.Equal(t, "max iterations", rows[2][9])
}

func TestTrackerSaveCSVEmpty(t *testing.T) {
	tr := NewTracker(t.TempDir(), nil, nil)
	path, err := tr.SaveCSV("p")
	require.NoError(t, err)
	assert.Empty(t, path)

	require.NoError(t, tr.Record(Record{Project: "other"}))
	path, err = tr.SaveCSV("p")
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, Summary{}, Summarize(nil))

	s := Summarize([]Record{
		{Cost: 1, Elapsed: 2 * time.Second, OuterIterations: 1, TokensUsed: 10, Success: true},
		{Cost: 3, Elapsed: 4 * time.Second, OuterIterations: 5, TokensUsed: 30},
	})
	assert.Equal(t, 2, s.TotalCases)
	assert.Equal(t, 1, s.SuccessfulCases)
	assert.InDelta(t, 2.0, s.AverageCostPerCase, 1e-9)
	assert.Equal(t, 3*time.Second, s.AverageTimePerCase)
	assert.InDelta(t, 3.0, s.AverageLoopsPerCase, 1e-9)
	assert.Equal(t, 40, s.TotalTokens)
}
