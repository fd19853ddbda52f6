package refine

import (
	"time"

	"aaarefine/internal/llm"
	"aaarefine/internal/testctx"
	"aaarefine/internal/verdict"
)

// State is the lifecycle state of a refinement session.
type State string

const (
	StateRunning             State = "RUNNING"
	StateSucceeded           State = "SUCCEEDED"
	StateFailedSanitize      State = "FAILED_SANITIZE"
	StateFailedMaxIterations State = "FAILED_MAX_ITERATIONS"
	StateError               State = "ERROR"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s != StateRunning && s != ""
}

// Request identifies the test method to refactor and the issue to remove.
type Request struct {
	Project   string           `json:"project"`
	TestClass string           `json:"test_class"`
	TestCase  string           `json:"test_case"`
	Issue     string           `json:"issue"`
	Context   *testctx.Context `json:"-"`

	// Strategy labels the usage record. Defaults to the validation mode.
	Strategy string `json:"strategy,omitempty"`
}

// Candidate is one generated and sanitized proposal.
type Candidate struct {
	RawText            string   `json:"raw_text"`
	SanitizedText      string   `json:"sanitized_text"`
	AdditionalImports  []string `json:"additional_imports,omitempty"`
	DerivedMethodNames []string `json:"derived_method_names,omitempty"`
	Reasoning          string   `json:"reasoning,omitempty"`
}

// Exchange is one stateless validation call, kept for auditing.
type Exchange struct {
	Iteration int             `json:"iteration"`
	Prompt    string          `json:"prompt"`
	Response  string          `json:"response"`
	Verdict   verdict.Verdict `json:"verdict"`
}

// Result is the terminal outcome of a session.
type Result struct {
	SessionID           string        `json:"session_id"`
	Success             bool          `json:"success"`
	State               State         `json:"state"`
	Candidate           *Candidate    `json:"candidate,omitempty"`
	OuterIterationsUsed int           `json:"outer_iterations_used"`
	ErrorMessage        string        `json:"error_message,omitempty"`
	History             []llm.Turn    `json:"history"`
	Validations         []Exchange    `json:"validations,omitempty"`
	TokensUsed          int           `json:"tokens_used"`
	Cost                float64       `json:"cost"`
	Elapsed             time.Duration `json:"elapsed"`
}

// session is the mutable state of one Refine call. It is owned by the
// controller goroutine running it and discarded once terminal.
type session struct {
	id             string
	outerIteration int
	history        []llm.Turn
	lastCandidate  *Candidate
	lastFeedback   string
	state          State
	errorMessage   string

	source  string
	imports []string

	validations []Exchange
}

// accept appends the accepted generation exchange. It is the only place
// the history grows.
func (s *session) accept(prompt, answer string, c *Candidate) {
	s.history = append(s.history, llm.UserTurn(prompt), llm.AssistantTurn(answer))
	s.lastCandidate = c
	s.imports = mergeImports(s.imports, c.AdditionalImports)
}

// reject carries a rejected candidate into the next outer iteration.
func (s *session) reject(feedback string) {
	s.lastFeedback = feedback
	s.source = s.lastCandidate.SanitizedText
}

func (s *session) fail(state State, msg string) {
	s.state = state
	s.errorMessage = msg
}

// mergeImports appends the entries of extra not already in base, keeping
// order.
func mergeImports(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, imp := range list {
			if seen[imp] {
				continue
			}
			seen[imp] = true
			out = append(out, imp)
		}
	}
	return out
}
