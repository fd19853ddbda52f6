// Package refine drives the generate, sanitize and validate loop that
// rewrites a flagged test method.
//
// A session runs a bounded outer loop of validation-driven retries. Each
// outer iteration runs a bounded inner loop of sanitizer-driven retries.
// Every outcome, including gateway failures, is returned as a Result.
package refine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"aaarefine/internal/extract"
	"aaarefine/internal/llm"
	"aaarefine/internal/prompts"
	"aaarefine/internal/testctx"
	"aaarefine/internal/usage"
	"aaarefine/internal/verdict"
)

const (
	DefaultMaxOuterIterations = 5
	DefaultMaxInnerAttempts   = 3
	DefaultCallTimeout        = 2 * time.Minute
)

const retryFeedback = "The refactored test case still has the issue. Please fix it and try again."

// Latency operation names.
const (
	OpGenerate = "generate"
	OpValidate = "validate"
)

// Config bounds a session.
type Config struct {
	MaxOuterIterations int
	MaxInnerAttempts   int
	// CallTimeout applies to each gateway call. Zero disables it.
	CallTimeout time.Duration
	Mode        verdict.Mode
	Pricing     usage.Pricing
}

// DefaultConfig returns the default bounds with o4-mini pricing.
func DefaultConfig() Config {
	return Config{
		MaxOuterIterations: DefaultMaxOuterIterations,
		MaxInnerAttempts:   DefaultMaxInnerAttempts,
		CallTimeout:        DefaultCallTimeout,
		Mode:               verdict.ModeAAA,
		Pricing:            usage.DefaultPricing(),
	}
}

// Sanitizer normalizes a raw code block and judges whether the
// normalization was minor.
type Sanitizer interface {
	Clean(raw string) string
	IsCleanEnough(raw, sanitized string) bool
}

// PromptAssembler produces the system and user prompts.
type PromptAssembler interface {
	SystemPrompt(name string) (string, error)
	GenerationPrompt(c *testctx.Context, issue, source string, imports []string, feedback string) (string, error)
	ValidationPrompt(c *testctx.Context, candidate string, imports []string, issue string) (string, error)
}

// UsageRecorder receives one record per finished session.
type UsageRecorder interface {
	Record(rec usage.Record) error
}

// LatencyRecorder receives the wall time of every gateway call.
type LatencyRecorder interface {
	RecordLatency(operation string, latencyMs int) error
}

// Controller runs refinement sessions. It holds no per-session state, so
// one Controller may run sessions concurrently as long as its
// collaborators are safe for concurrent use.
type Controller struct {
	gateway     llm.Gateway
	sanitizer   Sanitizer
	prompts     PromptAssembler
	interpreter *verdict.Interpreter
	usage       UsageRecorder
	latency     LatencyRecorder
	cfg         Config
	logger      *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithUsage sets the usage collaborator.
func WithUsage(u UsageRecorder) Option {
	return func(c *Controller) { c.usage = u }
}

// WithLatency sets the latency collaborator.
func WithLatency(l LatencyRecorder) Option {
	return func(c *Controller) { c.latency = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New creates a controller. Non-positive bounds fall back to the defaults.
func New(gateway llm.Gateway, sanitizer Sanitizer, assembler PromptAssembler, cfg Config, opts ...Option) *Controller {
	if cfg.MaxOuterIterations <= 0 {
		cfg.MaxOuterIterations = DefaultMaxOuterIterations
	}
	if cfg.MaxInnerAttempts <= 0 {
		cfg.MaxInnerAttempts = DefaultMaxInnerAttempts
	}
	if cfg.Pricing == (usage.Pricing{}) {
		cfg.Pricing = usage.DefaultPricing()
	}

	c := &Controller{
		gateway:     gateway,
		sanitizer:   sanitizer,
		prompts:     assembler,
		interpreter: verdict.NewInterpreter(cfg.Mode),
		cfg:         cfg,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective bounds.
func (c *Controller) Config() Config {
	return c.cfg
}

// Refine runs one session to a terminal state.
func (c *Controller) Refine(ctx context.Context, req Request) *Result {
	start := time.Now()
	meter := usage.NewMeter(c.cfg.Pricing)

	s := &session{
		id:    uuid.New().String(),
		state: StateRunning,
	}
	if req.Context != nil {
		s.source = req.Context.TestCaseSourceCode
		s.imports = mergeImports(req.Context.ImportedPackages, nil)
	}

	log := c.logger.With("session_id", s.id, "test", req.TestClass+"."+req.TestCase)
	log.Info("Refinement started", "issue", req.Issue, "mode", c.cfg.Mode.String())

	c.run(ctx, s, req, meter, log)

	return c.finish(s, req, meter, start, log)
}

func (c *Controller) run(ctx context.Context, s *session, req Request, meter *usage.Meter, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Refinement panicked", "panic", r)
			s.fail(StateError, fmt.Sprintf("panic: %v", r))
		}
	}()

	genSystem, err := c.prompts.SystemPrompt(prompts.SystemRefactoring)
	if err != nil {
		s.fail(StateError, err.Error())
		return
	}
	valSystem, err := c.prompts.SystemPrompt(c.validationSystem())
	if err != nil {
		s.fail(StateError, err.Error())
		return
	}

	for s.outerIteration = 1; s.outerIteration <= c.cfg.MaxOuterIterations; s.outerIteration++ {
		ilog := log.With("iteration", s.outerIteration)

		cand, err := c.generate(ctx, s, req, genSystem, meter, ilog)
		if err != nil {
			s.fail(StateError, err.Error())
			return
		}
		if cand == nil {
			s.fail(StateFailedSanitize, fmt.Sprintf(
				"no acceptable candidate after %d attempts", c.cfg.MaxInnerAttempts))
			return
		}

		v, err := c.validate(ctx, s, req, valSystem, cand, meter)
		if err != nil {
			s.fail(StateError, err.Error())
			return
		}

		if v.Clean() {
			s.state = StateSucceeded
			return
		}

		feedback := v.Reasoning
		if feedback == "" {
			feedback = retryFeedback
		}
		s.reject(feedback)
		ilog.Info("Candidate rejected",
			"original_issue", v.OriginalIssuePresent,
			"new_issue", v.NewIssuePresent,
			"new_issue_type", v.NewIssueDescription)
	}

	s.outerIteration = c.cfg.MaxOuterIterations
	s.fail(StateFailedMaxIterations, fmt.Sprintf(
		"maximum iterations (%d) reached without successful refactoring", c.cfg.MaxOuterIterations))
}

// generate runs the inner loop. It returns a nil candidate when every
// attempt was rejected by the sanitizer, and an error only for gateway or
// prompt failures.
func (c *Controller) generate(ctx context.Context, s *session, req Request, system string, meter *usage.Meter, log *slog.Logger) (*Candidate, error) {
	prompt, err := c.prompts.GenerationPrompt(req.Context, req.Issue, s.source, s.imports, s.lastFeedback)
	if err != nil {
		return nil, err
	}

	turns := append(slices.Clone(s.history), llm.UserTurn(prompt))

	for attempt := 1; attempt <= c.cfg.MaxInnerAttempts; attempt++ {
		reply, err := c.send(ctx, OpGenerate, system, turns)
		if err != nil {
			return nil, err
		}
		meter.Add(reply)

		gen := extract.ExtractCandidate(reply.Content)
		sanitized := c.sanitizer.Clean(gen.Code)
		if !c.sanitizer.IsCleanEnough(gen.Code, sanitized) {
			log.Warn("Candidate rejected by sanitizer", "attempt", attempt)
			continue
		}

		cand := &Candidate{
			RawText:            gen.Code,
			SanitizedText:      sanitized,
			AdditionalImports:  gen.Imports,
			DerivedMethodNames: extract.MethodNames(sanitized),
			Reasoning:          gen.Reasoning,
		}
		s.accept(prompt, reply.Content, cand)
		log.Debug("Candidate accepted", "attempt", attempt, "methods", cand.DerivedMethodNames)
		return cand, nil
	}
	return nil, nil
}

// validate asks for a verdict in a fresh conversation that carries none of
// the generation history.
func (c *Controller) validate(ctx context.Context, s *session, req Request, system string, cand *Candidate, meter *usage.Meter) (verdict.Verdict, error) {
	prompt, err := c.prompts.ValidationPrompt(req.Context, cand.SanitizedText, s.imports, req.Issue)
	if err != nil {
		return verdict.Verdict{}, err
	}

	reply, err := c.send(ctx, OpValidate, system, []llm.Turn{llm.UserTurn(prompt)})
	if err != nil {
		return verdict.Verdict{}, err
	}
	meter.Add(reply)

	v := c.interpreter.Interpret(reply.Content)
	s.validations = append(s.validations, Exchange{
		Iteration: s.outerIteration,
		Prompt:    prompt,
		Response:  reply.Content,
		Verdict:   v,
	})
	return v, nil
}

// send makes one gateway call. A throttled gateway is admitted on ctx
// before the per-call timeout starts, so pacing delay does not count
// against it.
func (c *Controller) send(ctx context.Context, op, system string, turns []llm.Turn) (*llm.Reply, error) {
	if t, ok := c.gateway.(llm.Throttle); ok {
		var err error
		if ctx, err = t.Admit(ctx); err != nil {
			return nil, err
		}
	}
	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := c.gateway.Send(ctx, system, turns)
	elapsed := time.Since(start)

	if c.latency != nil {
		if lerr := c.latency.RecordLatency(op, int(elapsed.Milliseconds())); lerr != nil {
			c.logger.Warn("Failed to record latency", "operation", op, "error", lerr)
		}
	}
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, &llm.GatewayError{Op: op, Err: llm.ErrNoChoices}
	}
	return reply, nil
}

func (c *Controller) validationSystem() string {
	if c.interpreter.Mode() == verdict.ModeSmell {
		return prompts.SystemSmellChecking
	}
	return prompts.SystemIssueChecking
}

// finish builds the Result and reports usage exactly once.
func (c *Controller) finish(s *session, req Request, meter *usage.Meter, start time.Time, log *slog.Logger) *Result {
	elapsed := time.Since(start)
	if !s.state.Terminal() {
		s.fail(StateError, "session ended in non-terminal state "+string(s.state))
	}

	res := &Result{
		SessionID:           s.id,
		Success:             s.state == StateSucceeded,
		State:               s.state,
		OuterIterationsUsed: s.outerIteration,
		ErrorMessage:        s.errorMessage,
		History:             slices.Clone(s.history),
		Validations:         s.validations,
		TokensUsed:          meter.Tokens(),
		Cost:                meter.Cost(),
		Elapsed:             elapsed,
	}
	if res.History == nil {
		res.History = []llm.Turn{}
	}
	if res.Success {
		res.Candidate = s.lastCandidate
	}

	if res.Success {
		log.Info("Refinement succeeded", "iterations", res.OuterIterationsUsed, "calls", meter.Calls(),
			"cost", fmt.Sprintf("$%.4f", res.Cost))
	} else {
		log.Warn("Refinement failed", "state", res.State, "iterations", res.OuterIterationsUsed, "calls", meter.Calls(),
			"error", res.ErrorMessage)
	}

	if c.usage != nil {
		strategy := req.Strategy
		if strategy == "" {
			strategy = c.cfg.Mode.String()
		}
		err := c.usage.Record(usage.Record{
			SessionID:       s.id,
			Project:         req.Project,
			TestClass:       req.TestClass,
			TestCase:        req.TestCase,
			Strategy:        strategy,
			Cost:            res.Cost,
			Elapsed:         elapsed,
			OuterIterations: res.OuterIterationsUsed,
			TokensUsed:      res.TokensUsed,
			Success:         res.Success,
			ErrorMessage:    res.ErrorMessage,
		})
		if err != nil {
			log.Warn("Failed to record usage", "error", err)
		}
	}

	return res
}
