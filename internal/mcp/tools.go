package mcp

import (
	"errors"
	"fmt"
	"time"

	"aaarefine/internal/batch"
)

// statsWindowMinutes is the latency window reported by get_stats.
const statsWindowMinutes = 60

var refineParams = []string{"project", "test_class", "test_method", "issue_type"}

type actionSpec struct {
	name        string
	description string
	parameters  []string
}

var actions = []actionSpec{
	{
		name:        "refine",
		description: "Refactor one test method to remove the named issue; a case that already succeeded returns its stored result",
		parameters:  refineParams,
	},
	{
		name:        "get_stats",
		description: "Get session, result and usage statistics plus gateway latency percentiles",
		parameters:  []string{"project (optional)"},
	},
	{
		name:        "get_session",
		description: "Get a stored session and its generation history",
		parameters:  []string{"session_id"},
	},
	{
		name:        "list_actions",
		description: "List all available actions (this action)",
		parameters:  []string{},
	},
}

func actionNames() []string {
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = a.name
	}
	return names
}

// dispatchAction routes actions to appropriate handlers
func (s *Server) dispatchAction(action string, params map[string]interface{}) (interface{}, error) {
	switch action {
	case "refine":
		return s.handleRefine(params)
	case "get_stats":
		return s.handleGetStats(params)
	case "get_session":
		return s.handleGetSession(params)
	case "list_actions":
		return s.handleListActions(params)
	default:
		return nil, fmt.Errorf("unknown action: %s", action)
	}
}

func (s *Server) handleRefine(params map[string]interface{}) (interface{}, error) {
	c := batch.Case{
		Project:    getString(params, "project"),
		TestClass:  getString(params, "test_class"),
		TestMethod: getString(params, "test_method"),
		IssueType:  getString(params, "issue_type"),
		Runable:    "yes",
	}
	for _, key := range refineParams {
		if getString(params, key) == "" {
			return nil, fmt.Errorf("missing %s", key)
		}
	}
	if !c.NeedsRefactoring() {
		return nil, fmt.Errorf("issue type %q needs no refactoring", c.IssueType)
	}

	res, err := s.runner.RunCase(s.ctx, c)
	if errors.Is(err, batch.ErrAlreadyProcessed) {
		stored, err := s.output.GetResult(s.runner.Hash(c))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"cached": true,
			"result": stored.Result,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"cached": false,
		"result": res,
	}, nil
}

func (s *Server) handleGetStats(params map[string]interface{}) (interface{}, error) {
	project := getString(params, "project")

	statuses, err := s.lifecycle.StatusCounts()
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	total, succeeded, err := s.output.ResultCounts(project)
	if err != nil {
		return nil, fmt.Errorf("failed to count results: %w", err)
	}
	summary, err := s.output.UsageSummary(project)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	latency, err := s.histogram.AllPercentiles(statsWindowMinutes)
	if err != nil {
		return nil, fmt.Errorf("failed to get latency percentiles: %w", err)
	}
	since := time.Now().Add(-statsWindowMinutes * time.Minute).Unix()
	events, err := s.metadata.Events(since, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}

	return map[string]interface{}{
		"project":        project,
		"sessions":       statuses,
		"results":        map[string]int{"total": total, "succeeded": succeeded},
		"usage":          summary,
		"latency":        latency,
		"events":         events,
		"window_minutes": statsWindowMinutes,
		"timestamp":      time.Now().Unix(),
	}, nil
}

func (s *Server) handleGetSession(params map[string]interface{}) (interface{}, error) {
	id := getString(params, "session_id")
	if id == "" {
		return nil, fmt.Errorf("missing session_id")
	}

	session, err := s.lifecycle.GetSession(id)
	if err != nil {
		return nil, err
	}
	turns, err := s.lifecycle.Turns(id)
	if err != nil {
		return nil, fmt.Errorf("failed to get turns of %s: %w", id, err)
	}

	return map[string]interface{}{
		"session": session,
		"turns":   turns,
	}, nil
}

func (s *Server) handleListActions(params map[string]interface{}) (interface{}, error) {
	list := make([]map[string]interface{}, len(actions))
	for i, a := range actions {
		list[i] = map[string]interface{}{
			"name":        a.name,
			"description": a.description,
			"parameters":  a.parameters,
		}
	}

	return map[string]interface{}{
		"actions": list,
		"count":   len(list),
	}, nil
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
