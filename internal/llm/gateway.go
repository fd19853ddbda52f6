// Package llm provides stateless request/response access to chat models.
//
// A Gateway call is exactly one network round trip. Gateways never retry,
// never cache and keep no conversation state; callers pass the full ordered
// conversation on every call.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UserTurn returns a turn authored by the instruction issuer.
func UserTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content}
}

// AssistantTurn returns a turn authored by the model.
func AssistantTurn(content string) Turn {
	return Turn{Role: RoleAssistant, Content: content}
}

// Reply is the model's answer plus the accounting data of the call.
type Reply struct {
	Content          string
	Model            string
	PromptTokens     int
	CachedTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// TotalTokens is the sum of prompt and completion tokens.
func (r *Reply) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// Gateway sends one system instruction and an ordered conversation to a
// model and returns its answer.
type Gateway interface {
	Send(ctx context.Context, system string, turns []Turn) (*Reply, error)
}

// ErrNoChoices is returned when the provider answered without any message.
var ErrNoChoices = errors.New("no choices in response")

// ErrEmptyAPIKey is returned by constructors that require a key.
var ErrEmptyAPIKey = errors.New("api key is empty")

// GatewayError wraps any failure of a gateway call: transport, timeout,
// quota or a malformed provider response.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("llm %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// messages prepends the system instruction to the conversation.
func messages(system string, turns []Turn) []Turn {
	out := make([]Turn, 0, len(turns)+1)
	if system != "" {
		out = append(out, Turn{Role: RoleSystem, Content: system})
	}
	return append(out, turns...)
}
