package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPGatewaySend(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_, _ = w.Write([]byte(`{
			"model": "llama-3.3-70b",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "done"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15,
			          "prompt_tokens_details": {"cached_tokens": 4}}
		}`))
	}))
	defer srv.Close()

	g := NewHTTPGateway(HTTPConfig{BaseURL: srv.URL + "/", APIKey: "secret", Model: "llama-3.3-70b"})
	reply, err := g.Send(context.Background(), "be terse", []Turn{UserTurn("hi"), AssistantTurn("hello"), UserTurn("again")})
	require.NoError(t, err)

	assert.Equal(t, "done", reply.Content)
	assert.Equal(t, 12, reply.PromptTokens)
	assert.Equal(t, 4, reply.CachedTokens)
	assert.Equal(t, 15, reply.TotalTokens())

	require.Len(t, got.Messages, 4)
	assert.Equal(t, Turn{Role: RoleSystem, Content: "be terse"}, got.Messages[0])
	assert.Equal(t, RoleAssistant, got.Messages[2].Role)
	assert.Equal(t, "llama-3.3-70b", got.Model)
	assert.Equal(t, 8000, got.MaxTokens)
}

func TestHTTPGatewayStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := NewHTTPGateway(HTTPConfig{BaseURL: srv.URL})
	_, err := g.Send(context.Background(), "", []Turn{UserTurn("hi")})

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Contains(t, err.Error(), "429")
}

func TestHTTPGatewayNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	_, err := NewHTTPGateway(HTTPConfig{BaseURL: srv.URL}).Send(context.Background(), "", nil)
	assert.True(t, errors.Is(err, ErrNoChoices))
}

func TestHTTPGatewayHonoursContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewHTTPGateway(HTTPConfig{BaseURL: srv.URL}).Send(ctx, "", []Turn{UserTurn("hi")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestMessagesOmitsEmptySystem(t *testing.T) {
	assert.Equal(t, []Turn{UserTurn("x")}, messages("", []Turn{UserTurn("x")}))
}

func TestNewOpenAIGatewayRequiresKey(t *testing.T) {
	_, err := NewOpenAIGateway(OpenAIConfig{}, nil)
	assert.ErrorIs(t, err, ErrEmptyAPIKey)
}

func TestIsReasoningModel(t *testing.T) {
	assert.True(t, isReasoningModel("o4-mini"))
	assert.True(t, isReasoningModel("O3"))
	assert.False(t, isReasoningModel("gpt-4o-mini"))
}
