package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"reel-server/internal/models"

	openaigo "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenAITextAdapter_SendsConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var req openaigo.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 4)
		assert.Equal(t, openaigo.ChatMessageRoleSystem, req.Messages[0].Role)
		assert.Equal(t, openaigo.ChatMessageRoleUser, req.Messages[1].Role)
		assert.Equal(t, "a lighthouse keeper", req.Messages[1].Content)
		assert.Equal(t, openaigo.ChatMessageRoleAssistant, req.Messages[2].Role)
		assert.Equal(t, "make it stormy", req.Messages[3].Content)
		assert.Nil(t, req.ResponseFormat)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openaigo.ChatCompletionResponse{
			ID: "chatcmpl-1",
			Choices: []openaigo.ChatCompletionChoice{
				{Message: openaigo.ChatCompletionMessage{Role: openaigo.ChatMessageRoleAssistant, Content: "Storm added."}},
			},
			Usage: openaigo.Usage{PromptTokens: 120, CompletionTokens: 30, TotalTokens: 150},
		})
	}))
	defer srv.Close()

	a := NewOpenAITextAdapter("key", srv.URL, "gpt-4o-mini", time.Second, zap.NewNop())
	out, err := a.Generate(context.Background(), Request{
		SystemPrompt: "write scripts",
		History: []Message{
			{Role: models.ChatRoleUser, Content: "a lighthouse keeper"},
			{Role: models.ChatRoleAssistant, Content: "Here is a draft."},
		},
		Prompt: "make it stormy",
	})
	require.NoError(t, err)
	assert.Equal(t, "Storm added.", out.Text)
	assert.Equal(t, "chatcmpl-1", out.CallID)
	assert.Equal(t, int64(120), out.InputUnits)
	assert.Equal(t, int64(30), out.OutputUnits)
}

func TestRequest_PromptTextsIncludeHistory(t *testing.T) {
	req := Request{
		SystemPrompt: "s",
		History:      []Message{{Role: models.ChatRoleUser, Content: "u"}, {Role: models.ChatRoleAssistant, Content: "a"}},
		Prompt:       "p",
	}
	assert.Equal(t, []string{"s", "u", "a", "p"}, req.promptTexts())
	assert.Greater(t, estimateTokens("gpt-4o-mini", req.promptTexts()...), estimateTokens("gpt-4o-mini", "s", "p"))
}
