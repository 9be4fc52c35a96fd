package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	"reel-server/internal/models"

	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAITextAdapter generates text through any OpenAI-compatible chat API.
type OpenAITextAdapter struct {
	client *openaigo.Client
	model  string
	logger *zap.Logger
}

func NewOpenAITextAdapter(apiKey, baseURL, model string, timeout time.Duration, logger *zap.Logger) *OpenAITextAdapter {
	openaiConfig := openaigo.DefaultConfig(apiKey)
	if baseURL != "" {
		openaiConfig.BaseURL = baseURL
	}
	openaiConfig.HTTPClient = &http.Client{Timeout: timeout}
	logger.Info("OpenAI text adapter created", zap.String("base_url", openaiConfig.BaseURL), zap.String("model", model))
	return &OpenAITextAdapter{
		client: openaigo.NewClientWithConfig(openaiConfig),
		model:  model,
		logger: logger.Named("OpenAITextAdapter"),
	}
}

func (a *OpenAITextAdapter) Model() string {
	return a.model
}

func (a *OpenAITextAdapter) Generate(ctx context.Context, req Request) (*Output, error) {
	messages := make([]openaigo.ChatCompletionMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openaigo.ChatCompletionMessage{Role: openaigo.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.History {
		role := openaigo.ChatMessageRoleUser
		if m.Role == models.ChatRoleAssistant {
			role = openaigo.ChatMessageRoleAssistant
		}
		messages = append(messages, openaigo.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, openaigo.ChatCompletionMessage{Role: openaigo.ChatMessageRoleUser, Content: req.Prompt})

	chatReq := openaigo.ChatCompletionRequest{
		Model:    a.model,
		Messages: messages,
	}
	if req.JSONOutput {
		chatReq.ResponseFormat = &openaigo.ChatCompletionResponseFormat{Type: openaigo.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := a.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}

	var text string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}

	in, out := int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens)
	if resp.Usage.TotalTokens == 0 {
		a.logger.Warn("Usage not reported, estimating tokens", zap.String("model", a.model))
		in = estimateTokens(a.model, req.promptTexts()...)
		out = estimateTokens(a.model, text)
	}
	if text == "" {
		return nil, &Error{Kind: ErrorRejected, Message: "empty completion", Usage: []Usage{{CallID: resp.ID, InputUnits: in, OutputUnits: out}}}
	}

	return &Output{Text: text, CallID: resp.ID, InputUnits: in, OutputUnits: out}, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openaigo.APIError
	if errors.As(err, &apiErr) {
		return NewError(classifyStatus(apiErr.HTTPStatusCode), apiErr.Message, err)
	}
	var reqErr *openaigo.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return NewError(classifyStatus(reqErr.HTTPStatusCode), "chat completion request failed", err)
	}
	return NewError(classifyTransport(err), "chat completion request failed", err)
}
