package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"
)

// OllamaTextAdapter generates text with a local Ollama server.
type OllamaTextAdapter struct {
	client *api.Client
	model  string
	logger *zap.Logger
}

func NewOllamaTextAdapter(baseURL, model string, timeout time.Duration, logger *zap.Logger) (*OllamaTextAdapter, error) {
	// api.NewClient wants the server root without /v1.
	ollamaBaseURL := strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/v1")
	parsedURL, err := url.Parse(ollamaBaseURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing Ollama URL '%s': %w", ollamaBaseURL, err)
	}
	logger.Info("Ollama text adapter created", zap.String("base_url", ollamaBaseURL), zap.String("model", model))
	return &OllamaTextAdapter{
		client: api.NewClient(parsedURL, &http.Client{Timeout: timeout}),
		model:  model,
		logger: logger.Named("OllamaTextAdapter"),
	}, nil
}

func (a *OllamaTextAdapter) Model() string {
	return a.model
}

func (a *OllamaTextAdapter) Generate(ctx context.Context, req Request) (*Output, error) {
	messages := make([]api.Message, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.History {
		messages = append(messages, api.Message{Role: string(m.Role), Content: m.Content})
	}
	messages = append(messages, api.Message{Role: "user", Content: req.Prompt})

	stream := false
	chatReq := &api.ChatRequest{
		Model:    a.model,
		Messages: messages,
		Stream:   &stream,
	}
	if req.JSONOutput {
		chatReq.Format = json.RawMessage(`"json"`)
	}

	var resp api.ChatResponse
	err := a.client.Chat(ctx, chatReq, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	if err != nil {
		return nil, classifyOllamaError(err)
	}

	text := resp.Message.Content
	in, out := int64(resp.PromptEvalCount), int64(resp.EvalCount)
	if in == 0 && out == 0 {
		in = estimateTokens(a.model, req.promptTexts()...)
		out = estimateTokens(a.model, text)
	}
	if text == "" {
		return nil, &Error{Kind: ErrorRejected, Message: "empty completion", Usage: []Usage{{InputUnits: in, OutputUnits: out}}}
	}
	return &Output{Text: text, InputUnits: in, OutputUnits: out}, nil
}

func classifyOllamaError(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return NewError(classifyStatus(statusErr.StatusCode), statusErr.ErrorMessage, err)
	}
	return NewError(classifyTransport(err), "ollama chat failed", err)
}
