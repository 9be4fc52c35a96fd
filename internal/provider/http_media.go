package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"reel-server/internal/models"

	"go.uber.org/zap"
)

const maxErrorBodyBytes = 4 << 10

// HTTPMediaAdapter calls an image or video generation service over HTTP.
// The service answers either with raw media bytes or with a JSON envelope.
type HTTPMediaAdapter struct {
	provider models.ProviderKind
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
	logger   *zap.Logger
}

func NewHTTPMediaAdapter(provider models.ProviderKind, endpoint, model, apiKey string, timeout time.Duration, logger *zap.Logger) *HTTPMediaAdapter {
	return &HTTPMediaAdapter{
		provider: provider,
		endpoint: endpoint,
		model:    model,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.Named("HTTPMediaAdapter").With(zap.String("provider", string(provider))),
	}
}

type mediaRequest struct {
	Model         string   `json:"model"`
	Prompt        string   `json:"prompt"`
	Style         string   `json:"style,omitempty"`
	ReferenceURLs []string `json:"reference_urls,omitempty"`
	Ratio         string   `json:"ratio"`
}

type mediaResponse struct {
	ID              string  `json:"id"`
	ContentType     string  `json:"content_type"`
	DataBase64      string  `json:"data_base64"`
	URL             string  `json:"url"`
	DurationSeconds float64 `json:"duration_seconds"`
	Error           string  `json:"error"`
}

func (a *HTTPMediaAdapter) Model() string {
	return a.model
}

func (a *HTTPMediaAdapter) Generate(ctx context.Context, req Request) (*Output, error) {
	body, err := json.Marshal(mediaRequest{
		Model:         a.model,
		Prompt:        req.Prompt,
		Style:         req.SystemPrompt,
		ReferenceURLs: req.ReferenceURLs,
		Ratio:         "9:16",
	})
	if err != nil {
		return nil, NewError(ErrorRejected, "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, NewError(ErrorRejected, "failed to create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, NewError(classifyTransport(err), "http request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		a.logger.Warn("Generation service returned non-OK status",
			zap.Int("status_code", resp.StatusCode),
			zap.ByteString("response_body", msg),
		)
		return nil, NewError(classifyStatus(resp.StatusCode), fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), nil)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "image/") || strings.HasPrefix(contentType, "video/") {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, NewError(classifyTransport(err), "failed to read media body", err)
		}
		duration, _ := strconv.ParseFloat(resp.Header.Get("X-Media-Duration"), 64)
		return a.output(data, contentType, resp.Header.Get("X-Request-ID"), duration), nil
	}

	var envelope mediaResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, NewError(ErrorNetwork, "failed to decode response", err)
	}
	if envelope.Error != "" {
		return nil, NewError(ErrorRejected, envelope.Error, nil)
	}

	var data []byte
	switch {
	case envelope.DataBase64 != "":
		data, err = base64.StdEncoding.DecodeString(envelope.DataBase64)
		if err != nil {
			return nil, NewError(ErrorRejected, "invalid base64 media", err)
		}
	case envelope.URL != "":
		var dlErr *Error
		data, contentType, dlErr = a.download(ctx, envelope.URL)
		if dlErr != nil {
			// The generation itself already happened and is billed.
			billed := a.output(nil, "", envelope.ID, envelope.DurationSeconds)
			dlErr.Usage = []Usage{{CallID: billed.CallID, OutputUnits: billed.OutputUnits}}
			return nil, dlErr
		}
		if envelope.ContentType == "" {
			envelope.ContentType = contentType
		}
	default:
		return nil, NewError(ErrorRejected, "response carries no media", nil)
	}
	return a.output(data, envelope.ContentType, envelope.ID, envelope.DurationSeconds), nil
}

func (a *HTTPMediaAdapter) output(data []byte, contentType, callID string, durationSeconds float64) *Output {
	out := &Output{Media: data, ContentType: contentType, CallID: callID, OutputUnits: 1}
	if a.provider == models.ProviderVideo && durationSeconds > 0 {
		out.OutputUnits = int64(math.Ceil(durationSeconds))
	}
	return out
}

func (a *HTTPMediaAdapter) download(ctx context.Context, url string) ([]byte, string, *Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", NewError(ErrorRejected, "invalid media url", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, "", NewError(classifyTransport(err), "media download failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", NewError(classifyStatus(resp.StatusCode), fmt.Sprintf("media download returned status %d", resp.StatusCode), nil)
	}
	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, "", NewError(classifyTransport(readErr), "failed to read media", readErr)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
