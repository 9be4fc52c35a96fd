package provider

import (
	"fmt"
	"strings"
	"time"

	"reel-server/internal/config"
	"reel-server/internal/media"
	"reel-server/internal/models"

	"go.uber.org/zap"
)

// NewTextAdapter picks the text adapter for the configured client type.
func NewTextAdapter(cfg config.ProviderConfig, logger *zap.Logger) (Adapter, error) {
	switch strings.ToLower(cfg.TextClientType) {
	case "openai":
		return NewOpenAITextAdapter(cfg.TextAPIKey, cfg.TextBaseURL, cfg.TextModel, cfg.TextTimeout, logger), nil
	case "ollama":
		return NewOllamaTextAdapter(cfg.OllamaURL, cfg.TextModel, cfg.TextTimeout, logger)
	default:
		return nil, fmt.Errorf("unknown text client type: '%s'", cfg.TextClientType)
	}
}

// NewGatewayFromConfig wires the three provider adapters, the price table and
// the retry policy.
func NewGatewayFromConfig(cfg config.ProviderConfig, storage media.Storage, logger *zap.Logger) (*Gateway, error) {
	text, err := NewTextAdapter(cfg, logger)
	if err != nil {
		return nil, err
	}
	pricing, err := LoadPricing(cfg.PricingFile)
	if err != nil {
		return nil, err
	}

	adapters := map[models.ProviderKind]Adapter{
		models.ProviderText:  text,
		models.ProviderImage: NewHTTPMediaAdapter(models.ProviderImage, cfg.ImageServiceURL, cfg.ImageModel, cfg.ImageAPIKey, cfg.ImageTimeout, logger),
		models.ProviderVideo: NewHTTPMediaAdapter(models.ProviderVideo, cfg.VideoServiceURL, cfg.VideoModel, cfg.VideoAPIKey, cfg.VideoTimeout, logger),
	}
	return NewGateway(adapters, storage, pricing, GatewayConfig{
		Retry: RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BaseRetryDelay,
			MaxDelay:    cfg.MaxRetryDelay,
		},
		Timeouts: map[models.ProviderKind]time.Duration{
			models.ProviderText:  cfg.TextTimeout,
			models.ProviderImage: cfg.ImageTimeout,
			models.ProviderVideo: cfg.VideoTimeout,
		},
	}, logger), nil
}
