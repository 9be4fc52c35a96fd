package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reel-server/internal/media"
	"reel-server/internal/models"

	"go.uber.org/zap"
)

// RetryPolicy bounds retries of network and timeout failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	return d
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Retry RetryPolicy
	// Timeouts per provider, used when Generate gets no timeout.
	Timeouts map[models.ProviderKind]time.Duration
}

// Gateway routes generation requests to the adapter of the artifact's
// provider, retries transient failures, prices usage and stores media.
type Gateway struct {
	adapters map[models.ProviderKind]Adapter
	storage  media.Storage
	pricing  *Pricing
	cfg      GatewayConfig
	logger   *zap.Logger
}

func NewGateway(adapters map[models.ProviderKind]Adapter, storage media.Storage, pricing *Pricing, cfg GatewayConfig, logger *zap.Logger) *Gateway {
	if pricing == nil {
		pricing = DefaultPricing()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	return &Gateway{
		adapters: adapters,
		storage:  storage,
		pricing:  pricing,
		cfg:      cfg,
		logger:   logger.Named("ProviderGateway"),
	}
}

// Model returns the model serving artifacts of kind, or "" if none is configured.
func (g *Gateway) Model(kind models.ArtifactKind) string {
	if a, ok := g.adapters[models.ProviderFor(kind)]; ok {
		return a.Model()
	}
	return ""
}

// Generate produces the artifact of kind described by req. Media results are
// stored and returned as MediaRef; text results are returned as Text.
// A failure is always an *Error carrying the usage billed so far.
func (g *Gateway) Generate(ctx context.Context, kind models.ArtifactKind, req Request, timeout time.Duration) (*Result, error) {
	providerKind := models.ProviderFor(kind)
	adapter, ok := g.adapters[providerKind]
	if !ok {
		return nil, NewError(ErrorRejected, fmt.Sprintf("no %s provider configured", providerKind), nil)
	}
	if timeout <= 0 {
		timeout = g.cfg.Timeouts[providerKind]
	}

	log := g.logger.With(
		zap.String("provider", string(providerKind)),
		zap.String("model", adapter.Model()),
		zap.String("story_id", req.StoryID.String()),
		zap.String("artifact_id", req.ArtifactID.String()),
		zap.Int("attempt", req.Attempt),
	)

	var billed []Usage
	for try := 1; ; try++ {
		out, err := g.call(ctx, adapter, providerKind, req, timeout)
		if err == nil {
			usage := g.price(providerKind, adapter.Model(), out.CallID, out.InputUnits, out.OutputUnits)
			billed = append(billed, usage)
			return g.finish(ctx, kind, providerKind, req, out, billed, log)
		}

		pe := g.normalize(err, providerKind, adapter.Model())
		billed = append(billed, pe.Usage...)
		pe.Usage = billed

		if !pe.Retryable() || try >= g.cfg.Retry.MaxAttempts || ctx.Err() != nil {
			log.Warn("Provider call failed", zap.String("kind", string(pe.Kind)), zap.Int("tries", try), zap.Error(pe.Err))
			return nil, pe
		}

		delay := g.cfg.Retry.delay(try)
		providerRetriesTotal.WithLabelValues(string(providerKind), string(pe.Kind)).Inc()
		log.Info("Retrying provider call", zap.String("kind", string(pe.Kind)), zap.Int("try", try), zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			pe.Err = errors.Join(pe.Err, ctx.Err())
			return nil, pe
		case <-time.After(delay):
		}
	}
}

func (g *Gateway) call(ctx context.Context, adapter Adapter, providerKind models.ProviderKind, req Request, timeout time.Duration) (*Output, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := adapter.Generate(callCtx, req)
	providerCallDuration.WithLabelValues(string(providerKind)).Observe(time.Since(start).Seconds())

	if err == nil && out == nil {
		err = NewError(ErrorRejected, "provider returned no output", nil)
	}
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			if pe, ok := AsError(err); !ok || pe.Kind != ErrorTimeout {
				err = &Error{Kind: ErrorTimeout, Message: fmt.Sprintf("no response within %s", timeout), Err: err, Usage: usageOf(err)}
			}
		}
		providerCallsTotal.WithLabelValues(string(providerKind), adapter.Model(), "error").Inc()
		return nil, err
	}
	providerCallsTotal.WithLabelValues(string(providerKind), adapter.Model(), "success").Inc()
	return out, nil
}

// normalize turns any adapter error into an *Error with priced usage.
func (g *Gateway) normalize(err error, providerKind models.ProviderKind, model string) *Error {
	pe, ok := AsError(err)
	if !ok {
		pe = NewError(classifyTransport(err), "provider call failed", err)
	}
	priced := make([]Usage, 0, len(pe.Usage))
	for _, u := range pe.Usage {
		priced = append(priced, g.price(providerKind, model, u.CallID, u.InputUnits, u.OutputUnits))
	}
	pe.Usage = priced
	return pe
}

func (g *Gateway) price(providerKind models.ProviderKind, model, callID string, in, out int64) Usage {
	cost := g.pricing.Cost(providerKind, model, in, out)
	providerCostMicros.WithLabelValues(string(providerKind), model).Add(float64(cost))
	return Usage{
		Provider:    providerKind,
		Model:       model,
		CallID:      callID,
		InputUnits:  in,
		OutputUnits: out,
		CostMicros:  cost,
	}
}

func (g *Gateway) finish(ctx context.Context, kind models.ArtifactKind, providerKind models.ProviderKind, req Request, out *Output, billed []Usage, log *zap.Logger) (*Result, error) {
	res := &Result{CallID: out.CallID, Usage: billed}

	if providerKind == models.ProviderText {
		if out.Text == "" {
			return nil, &Error{Kind: ErrorRejected, Message: "empty text response", Usage: billed}
		}
		res.Text = out.Text
		log.Info("Text generated", zap.Int("length", len(out.Text)))
		return res, nil
	}

	if len(out.Media) == 0 {
		return nil, &Error{Kind: ErrorRejected, Message: "empty media response", Usage: billed}
	}
	if g.storage == nil {
		return nil, &Error{Kind: ErrorRejected, Message: "no media storage configured", Usage: billed}
	}
	key := media.ObjectKey(req.StoryID, string(kind), req.ArtifactID, req.Attempt, out.ContentType)
	ref, err := g.storage.Put(ctx, key, out.Media, out.ContentType)
	if err != nil {
		// A retry would bill the generation again.
		return nil, &Error{Kind: ErrorNetwork, Message: "failed to store generated media", Err: err, Usage: billed}
	}
	res.MediaRef = ref
	log.Info("Media generated", zap.String("media_ref", ref), zap.Int("size_bytes", len(out.Media)))
	return res, nil
}

func usageOf(err error) []Usage {
	if pe, ok := AsError(err); ok {
		return pe.Usage
	}
	return nil
}
