package ledger

import (
	"context"
	"fmt"
	"sort"

	"reel-server/internal/models"
	"reel-server/internal/provider"
	"reel-server/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Entry describes a finished provider call to be billed.
type Entry struct {
	StoryID      uuid.UUID
	ArtifactKind models.ArtifactKind
	ArtifactID   *uuid.UUID
	CallKind     string
	Outcome      models.UsageOutcome
	Error        *string
}

// Ledger is the append-only usage record of provider calls.
type Ledger struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Ledger {
	return &Ledger{logger: logger.Named("UsageLedger")}
}

// Record appends one usage record per billed attempt. It takes the repository
// so callers can record inside the transaction that applies the result.
// A failed call that reported no usage still gets one zero-cost record.
func (l *Ledger) Record(ctx context.Context, repo repository.UsageRepository, entry Entry, usage []provider.Usage) error {
	if len(usage) == 0 && entry.Error != nil {
		usage = []provider.Usage{{Provider: models.ProviderFor(entry.ArtifactKind)}}
	}
	for _, u := range usage {
		rec := &models.UsageRecord{
			StoryID:      entry.StoryID,
			ArtifactKind: entry.ArtifactKind,
			ArtifactID:   entry.ArtifactID,
			Provider:     u.Provider,
			CallKind:     entry.CallKind,
			Model:        u.Model,
			InputUnits:   u.InputUnits,
			OutputUnits:  u.OutputUnits,
			CostMicros:   u.CostMicros,
			Outcome:      entry.Outcome,
			Error:        entry.Error,
		}
		if err := repo.Append(ctx, rec); err != nil {
			return fmt.Errorf("failed to record usage: %w", err)
		}
		l.logger.Debug("Usage recorded",
			zap.String("story_id", entry.StoryID.String()),
			zap.String("provider", string(u.Provider)),
			zap.String("outcome", string(entry.Outcome)),
			zap.Int64("cost_micros", u.CostMicros),
		)
	}
	return nil
}

// Summary aggregates every record of a story.
func (l *Ledger) Summary(ctx context.Context, repo repository.UsageRepository, storyID uuid.UUID) (*models.UsageSummary, error) {
	records, err := repo.ListByStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	return Summarize(storyID, records), nil
}

// CostsByOwner returns per-story totals of an owner's stories.
func (l *Ledger) CostsByOwner(ctx context.Context, repo repository.UsageRepository, ownerID string) ([]models.StoryCost, error) {
	return repo.CostsByOwner(ctx, ownerID)
}

var providerOrder = map[models.ProviderKind]int{
	models.ProviderText:  0,
	models.ProviderImage: 1,
	models.ProviderVideo: 2,
}

// Summarize aggregates records per provider. Records of every outcome count:
// a superseded or failed call was still paid for.
func Summarize(storyID uuid.UUID, records []*models.UsageRecord) *models.UsageSummary {
	byProvider := make(map[models.ProviderKind]*models.ProviderUsage)
	summary := &models.UsageSummary{StoryID: storyID, Providers: []models.ProviderUsage{}}

	for _, r := range records {
		p, ok := byProvider[r.Provider]
		if !ok {
			p = &models.ProviderUsage{Provider: r.Provider}
			byProvider[r.Provider] = p
		}
		p.Calls++
		p.InputUnits += r.InputUnits
		p.OutputUnits += r.OutputUnits
		p.CostMicros += r.CostMicros

		summary.TotalCalls++
		summary.TotalCostMicros += r.CostMicros
	}

	for _, p := range byProvider {
		summary.Providers = append(summary.Providers, *p)
	}
	sort.Slice(summary.Providers, func(i, j int) bool {
		return providerOrder[summary.Providers[i].Provider] < providerOrder[summary.Providers[j].Provider]
	})
	summary.TotalCostCents = models.MicrosToCents(summary.TotalCostMicros)
	return summary
}
