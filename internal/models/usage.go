package models

import (
	"time"

	"github.com/google/uuid"
)

// ProviderKind is the class of external generator.
type ProviderKind string

const (
	ProviderText  ProviderKind = "text"
	ProviderImage ProviderKind = "image"
	ProviderVideo ProviderKind = "video"
)

// ProviderFor returns the provider that generates artifacts of kind.
func ProviderFor(kind ArtifactKind) ProviderKind {
	switch kind {
	case ArtifactCharacter, ArtifactFrame:
		return ProviderImage
	case ArtifactClip:
		return ProviderVideo
	default:
		return ProviderText
	}
}

// UsageOutcome describes how a billed call ended.
type UsageOutcome string

const (
	UsageSuccess    UsageOutcome = "success"
	UsageFailed     UsageOutcome = "failed"
	UsageSuperseded UsageOutcome = "superseded"
)

// UsageRecord is one billable provider call. Records are never updated.
// CostMicros is in millionths of the billing currency.
type UsageRecord struct {
	ID           uuid.UUID    `json:"id" db:"id"`
	StoryID      uuid.UUID    `json:"story_id" db:"story_id"`
	ArtifactKind ArtifactKind `json:"artifact_kind" db:"artifact_kind"`
	ArtifactID   *uuid.UUID   `json:"artifact_id,omitempty" db:"artifact_id"`
	Provider     ProviderKind `json:"provider" db:"provider"`
	CallKind     string       `json:"call_kind" db:"call_kind"`
	Model        string       `json:"model" db:"model"`
	InputUnits   int64        `json:"input_units" db:"input_units"`
	OutputUnits  int64        `json:"output_units" db:"output_units"`
	CostMicros   int64        `json:"cost_micros" db:"cost_micros"`
	Outcome      UsageOutcome `json:"outcome" db:"outcome"`
	Error        *string      `json:"error,omitempty" db:"error_details"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
}

// ProviderUsage aggregates usage of one provider.
type ProviderUsage struct {
	Provider    ProviderKind `json:"provider"`
	Calls       int64        `json:"calls"`
	InputUnits  int64        `json:"input_units"`
	OutputUnits int64        `json:"output_units"`
	CostMicros  int64        `json:"cost_micros"`
}

// UsageSummary is the per-story aggregation returned to clients.
type UsageSummary struct {
	StoryID         uuid.UUID       `json:"story_id"`
	Providers       []ProviderUsage `json:"providers"`
	TotalCalls      int64           `json:"total_calls"`
	TotalCostMicros int64           `json:"total_cost_micros"`
	TotalCostCents  int64           `json:"total_cost_cents"`
}

// StoryCost is one row of an owner's cost overview.
type StoryCost struct {
	StoryID    uuid.UUID `json:"story_id" db:"story_id"`
	Title      string    `json:"title" db:"title"`
	Calls      int64     `json:"calls" db:"calls"`
	CostMicros int64     `json:"cost_micros" db:"cost_micros"`
}

// MicrosToCents rounds a micro amount to the nearest cent.
func MicrosToCents(micros int64) int64 {
	if micros >= 0 {
		return (micros + 5000) / 10000
	}
	return (micros - 5000) / 10000
}
