package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ArtifactKind names a generated entity type.
type ArtifactKind string

const (
	ArtifactCharacter  ArtifactKind = "character"
	ArtifactFrame      ArtifactKind = "frame"
	ArtifactClip       ArtifactKind = "clip"
	ArtifactFinalVideo ArtifactKind = "final_video"
	// ArtifactScript is used only for usage records of script generation.
	ArtifactScript ArtifactKind = "script"
)

// ParseArtifactKind converts a raw value into one of the regenerable kinds.
func ParseArtifactKind(raw string) (ArtifactKind, error) {
	switch k := ArtifactKind(raw); k {
	case ArtifactCharacter, ArtifactFrame, ArtifactClip:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown artifact kind '%s'", ErrInvalidInput, raw)
	}
}

// GenerationStatus is the per-artifact generation state.
type GenerationStatus string

const (
	GenerationPending    GenerationStatus = "pending"
	GenerationGenerating GenerationStatus = "generating"
	GenerationReady      GenerationStatus = "ready"
	GenerationFailed     GenerationStatus = "failed"
	GenerationOverridden GenerationStatus = "overridden"
)

// IsResolved reports whether the status satisfies an approval gate.
func (s GenerationStatus) IsResolved() bool {
	return s == GenerationReady || s == GenerationOverridden
}

// Generation holds the fields every generated artifact shares.
// Attempt is bumped on every regenerate or override; a result is applied only
// if it carries the current attempt.
type Generation struct {
	Status         GenerationStatus `json:"status" db:"status"`
	Attempt        int              `json:"attempt" db:"attempt"`
	ProviderCallID *string          `json:"provider_call_id,omitempty" db:"provider_call_id"`
	Error          *string          `json:"error,omitempty" db:"error_details"`
}

// Character is a character portrait of a story.
type Character struct {
	ID          uuid.UUID `json:"id" db:"id"`
	StoryID     uuid.UUID `json:"story_id" db:"story_id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	ImageRef    *string   `json:"image_ref,omitempty" db:"image_ref"`
	Generation
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// StoryboardFrame is one still of the storyboard. SeqIndex is dense and zero-based.
type StoryboardFrame struct {
	ID          uuid.UUID `json:"id" db:"id"`
	StoryID     uuid.UUID `json:"story_id" db:"story_id"`
	SeqIndex    int       `json:"seq_index" db:"seq_index"`
	Description string    `json:"description" db:"description"`
	ImageRef    *string   `json:"image_ref,omitempty" db:"image_ref"`
	Generation
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Clip is the video transition between two adjacent frames.
type Clip struct {
	ID          uuid.UUID `json:"id" db:"id"`
	StoryID     uuid.UUID `json:"story_id" db:"story_id"`
	FrameFromID uuid.UUID `json:"frame_from_id" db:"frame_from_id"`
	FrameToID   uuid.UUID `json:"frame_to_id" db:"frame_to_id"`
	FromIndex   int       `json:"from_index" db:"from_index"`
	VideoRef    *string   `json:"video_ref,omitempty" db:"video_ref"`
	Generation
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// FinalVideoStatus is the state of the latest assembly attempt.
type FinalVideoStatus string

const (
	FinalVideoAssembling FinalVideoStatus = "assembling"
	FinalVideoCompleted  FinalVideoStatus = "completed"
	FinalVideoFailed     FinalVideoStatus = "failed"
)

// FinalVideo is the concatenated result; a story has at most one.
type FinalVideo struct {
	ID        uuid.UUID        `json:"id" db:"id"`
	StoryID   uuid.UUID        `json:"story_id" db:"story_id"`
	VideoRef  *string          `json:"video_ref,omitempty" db:"video_ref"`
	ClipIDs   []uuid.UUID      `json:"clip_ids" db:"clip_ids"`
	Status    FinalVideoStatus `json:"status" db:"status"`
	Error     *string          `json:"error,omitempty" db:"error_details"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt time.Time        `json:"updated_at" db:"updated_at"`
}

// GenerationResult is what a finished provider call writes back to an artifact.
type GenerationResult struct {
	MediaRef       *string
	ProviderCallID *string
	Err            error
}

// ArtifactRef identifies one artifact at one attempt.
type ArtifactRef struct {
	Kind    ArtifactKind `json:"kind"`
	ID      uuid.UUID    `json:"id"`
	Attempt int          `json:"attempt"`
}
