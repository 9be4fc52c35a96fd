package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// StoryStatus is the coarse health of a story, independent of its stage.
type StoryStatus string

const (
	StoryStatusPending   StoryStatus = "pending"
	StoryStatusActive    StoryStatus = "active"
	StoryStatusCompleted StoryStatus = "completed"
	StoryStatusFailed    StoryStatus = "failed"
)

// Story is the root aggregate of the pipeline.
type Story struct {
	ID        uuid.UUID   `json:"id" db:"id"`
	OwnerID   string      `json:"owner_id" db:"owner_id"`
	Title     string      `json:"title" db:"title"`
	Concept   string      `json:"concept" db:"concept"`
	Script    *Script     `json:"script,omitempty" db:"script"`
	Stage     Stage       `json:"stage" db:"stage"`
	Status    StoryStatus `json:"status" db:"status"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

// HasFinalizedScript reports whether the story can be started.
func (s *Story) HasFinalizedScript() bool {
	return s.Script != nil && s.Script.FinalizedAt != nil
}

// ScriptCharacter is a character identified by the script.
type ScriptCharacter struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ScriptScene is one storyboard beat of the script.
type ScriptScene struct {
	Description string `json:"description"`
}

// Script is the finalized script of a story. It is stored as JSONB.
type Script struct {
	Text        string            `json:"text"`
	Characters  []ScriptCharacter `json:"characters"`
	Scenes      []ScriptScene     `json:"scenes"`
	FinalizedAt *time.Time        `json:"finalized_at,omitempty"`
}

// Validate checks that the script can drive the pipeline.
func (s *Script) Validate() error {
	if len(s.Characters) == 0 {
		return errors.New("script must name at least one character")
	}
	for _, c := range s.Characters {
		if c.Name == "" {
			return errors.New("script character name must not be empty")
		}
	}
	if len(s.Scenes) < 2 {
		return errors.New("script must contain at least two scenes")
	}
	return nil
}

// Value implements driver.Valuer.
func (s Script) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *Script) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("unsupported type for Script")
	}
	return json.Unmarshal(raw, s)
}
