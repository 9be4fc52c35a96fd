package provider

import (
	"context"

	"reel-server/internal/models"

	"github.com/google/uuid"
)

// Request is the input of one generation.
type Request struct {
	StoryID    uuid.UUID
	ArtifactID uuid.UUID
	Attempt    int

	SystemPrompt string
	// History holds earlier turns of a conversation, oldest first. Prompt is
	// the newest user turn.
	History []Message
	Prompt  string
	// ReferenceURLs point at media the result must stay consistent with:
	// character portraits for frames, the two frames for a clip.
	ReferenceURLs []string
	// JSONOutput asks a text provider for a JSON object.
	JSONOutput bool
}

// Message is one earlier turn sent to a text provider.
type Message struct {
	Role    models.ChatRole
	Content string
}

func (r Request) promptTexts() []string {
	texts := make([]string, 0, len(r.History)+2)
	texts = append(texts, r.SystemPrompt)
	for _, m := range r.History {
		texts = append(texts, m.Content)
	}
	return append(texts, r.Prompt)
}

// Output is what an adapter returns for one successful call.
type Output struct {
	Text        string
	Media       []byte
	ContentType string
	CallID      string
	InputUnits  int64
	OutputUnits int64
}

// Usage is the billed consumption of one call attempt.
type Usage struct {
	Provider    models.ProviderKind `json:"provider"`
	Model       string              `json:"model"`
	CallID      string              `json:"call_id,omitempty"`
	InputUnits  int64               `json:"input_units"`
	OutputUnits int64               `json:"output_units"`
	CostMicros  int64               `json:"cost_micros"`
}

// Result is the outcome of Gateway.Generate.
type Result struct {
	MediaRef string
	Text     string
	CallID   string
	Usage    []Usage
}

// Adapter talks to one external generator. Failed calls that were still billed
// return an *Error whose Usage carries the consumed units.
type Adapter interface {
	Model() string
	Generate(ctx context.Context, req Request) (*Output, error)
}
