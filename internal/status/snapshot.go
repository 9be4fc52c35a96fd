package status

import (
	"fmt"

	"reel-server/internal/models"

	"github.com/google/uuid"
)

// Issue is an artifact that keeps a gate closed.
type Issue struct {
	Kind    models.ArtifactKind     `json:"kind"`
	ID      uuid.UUID               `json:"id"`
	Status  models.GenerationStatus `json:"status"`
	Message string                  `json:"message"`
}

// GateProgress counts the artifacts of one gate by status.
type GateProgress struct {
	Total      int `json:"total"`
	Resolved   int `json:"resolved"`
	Generating int `json:"generating"`
	Failed     int `json:"failed"`
}

// Snapshot is everything a client needs to render a story's pipeline.
type Snapshot struct {
	Story      *models.Story             `json:"story"`
	Characters []*models.Character       `json:"characters"`
	Frames     []*models.StoryboardFrame `json:"frames"`
	Clips      []*models.Clip            `json:"clips"`
	FinalVideo *models.FinalVideo        `json:"final_video,omitempty"`
	Usage      *models.UsageSummary      `json:"usage"`

	// MediaURLs maps every media reference of the snapshot to a fetchable URL.
	MediaURLs map[string]string `json:"media_urls"`

	CharacterProgress GateProgress `json:"character_progress"`
	FrameProgress     GateProgress `json:"frame_progress"`
	ClipProgress      GateProgress `json:"clip_progress"`

	BlockingIssues       []Issue        `json:"blocking_issues"`
	CanApproveCharacters bool           `json:"can_approve_characters"`
	CanApproveStoryboard bool           `json:"can_approve_storyboard"`
	CanConcatenate       bool           `json:"can_concatenate"`
	RevertTargets        []models.Stage `json:"revert_targets"`
}

var revertCandidates = []models.Stage{
	models.StageScripting,
	models.StageCharactersPending,
	models.StageStoryboardPending,
	models.StageClipsGenerating,
}

func progressOf(statuses []models.GenerationStatus) GateProgress {
	p := GateProgress{Total: len(statuses)}
	for _, st := range statuses {
		switch {
		case st.IsResolved():
			p.Resolved++
		case st == models.GenerationFailed:
			p.Failed++
		case st == models.GenerationGenerating:
			p.Generating++
		}
	}
	return p
}

func issueFor(kind models.ArtifactKind, id uuid.UUID, gen models.Generation, label string) (Issue, bool) {
	if gen.Status.IsResolved() {
		return Issue{}, false
	}
	msg := fmt.Sprintf("%s is %s", label, gen.Status)
	if gen.Status == models.GenerationFailed && gen.Error != nil {
		msg = fmt.Sprintf("%s failed: %s", label, *gen.Error)
	}
	return Issue{Kind: kind, ID: id, Status: gen.Status, Message: msg}, true
}

// evaluate fills progress, blocking issues and the action flags.
func (s *Snapshot) evaluate() {
	stage := s.Story.Stage
	s.BlockingIssues = make([]Issue, 0)

	statuses := make([]models.GenerationStatus, 0, len(s.Characters))
	for _, c := range s.Characters {
		statuses = append(statuses, c.Status)
	}
	s.CharacterProgress = progressOf(statuses)

	statuses = make([]models.GenerationStatus, 0, len(s.Frames))
	for _, f := range s.Frames {
		statuses = append(statuses, f.Status)
	}
	s.FrameProgress = progressOf(statuses)

	statuses = make([]models.GenerationStatus, 0, len(s.Clips))
	for _, c := range s.Clips {
		statuses = append(statuses, c.Status)
	}
	s.ClipProgress = progressOf(statuses)

	switch stage {
	case models.StageCharactersPending:
		for _, c := range s.Characters {
			if issue, ok := issueFor(models.ArtifactCharacter, c.ID, c.Generation, "character "+c.Name); ok {
				s.BlockingIssues = append(s.BlockingIssues, issue)
			}
		}
		if len(s.Characters) == 0 {
			s.BlockingIssues = append(s.BlockingIssues, Issue{Kind: models.ArtifactCharacter, Message: "story has no characters"})
		}
		s.CanApproveCharacters = len(s.BlockingIssues) == 0

	case models.StageStoryboardPending:
		for _, f := range s.Frames {
			if issue, ok := issueFor(models.ArtifactFrame, f.ID, f.Generation, fmt.Sprintf("frame %d", f.SeqIndex)); ok {
				s.BlockingIssues = append(s.BlockingIssues, issue)
			}
		}
		if len(s.Frames) < 2 {
			s.BlockingIssues = append(s.BlockingIssues, Issue{Kind: models.ArtifactFrame,
				Message: fmt.Sprintf("storyboard has %d frames, need at least 2", len(s.Frames))})
		}
		s.CanApproveStoryboard = len(s.BlockingIssues) == 0

	case models.StageClipsGenerating, models.StageAssembling:
		for _, c := range s.Clips {
			if issue, ok := issueFor(models.ArtifactClip, c.ID, c.Generation, fmt.Sprintf("clip %d", c.FromIndex)); ok {
				s.BlockingIssues = append(s.BlockingIssues, issue)
			}
		}
		if len(s.Frames) > 0 && len(s.Clips) != len(s.Frames)-1 {
			s.BlockingIssues = append(s.BlockingIssues, Issue{Kind: models.ArtifactClip,
				Message: fmt.Sprintf("story has %d clips, expected %d", len(s.Clips), len(s.Frames)-1)})
		}
		if s.FinalVideo != nil && s.FinalVideo.Status == models.FinalVideoFailed {
			msg := "final video assembly failed"
			if s.FinalVideo.Error != nil {
				msg += ": " + *s.FinalVideo.Error
			}
			s.BlockingIssues = append(s.BlockingIssues, Issue{Kind: models.ArtifactFinalVideo, ID: s.FinalVideo.ID, Message: msg})
		}
		clipsReady := s.ClipProgress.Total > 0 && s.ClipProgress.Resolved == s.ClipProgress.Total
		assemblyRunning := s.FinalVideo != nil && s.FinalVideo.Status == models.FinalVideoAssembling
		s.CanConcatenate = clipsReady && !assemblyRunning
	}

	s.RevertTargets = make([]models.Stage, 0, len(revertCandidates))
	for _, target := range revertCandidates {
		if models.CanRevert(stage, target) {
			s.RevertTargets = append(s.RevertTargets, target)
		}
	}
}
