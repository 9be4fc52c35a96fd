package models

import "fmt"

// Stage is the position of a story in the generation pipeline.
type Stage string

const (
	StageScripting          Stage = "scripting"
	StageCharactersPending  Stage = "characters_pending"
	StageCharactersApproved Stage = "characters_approved"
	StageStoryboardPending  Stage = "storyboard_pending"
	StageStoryboardApproved Stage = "storyboard_approved"
	StageClipsGenerating    Stage = "clips_generating"
	StageAssembling         Stage = "assembling"
	StageCompleted          Stage = "completed"
	StageFailed             Stage = "failed"
)

// stageOrder is the forward order of the pipeline. Failed sits after Completed
// so that a failed story can be reverted to any earlier stage.
var stageOrder = map[Stage]int{
	StageScripting:          0,
	StageCharactersPending:  1,
	StageCharactersApproved: 2,
	StageStoryboardPending:  3,
	StageStoryboardApproved: 4,
	StageClipsGenerating:    5,
	StageAssembling:         6,
	StageCompleted:          7,
	StageFailed:             8,
}

// validForwardTransitions lists every stage change the pipeline may make on its
// own. Reverts are validated separately by CanRevert.
var validForwardTransitions = map[Stage][]Stage{
	StageScripting:          {StageCharactersPending, StageFailed},
	StageCharactersPending:  {StageCharactersApproved, StageFailed},
	StageCharactersApproved: {StageStoryboardPending, StageFailed},
	StageStoryboardPending:  {StageStoryboardApproved, StageFailed},
	StageStoryboardApproved: {StageClipsGenerating, StageFailed},
	StageClipsGenerating:    {StageAssembling, StageFailed},
	StageAssembling:         {StageCompleted, StageFailed},
}

// ParseStage converts a raw value into a Stage.
func ParseStage(raw string) (Stage, error) {
	s := Stage(raw)
	if _, ok := stageOrder[s]; !ok {
		return "", fmt.Errorf("%w: unknown stage '%s'", ErrInvalidInput, raw)
	}
	return s, nil
}

// Order returns the position of s in the pipeline, or -1 for an unknown stage.
func (s Stage) Order() int {
	if o, ok := stageOrder[s]; ok {
		return o
	}
	return -1
}

// IsTerminal reports whether no further generation may happen in s.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Before reports whether s comes strictly before other.
func (s Stage) Before(other Stage) bool {
	return s.Order() < other.Order()
}

// PendingVariant maps a stage onto the stage a revert lands on.
// Approved stages fall back to their pending gate.
func (s Stage) PendingVariant() Stage {
	switch s {
	case StageCharactersApproved:
		return StageCharactersPending
	case StageStoryboardApproved:
		return StageStoryboardPending
	default:
		return s
	}
}

// CanTransition reports whether the pipeline may move from -> to without a revert.
func CanTransition(from, to Stage) bool {
	for _, allowed := range validForwardTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CanRevert reports whether a revert from current to target is allowed.
func CanRevert(current, target Stage) bool {
	if target == StageCompleted || target == StageFailed || target.Order() < 0 {
		return false
	}
	return target.PendingVariant().Before(current)
}

// CreationStage returns the stage in which artifacts of kind are created.
func CreationStage(kind ArtifactKind) Stage {
	switch kind {
	case ArtifactCharacter:
		return StageCharactersPending
	case ArtifactFrame:
		return StageStoryboardPending
	case ArtifactClip:
		return StageClipsGenerating
	case ArtifactFinalVideo:
		return StageAssembling
	default:
		return StageScripting
	}
}
