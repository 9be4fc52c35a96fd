package models_test

import (
	"testing"

	"reel-server/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Run("forward steps are allowed", func(t *testing.T) {
		assert.True(t, models.CanTransition(models.StageScripting, models.StageCharactersPending))
		assert.True(t, models.CanTransition(models.StageCharactersPending, models.StageCharactersApproved))
		assert.True(t, models.CanTransition(models.StageCharactersApproved, models.StageStoryboardPending))
		assert.True(t, models.CanTransition(models.StageClipsGenerating, models.StageAssembling))
		assert.True(t, models.CanTransition(models.StageAssembling, models.StageCompleted))
	})

	t.Run("skipping a gate is rejected", func(t *testing.T) {
		assert.False(t, models.CanTransition(models.StageCharactersPending, models.StageStoryboardPending))
		assert.False(t, models.CanTransition(models.StageScripting, models.StageClipsGenerating))
	})

	t.Run("backward steps are rejected", func(t *testing.T) {
		assert.False(t, models.CanTransition(models.StageStoryboardPending, models.StageCharactersPending))
		assert.False(t, models.CanTransition(models.StageCompleted, models.StageAssembling))
	})

	t.Run("terminal stages have no exits", func(t *testing.T) {
		assert.False(t, models.CanTransition(models.StageCompleted, models.StageFailed))
		assert.False(t, models.CanTransition(models.StageFailed, models.StageScripting))
	})
}

func TestCanRevert(t *testing.T) {
	assert.True(t, models.CanRevert(models.StageStoryboardPending, models.StageScripting))
	assert.True(t, models.CanRevert(models.StageClipsGenerating, models.StageCharactersApproved))
	assert.True(t, models.CanRevert(models.StageCompleted, models.StageAssembling))
	assert.True(t, models.CanRevert(models.StageFailed, models.StageStoryboardPending))

	assert.False(t, models.CanRevert(models.StageCharactersPending, models.StageCharactersPending))
	assert.False(t, models.CanRevert(models.StageCharactersPending, models.StageCharactersApproved), "approved variant maps onto the current gate")
	assert.False(t, models.CanRevert(models.StageScripting, models.StageScripting))
	assert.False(t, models.CanRevert(models.StageCompleted, models.StageCompleted))
	assert.False(t, models.CanRevert(models.StageStoryboardPending, models.StageAssembling))
}

func TestParseStage(t *testing.T) {
	s, err := models.ParseStage("storyboard_pending")
	require.NoError(t, err)
	assert.Equal(t, models.StageStoryboardPending, s)

	_, err = models.ParseStage("rendering")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestPendingVariant(t *testing.T) {
	assert.Equal(t, models.StageCharactersPending, models.StageCharactersApproved.PendingVariant())
	assert.Equal(t, models.StageStoryboardPending, models.StageStoryboardApproved.PendingVariant())
	assert.Equal(t, models.StageClipsGenerating, models.StageClipsGenerating.PendingVariant())
}

func TestMicrosToCents(t *testing.T) {
	assert.Equal(t, int64(0), models.MicrosToCents(4999))
	assert.Equal(t, int64(1), models.MicrosToCents(5000))
	assert.Equal(t, int64(123), models.MicrosToCents(1_234_567))
}

func TestScriptValidate(t *testing.T) {
	script := &models.Script{
		Characters: []models.ScriptCharacter{{Name: "Ava"}},
		Scenes:     []models.ScriptScene{{Description: "a"}, {Description: "b"}},
	}
	require.NoError(t, script.Validate())

	script.Scenes = script.Scenes[:1]
	assert.Error(t, script.Validate())

	script.Scenes = append(script.Scenes, models.ScriptScene{Description: "c"})
	script.Characters[0].Name = ""
	assert.Error(t, script.Validate())
}
