package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"reel-server/internal/assembly"
	"reel-server/internal/handler"
	"reel-server/internal/ledger"
	"reel-server/internal/media"
	"reel-server/internal/messaging"
	"reel-server/internal/mocks"
	"reel-server/internal/models"
	"reel-server/internal/provider"
	"reel-server/internal/repository"
	"reel-server/internal/service"
	"reel-server/internal/status"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

const owner = "user-1"

func generated(_ context.Context, kind models.ArtifactKind, req provider.Request, _ time.Duration) *provider.Result {
	p := models.ProviderFor(kind)
	return &provider.Result{
		MediaRef: fmt.Sprintf("stories/%s/%s/%s-%d", req.StoryID, kind, req.ArtifactID, req.Attempt),
		CallID:   uuid.NewString(),
		Usage:    []provider.Usage{{Provider: p, Model: "test-" + string(p), OutputUnits: 1, CostMicros: 1000}},
	}
}

const chatDraft = "Here is a first take.\n```json\n" +
	`{"text":"A keeper lights the lamp.","characters":[{"name":"Keeper","description":"old man in a raincoat"}],` +
	`"scenes":[{"description":"waves hit the rocks"},{"description":"the lamp turns on"}]}` + "\n```"

// conversational matches chat turns; one-shot script drafts ask for JSON output.
func conversational() interface{} {
	return mock.MatchedBy(func(req provider.Request) bool { return !req.JSONOutput })
}

type HandlerSuite struct {
	suite.Suite
	gen        *mocks.MockGenerator
	concat     *mocks.MockConcatenator
	dispatcher *messaging.InProcessDispatcher
	router     *gin.Engine
}

func (s *HandlerSuite) SetupTest() {
	gin.SetMode(gin.TestMode)

	store := repository.NewMemoryStore()
	storage, err := media.NewLocalStorage(s.T().TempDir(), "http://media.test", zap.NewNop())
	s.Require().NoError(err)

	s.gen = new(mocks.MockGenerator)
	s.gen.On("Generate", mock.Anything, models.ArtifactScript, conversational(), mock.Anything).
		Return(&provider.Result{
			Text:  chatDraft,
			Usage: []provider.Usage{{Provider: models.ProviderText, InputUnits: 200, OutputUnits: 90, CostMicros: 500}},
		}, nil).Maybe()
	s.gen.On("Generate", mock.Anything, models.ArtifactScript, mock.Anything, mock.Anything).
		Return(nil, &provider.Error{Kind: provider.ErrorNetwork, Message: "text provider down"}).Maybe()
	s.gen.On("Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(generated, nil).Maybe()
	s.concat = new(mocks.MockConcatenator)
	s.concat.On("Concatenate", mock.Anything, mock.Anything, mock.Anything).Return("stories/final.mp4", nil).Maybe()

	s.dispatcher = messaging.NewInProcessDispatcher(4, zap.NewNop())
	usage := ledger.New(zap.NewNop())
	svc := service.NewPipelineService(store, s.gen, s.dispatcher, usage,
		assembly.NewEngine(s.concat, 0, zap.NewNop()), storage, zap.NewNop())
	s.dispatcher.Bind(svc.ExecuteTask)
	facade := status.NewFacade(store, usage, storage, nil, zap.NewNop())
	svc.SetChangeListener(facade)

	s.router = gin.New()
	s.router.Use(handler.ZapLogger(zap.NewNop()))
	handler.NewPipelineHandler(svc, facade, 1<<20, zap.NewNop()).RegisterRoutes(s.router)
}

func (s *HandlerSuite) TearDownTest() {
	s.Require().NoError(s.dispatcher.Shutdown(context.Background()))
}

func (s *HandlerSuite) do(method, path, user string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *HandlerSuite) decode(rec *httptest.ResponseRecorder, out interface{}) {
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
}

func (s *HandlerSuite) createStory() models.Story {
	rec := s.do(http.MethodPost, "/api/v1/stories", owner, map[string]string{"title": "The Lighthouse", "concept": "a storm"})
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	var story models.Story
	s.decode(rec, &story)
	return story
}

func (s *HandlerSuite) finalizeScript(storyID uuid.UUID, scenes int) {
	script := map[string]interface{}{
		"text":       "script",
		"characters": []map[string]string{{"name": "Keeper", "description": "old man in a raincoat"}},
	}
	var list []map[string]string
	for i := 0; i < scenes; i++ {
		list = append(list, map[string]string{"description": fmt.Sprintf("scene %d", i)})
	}
	script["scenes"] = list
	rec := s.do(http.MethodPut, "/api/v1/stories/"+storyID.String()+"/script", owner, script)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
}

func (s *HandlerSuite) snapshot(storyID uuid.UUID) status.Snapshot {
	rec := s.do(http.MethodGet, "/api/v1/stories/"+storyID.String()+"/pipeline/status", owner, nil)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var snap status.Snapshot
	s.decode(rec, &snap)
	return snap
}

func (s *HandlerSuite) TestMissingUserIsUnauthorized() {
	rec := s.do(http.MethodGet, "/api/v1/stories", "", nil)
	s.Equal(http.StatusUnauthorized, rec.Code)
}

func (s *HandlerSuite) TestStoriesAreScopedToOwner() {
	story := s.createStory()

	rec := s.do(http.MethodGet, "/api/v1/stories/"+story.ID.String(), owner, nil)
	s.Equal(http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/stories/"+story.ID.String(), "someone-else", nil)
	s.Equal(http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/stories/not-a-uuid", owner, nil)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/stories", "someone-else", nil)
	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq("[]", rec.Body.String())
}

func (s *HandlerSuite) TestCreateStoryRequiresTitle() {
	rec := s.do(http.MethodPost, "/api/v1/stories", owner, map[string]string{"concept": "no title"})
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *HandlerSuite) TestErrorMapping() {
	story := s.createStory()
	base := "/api/v1/stories/" + story.ID.String()

	s.Run("start without script is a precondition violation", func() {
		rec := s.do(http.MethodPost, base+"/pipeline/start", owner, nil)
		s.Equal(http.StatusUnprocessableEntity, rec.Code)
	})
	s.Run("unknown revert target is invalid input", func() {
		rec := s.do(http.MethodPost, base+"/pipeline/revert/somewhere", owner, nil)
		s.Equal(http.StatusBadRequest, rec.Code)
	})
	s.Run("concatenate outside assembly is a precondition violation", func() {
		rec := s.do(http.MethodPost, base+"/videos/concatenate", owner, nil)
		s.Equal(http.StatusUnprocessableEntity, rec.Code)
	})
	s.Run("unknown artifact is not found", func() {
		rec := s.do(http.MethodPost, base+"/characters/"+uuid.NewString()+"/regenerate", owner, nil)
		s.Equal(http.StatusNotFound, rec.Code)
	})
	s.Run("provider outage while drafting a script is a bad gateway", func() {
		rec := s.do(http.MethodPost, base+"/script/generate", owner, nil)
		s.Equal(http.StatusBadGateway, rec.Code)
	})
}

func (s *HandlerSuite) TestFullPipeline() {
	story := s.createStory()
	base := "/api/v1/stories/" + story.ID.String()
	s.finalizeScript(story.ID, 3)

	rec := s.do(http.MethodPost, base+"/pipeline/start", owner, nil)
	s.Require().Equal(http.StatusAccepted, rec.Code, rec.Body.String())
	s.dispatcher.Wait()

	snap := s.snapshot(story.ID)
	s.Equal(models.StageCharactersPending, snap.Story.Stage)
	s.True(snap.CanApproveCharacters)
	s.Require().Len(snap.Characters, 1)
	s.Contains(snap.MediaURLs, *snap.Characters[0].ImageRef)

	rec = s.do(http.MethodPost, base+"/pipeline/approve-storyboard", owner, nil)
	s.Equal(http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(http.MethodPost, base+"/pipeline/approve-characters", owner, nil)
	s.Require().Equal(http.StatusAccepted, rec.Code, rec.Body.String())
	s.dispatcher.Wait()

	snap = s.snapshot(story.ID)
	s.Equal(models.StageStoryboardPending, snap.Story.Stage)
	s.Len(snap.Frames, 3)
	s.True(snap.CanApproveStoryboard)

	rec = s.do(http.MethodPost, base+"/pipeline/approve-storyboard", owner, nil)
	s.Require().Equal(http.StatusAccepted, rec.Code, rec.Body.String())
	s.dispatcher.Wait()

	snap = s.snapshot(story.ID)
	s.Equal(models.StageCompleted, snap.Story.Stage)
	s.Equal(models.StoryStatusCompleted, snap.Story.Status)
	s.Len(snap.Clips, 2)
	s.Require().NotNil(snap.FinalVideo)
	s.Equal(models.FinalVideoCompleted, snap.FinalVideo.Status)
	s.Equal([]models.Stage{models.StageScripting, models.StageCharactersPending, models.StageStoryboardPending, models.StageClipsGenerating}, snap.RevertTargets)

	rec = s.do(http.MethodGet, base+"/usage", owner, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var usage models.UsageSummary
	s.decode(rec, &usage)
	// 1 character, 3 frames, 2 clips.
	s.Equal(int64(6), usage.TotalCalls)

	rec = s.do(http.MethodGet, "/api/v1/costs", owner, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var costs []models.StoryCost
	s.decode(rec, &costs)
	s.Require().Len(costs, 1)
	s.Equal(story.ID, costs[0].StoryID)

	rec = s.do(http.MethodPost, base+"/pipeline/revert/storyboard_pending", owner, nil)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var reverted status.Snapshot
	s.decode(rec, &reverted)
	s.Equal(models.StageStoryboardPending, reverted.Story.Stage)
	s.Empty(reverted.Clips)
	s.Nil(reverted.FinalVideo)
	s.Len(reverted.Frames, 3)
}

func (s *HandlerSuite) TestCharacterUpload() {
	story := s.createStory()
	base := "/api/v1/stories/" + story.ID.String()
	s.finalizeScript(story.ID, 2)
	s.Require().Equal(http.StatusAccepted, s.do(http.MethodPost, base+"/pipeline/start", owner, nil).Code)
	s.dispatcher.Wait()
	character := s.snapshot(story.ID).Characters[0]

	upload := func(payload []byte) *httptest.ResponseRecorder {
		var body bytes.Buffer
		w := multipart.NewWriter(&body)
		part, err := w.CreateFormFile("file", "portrait.bin")
		s.Require().NoError(err)
		_, err = part.Write(payload)
		s.Require().NoError(err)
		s.Require().NoError(w.Close())

		req := httptest.NewRequest(http.MethodPost, base+"/characters/"+character.ID.String()+"/upload", &body)
		req.Header.Set("Content-Type", w.FormDataContentType())
		req.Header.Set("X-User-ID", owner)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		return rec
	}

	rec := upload([]byte("just some text"))
	s.Equal(http.StatusBadRequest, rec.Code, rec.Body.String())

	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)
	rec = upload(png)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var ref models.ArtifactRef
	s.decode(rec, &ref)
	s.Equal(character.Attempt+1, ref.Attempt)

	snap := s.snapshot(story.ID)
	s.Equal(models.GenerationOverridden, snap.Characters[0].Status)
	s.True(snap.CanApproveCharacters)
}

func (s *HandlerSuite) TestChatAndFinalize() {
	story := s.createStory()
	base := "/api/v1/stories/" + story.ID.String()

	rec := s.do(http.MethodGet, base+"/chat", owner, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.JSONEq("[]", rec.Body.String())

	rec = s.do(http.MethodPost, base+"/chat/finalize", owner, nil)
	s.Equal(http.StatusUnprocessableEntity, rec.Code, "nothing to finalize yet")

	rec = s.do(http.MethodPost, base+"/chat", owner, map[string]string{})
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, base+"/chat", owner, map[string]string{"message": "a keeper in a storm"})
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	var turn models.ChatTurn
	s.decode(rec, &turn)
	s.Equal(models.ChatRoleUser, turn.Message.Role)
	s.Equal(models.ChatRoleAssistant, turn.Reply.Role)
	s.Require().NotNil(turn.Draft)
	s.Len(turn.Draft.Scenes, 2)

	rec = s.do(http.MethodPost, base+"/chat", owner, map[string]string{"message": "make the waves bigger"})
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, base+"/chat", owner, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var history []models.ChatMessage
	s.decode(rec, &history)
	s.Require().Len(history, 4)
	s.Equal("make the waves bigger", history[2].Content)

	rec = s.do(http.MethodPost, base+"/chat/finalize", owner, nil)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var finalized models.Story
	s.decode(rec, &finalized)
	s.Require().True(finalized.HasFinalizedScript())
	s.Equal("Keeper", finalized.Script.Characters[0].Name)

	rec = s.do(http.MethodPost, base+"/pipeline/start", owner, nil)
	s.Require().Equal(http.StatusAccepted, rec.Code, rec.Body.String())
	s.dispatcher.Wait()

	rec = s.do(http.MethodPost, base+"/chat", owner, map[string]string{"message": "one more idea"})
	s.Equal(http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(http.MethodGet, base+"/usage", owner, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var summary models.UsageSummary
	s.decode(rec, &summary)
	s.Equal(models.ProviderText, summary.Providers[0].Provider)
	s.Equal(int64(2), summary.Providers[0].Calls)
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}
