package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"reel-server/internal/models"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and local runs without a database.
// A transaction holds the store mutex and works on a copy of the state that
// replaces the live state on commit.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
	*memRepositories
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{state: newMemState()}
	s.memRepositories = newMemRepositories(func(fn func(st *memState) error) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return fn(s.state)
	})
	return s
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	txState := s.state.clone()
	repos := newMemRepositories(func(op func(st *memState) error) error {
		return op(txState)
	})
	if err := fn(ctx, repos); err != nil {
		return err
	}
	s.state = txState
	return nil
}

type memState struct {
	stories     map[uuid.UUID]models.Story
	characters  map[uuid.UUID]models.Character
	frames      map[uuid.UUID]models.StoryboardFrame
	clips       map[uuid.UUID]models.Clip
	finalVideos map[uuid.UUID]models.FinalVideo
	usage       []models.UsageRecord
	chat        []models.ChatMessage
}

func newMemState() *memState {
	return &memState{
		stories:     make(map[uuid.UUID]models.Story),
		characters:  make(map[uuid.UUID]models.Character),
		frames:      make(map[uuid.UUID]models.StoryboardFrame),
		clips:       make(map[uuid.UUID]models.Clip),
		finalVideos: make(map[uuid.UUID]models.FinalVideo),
	}
}

func (st *memState) clone() *memState {
	c := newMemState()
	for k, v := range st.stories {
		c.stories[k] = v
	}
	for k, v := range st.characters {
		c.characters[k] = v
	}
	for k, v := range st.frames {
		c.frames[k] = v
	}
	for k, v := range st.clips {
		c.clips[k] = v
	}
	for k, v := range st.finalVideos {
		v.ClipIDs = append([]uuid.UUID(nil), v.ClipIDs...)
		c.finalVideos[k] = v
	}
	c.usage = append([]models.UsageRecord(nil), st.usage...)
	c.chat = append([]models.ChatMessage(nil), st.chat...)
	return c
}

type memRepositories struct {
	do func(fn func(st *memState) error) error
}

func newMemRepositories(do func(fn func(st *memState) error) error) *memRepositories {
	return &memRepositories{do: do}
}

func (r *memRepositories) Stories() StoryRepository { return memStories{r} }
func (r *memRepositories) Generations() GenerationRepository { return memGenerations{r} }
func (r *memRepositories) Characters() CharacterRepository { return memCharacters{r} }
func (r *memRepositories) Frames() FrameRepository { return memFrames{r} }
func (r *memRepositories) Clips() ClipRepository { return memClips{r} }
func (r *memRepositories) FinalVideos() FinalVideoRepository { return memFinalVideos{r} }
func (r *memRepositories) Usage() UsageRepository { return memUsage{r} }
func (r *memRepositories) Chat() ChatRepository { return memChat{r} }

func copyScript(s *models.Script) *models.Script {
	if s == nil {
		return nil
	}
	c := *s
	c.Characters = append([]models.ScriptCharacter(nil), s.Characters...)
	c.Scenes = append([]models.ScriptScene(nil), s.Scenes...)
	return &c
}

// --- stories ---

type memStories struct{ r *memRepositories }

func (m memStories) Create(ctx context.Context, story *models.Story) error {
	return m.r.do(func(st *memState) error {
		if story.ID == uuid.Nil {
			story.ID = uuid.New()
		}
		if _, ok := st.stories[story.ID]; ok {
			return fmt.Errorf("%w: story %s already exists", models.ErrConflict, story.ID)
		}
		now := time.Now().UTC()
		story.CreatedAt, story.UpdatedAt = now, now
		c := *story
		c.Script = copyScript(story.Script)
		st.stories[story.ID] = c
		return nil
	})
}

func (m memStories) get(id uuid.UUID) (*models.Story, error) {
	var out *models.Story
	err := m.r.do(func(st *memState) error {
		s, ok := st.stories[id]
		if !ok {
			return fmt.Errorf("error getting story %s: %w", id, models.ErrNotFound)
		}
		s.Script = copyScript(s.Script)
		out = &s
		return nil
	})
	return out, err
}

func (m memStories) GetByID(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	return m.get(id)
}

func (m memStories) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	return m.get(id)
}

func (m memStories) ListByOwner(ctx context.Context, ownerID string) ([]*models.Story, error) {
	out := make([]*models.Story, 0)
	err := m.r.do(func(st *memState) error {
		for _, s := range st.stories {
			if s.OwnerID == ownerID {
				s := s
				s.Script = copyScript(s.Script)
				out = append(out, &s)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, err
}

func (m memStories) UpdateScript(ctx context.Context, id uuid.UUID, script *models.Script) error {
	return m.r.do(func(st *memState) error {
		s, ok := st.stories[id]
		if !ok {
			return models.ErrNotFound
		}
		s.Script = copyScript(script)
		s.UpdatedAt = time.Now().UTC()
		st.stories[id] = s
		return nil
	})
}

func (m memStories) CompareAndSetStage(ctx context.Context, id uuid.UUID, from, to models.Stage, status models.StoryStatus) error {
	return m.r.do(func(st *memState) error {
		s, ok := st.stories[id]
		if !ok {
			return models.ErrNotFound
		}
		if s.Stage != from {
			return fmt.Errorf("%w: story %s is no longer in stage %s", models.ErrConflict, id, from)
		}
		s.Stage, s.Status, s.UpdatedAt = to, status, time.Now().UTC()
		st.stories[id] = s
		return nil
	})
}

func (m memStories) Delete(ctx context.Context, id uuid.UUID) error {
	return m.r.do(func(st *memState) error {
		if _, ok := st.stories[id]; !ok {
			return models.ErrNotFound
		}
		delete(st.stories, id)
		for k, v := range st.characters {
			if v.StoryID == id {
				delete(st.characters, k)
			}
		}
		for k, v := range st.frames {
			if v.StoryID == id {
				delete(st.frames, k)
			}
		}
		for k, v := range st.clips {
			if v.StoryID == id {
				delete(st.clips, k)
			}
		}
		delete(st.finalVideos, id)
		kept := st.usage[:0]
		for _, u := range st.usage {
			if u.StoryID != id {
				kept = append(kept, u)
			}
		}
		st.usage = kept
		messages := st.chat[:0]
		for _, m := range st.chat {
			if m.StoryID != id {
				messages = append(messages, m)
			}
		}
		st.chat = messages
		return nil
	})
}

// --- generation state ---

type memGenerations struct{ r *memRepositories }

// locate returns the generation block and media field of a copy of the
// artifact, plus a function that stores the copy back.
func (m memGenerations) locate(st *memState, kind models.ArtifactKind, id uuid.UUID) (*models.Generation, **string, func(), error) {
	switch kind {
	case models.ArtifactCharacter:
		c, ok := st.characters[id]
		if !ok {
			return nil, nil, nil, models.ErrNotFound
		}
		return &c.Generation, &c.ImageRef, func() { c.UpdatedAt = time.Now().UTC(); st.characters[id] = c }, nil
	case models.ArtifactFrame:
		f, ok := st.frames[id]
		if !ok {
			return nil, nil, nil, models.ErrNotFound
		}
		return &f.Generation, &f.ImageRef, func() { f.UpdatedAt = time.Now().UTC(); st.frames[id] = f }, nil
	case models.ArtifactClip:
		c, ok := st.clips[id]
		if !ok {
			return nil, nil, nil, models.ErrNotFound
		}
		return &c.Generation, &c.VideoRef, func() { c.UpdatedAt = time.Now().UTC(); st.clips[id] = c }, nil
	default:
		return nil, nil, nil, fmt.Errorf("%w: artifact kind %s has no generation state", models.ErrInvalidInput, kind)
	}
}

func (m memGenerations) BeginAttempt(ctx context.Context, kind models.ArtifactKind, id uuid.UUID, expectedAttempt int) (int, error) {
	var attempt int
	err := m.r.do(func(st *memState) error {
		gen, _, save, err := m.locate(st, kind, id)
		if err != nil {
			return err
		}
		if gen.Attempt != expectedAttempt {
			return fmt.Errorf("%w: %s %s changed concurrently", models.ErrConflict, kind, id)
		}
		gen.Attempt++
		gen.Status = models.GenerationGenerating
		gen.Error, gen.ProviderCallID = nil, nil
		attempt = gen.Attempt
		save()
		return nil
	})
	return attempt, err
}

func (m memGenerations) Override(ctx context.Context, kind models.ArtifactKind, id uuid.UUID, expectedAttempt int, mediaRef string) (int, error) {
	var attempt int
	err := m.r.do(func(st *memState) error {
		gen, media, save, err := m.locate(st, kind, id)
		if err != nil {
			return err
		}
		if gen.Attempt != expectedAttempt {
			return fmt.Errorf("%w: %s %s changed concurrently", models.ErrConflict, kind, id)
		}
		gen.Attempt++
		gen.Status = models.GenerationOverridden
		gen.Error, gen.ProviderCallID = nil, nil
		ref := mediaRef
		*media = &ref
		attempt = gen.Attempt
		save()
		return nil
	})
	return attempt, err
}

func (m memGenerations) ApplyResult(ctx context.Context, kind models.ArtifactKind, id uuid.UUID, attempt int, result models.GenerationResult) error {
	return m.r.do(func(st *memState) error {
		gen, media, save, err := m.locate(st, kind, id)
		if err != nil {
			return err
		}
		if gen.Attempt != attempt || gen.Status != models.GenerationGenerating {
			return fmt.Errorf("%w: attempt %d of %s %s is superseded", models.ErrConflict, attempt, kind, id)
		}
		gen.ProviderCallID = result.ProviderCallID
		if result.Err != nil {
			msg := result.Err.Error()
			gen.Status, gen.Error = models.GenerationFailed, &msg
		} else {
			gen.Status, gen.Error = models.GenerationReady, nil
			*media = result.MediaRef
		}
		save()
		return nil
	})
}

// --- characters ---

type memCharacters struct{ r *memRepositories }

func (m memCharacters) Create(ctx context.Context, c *models.Character) error {
	return m.r.do(func(st *memState) error {
		if _, ok := st.stories[c.StoryID]; !ok {
			return fmt.Errorf("%w: story %s", models.ErrNotFound, c.StoryID)
		}
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		now := time.Now().UTC()
		c.CreatedAt, c.UpdatedAt = now, now
		st.characters[c.ID] = *c
		return nil
	})
}

func (m memCharacters) GetByID(ctx context.Context, id uuid.UUID) (*models.Character, error) {
	var out *models.Character
	err := m.r.do(func(st *memState) error {
		c, ok := st.characters[id]
		if !ok {
			return fmt.Errorf("error getting character %s: %w", id, models.ErrNotFound)
		}
		out = &c
		return nil
	})
	return out, err
}

func (m memCharacters) ListByStory(ctx context.Context, storyID uuid.UUID) ([]*models.Character, error) {
	out := make([]*models.Character, 0)
	err := m.r.do(func(st *memState) error {
		for _, c := range st.characters {
			if c.StoryID == storyID {
				c := c
				out = append(out, &c)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, err
}

func (m memCharacters) LockByStory(ctx context.Context, storyID uuid.UUID) ([]*models.Character, error) {
	return m.ListByStory(ctx, storyID)
}

func (m memCharacters) UpdateDetails(ctx context.Context, id uuid.UUID, name, description string) error {
	return m.r.do(func(st *memState) error {
		c, ok := st.characters[id]
		if !ok {
			return models.ErrNotFound
		}
		c.Name, c.Description, c.UpdatedAt = name, description, time.Now().UTC()
		st.characters[id] = c
		return nil
	})
}

func (m memCharacters) Delete(ctx context.Context, id uuid.UUID) error {
	return m.r.do(func(st *memState) error {
		if _, ok := st.characters[id]; !ok {
			return models.ErrNotFound
		}
		delete(st.characters, id)
		return nil
	})
}

func (m memCharacters) DeleteByStory(ctx context.Context, storyID uuid.UUID) (int64, error) {
	var n int64
	err := m.r.do(func(st *memState) error {
		for k, v := range st.characters {
			if v.StoryID == storyID {
				delete(st.characters, k)
				n++
			}
		}
		return nil
	})
	return n, err
}

// --- frames ---

type memFrames struct{ r *memRepositories }

func (m memFrames) Insert(ctx context.Context, f *models.StoryboardFrame) error {
	return m.r.do(func(st *memState) error {
		if _, ok := st.stories[f.StoryID]; !ok {
			return fmt.Errorf("%w: story %s", models.ErrNotFound, f.StoryID)
		}
		count := 0
		for _, v := range st.frames {
			if v.StoryID == f.StoryID {
				count++
			}
		}
		if f.SeqIndex < 0 || f.SeqIndex > count {
			return fmt.Errorf("%w: frame index %d out of range [0, %d]", models.ErrInvalidInput, f.SeqIndex, count)
		}
		for k, v := range st.frames {
			if v.StoryID == f.StoryID && v.SeqIndex >= f.SeqIndex {
				v.SeqIndex++
				st.frames[k] = v
			}
		}
		if f.ID == uuid.Nil {
			f.ID = uuid.New()
		}
		now := time.Now().UTC()
		f.CreatedAt, f.UpdatedAt = now, now
		st.frames[f.ID] = *f
		return nil
	})
}

func (m memFrames) GetByID(ctx context.Context, id uuid.UUID) (*models.StoryboardFrame, error) {
	var out *models.StoryboardFrame
	err := m.r.do(func(st *memState) error {
		f, ok := st.frames[id]
		if !ok {
			return fmt.Errorf("error getting frame %s: %w", id, models.ErrNotFound)
		}
		out = &f
		return nil
	})
	return out, err
}

func (m memFrames) ListByStory(ctx context.Context, storyID uuid.UUID) ([]*models.StoryboardFrame, error) {
	out := make([]*models.StoryboardFrame, 0)
	err := m.r.do(func(st *memState) error {
		for _, f := range st.frames {
			if f.StoryID == storyID {
				f := f
				out = append(out, &f)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SeqIndex < out[j].SeqIndex })
	return out, err
}

func (m memFrames) LockByStory(ctx context.Context, storyID uuid.UUID) ([]*models.StoryboardFrame, error) {
	return m.ListByStory(ctx, storyID)
}

func (m memFrames) DeleteAndReindex(ctx context.Context, id uuid.UUID) (int, error) {
	var removed int
	err := m.r.do(func(st *memState) error {
		f, ok := st.frames[id]
		if !ok {
			return fmt.Errorf("error deleting frame %s: %w", id, models.ErrNotFound)
		}
		removed = f.SeqIndex
		delete(st.frames, id)
		for k, v := range st.frames {
			if v.StoryID == f.StoryID && v.SeqIndex > removed {
				v.SeqIndex--
				st.frames[k] = v
			}
		}
		// mirrors ON DELETE CASCADE of clips.frame_*_id
		for k, c := range st.clips {
			if c.FrameFromID == id || c.FrameToID == id {
				delete(st.clips, k)
			}
		}
		return nil
	})
	return removed, err
}

func (m memFrames) DeleteByStory(ctx context.Context, storyID uuid.UUID) (int64, error) {
	var n int64
	err := m.r.do(func(st *memState) error {
		for k, v := range st.frames {
			if v.StoryID == storyID {
				delete(st.frames, k)
				n++
			}
		}
		for k, c := range st.clips {
			if c.StoryID == storyID {
				delete(st.clips, k)
			}
		}
		return nil
	})
	return n, err
}

// --- clips ---

type memClips struct{ r *memRepositories }

func (m memClips) Create(ctx context.Context, c *models.Clip) error {
	return m.r.do(func(st *memState) error {
		from, okFrom := st.frames[c.FrameFromID]
		to, okTo := st.frames[c.FrameToID]
		if !okFrom || !okTo || from.StoryID != c.StoryID || to.StoryID != c.StoryID || from.SeqIndex+1 != to.SeqIndex {
			return fmt.Errorf("%w: frames %s and %s are not adjacent frames of story %s",
				models.ErrInvalidInput, c.FrameFromID, c.FrameToID, c.StoryID)
		}
		for _, existing := range st.clips {
			if existing.FrameFromID == c.FrameFromID && existing.FrameToID == c.FrameToID {
				return fmt.Errorf("%w: clip for frames %s and %s already exists", models.ErrConflict, c.FrameFromID, c.FrameToID)
			}
		}
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		now := time.Now().UTC()
		c.FromIndex = from.SeqIndex
		c.CreatedAt, c.UpdatedAt = now, now
		st.clips[c.ID] = *c
		return nil
	})
}

func (m memClips) GetByID(ctx context.Context, id uuid.UUID) (*models.Clip, error) {
	var out *models.Clip
	err := m.r.do(func(st *memState) error {
		c, ok := st.clips[id]
		if !ok {
			return fmt.Errorf("error getting clip %s: %w", id, models.ErrNotFound)
		}
		out = &c
		return nil
	})
	return out, err
}

func (m memClips) ListByStory(ctx context.Context, storyID uuid.UUID) ([]*models.Clip, error) {
	out := make([]*models.Clip, 0)
	err := m.r.do(func(st *memState) error {
		for _, c := range st.clips {
			if c.StoryID == storyID {
				c := c
				out = append(out, &c)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].FromIndex < out[j].FromIndex })
	return out, err
}

func (m memClips) DeleteByFrame(ctx context.Context, frameID uuid.UUID) (int64, error) {
	var n int64
	err := m.r.do(func(st *memState) error {
		for k, c := range st.clips {
			if c.FrameFromID == frameID || c.FrameToID == frameID {
				delete(st.clips, k)
				n++
			}
		}
		return nil
	})
	return n, err
}

func (m memClips) ShiftFromIndex(ctx context.Context, storyID uuid.UUID, above, delta int) error {
	return m.r.do(func(st *memState) error {
		for k, c := range st.clips {
			if c.StoryID == storyID && c.FromIndex > above {
				c.FromIndex += delta
				st.clips[k] = c
			}
		}
		return nil
	})
}

func (m memClips) DeleteByStory(ctx context.Context, storyID uuid.UUID) (int64, error) {
	var n int64
	err := m.r.do(func(st *memState) error {
		for k, c := range st.clips {
			if c.StoryID == storyID {
				delete(st.clips, k)
				n++
			}
		}
		return nil
	})
	return n, err
}

// --- final videos ---

type memFinalVideos struct{ r *memRepositories }

func (m memFinalVideos) Upsert(ctx context.Context, v *models.FinalVideo) error {
	return m.r.do(func(st *memState) error {
		if _, ok := st.stories[v.StoryID]; !ok {
			return fmt.Errorf("%w: story %s", models.ErrNotFound, v.StoryID)
		}
		if v.ID == uuid.Nil {
			v.ID = uuid.New()
		}
		now := time.Now().UTC()
		v.UpdatedAt = now
		if prev, ok := st.finalVideos[v.StoryID]; ok {
			v.CreatedAt = prev.CreatedAt
		} else {
			v.CreatedAt = now
		}
		c := *v
		c.ClipIDs = append([]uuid.UUID(nil), v.ClipIDs...)
		st.finalVideos[v.StoryID] = c
		return nil
	})
}

func (m memFinalVideos) GetByStory(ctx context.Context, storyID uuid.UUID) (*models.FinalVideo, error) {
	var out *models.FinalVideo
	err := m.r.do(func(st *memState) error {
		v, ok := st.finalVideos[storyID]
		if !ok {
			return fmt.Errorf("error getting final video of story %s: %w", storyID, models.ErrNotFound)
		}
		v.ClipIDs = append([]uuid.UUID(nil), v.ClipIDs...)
		out = &v
		return nil
	})
	return out, err
}

func (m memFinalVideos) DeleteByStory(ctx context.Context, storyID uuid.UUID) (int64, error) {
	var n int64
	err := m.r.do(func(st *memState) error {
		if _, ok := st.finalVideos[storyID]; ok {
			delete(st.finalVideos, storyID)
			n = 1
		}
		return nil
	})
	return n, err
}

// --- usage ---

type memUsage struct{ r *memRepositories }

func (m memUsage) Append(ctx context.Context, rec *models.UsageRecord) error {
	return m.r.do(func(st *memState) error {
		if _, ok := st.stories[rec.StoryID]; !ok {
			return fmt.Errorf("%w: story %s", models.ErrNotFound, rec.StoryID)
		}
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		st.usage = append(st.usage, *rec)
		return nil
	})
}

func (m memUsage) ListByStory(ctx context.Context, storyID uuid.UUID) ([]*models.UsageRecord, error) {
	out := make([]*models.UsageRecord, 0)
	err := m.r.do(func(st *memState) error {
		for _, u := range st.usage {
			if u.StoryID == storyID {
				u := u
				out = append(out, &u)
			}
		}
		return nil
	})
	return out, err
}

func (m memUsage) CostsByOwner(ctx context.Context, ownerID string) ([]models.StoryCost, error) {
	out := make([]models.StoryCost, 0)
	err := m.r.do(func(st *memState) error {
		index := make(map[uuid.UUID]int)
		stories := make([]models.Story, 0)
		for _, s := range st.stories {
			if s.OwnerID == ownerID {
				stories = append(stories, s)
			}
		}
		sort.Slice(stories, func(i, j int) bool { return stories[i].CreatedAt.After(stories[j].CreatedAt) })
		for _, s := range stories {
			index[s.ID] = len(out)
			out = append(out, models.StoryCost{StoryID: s.ID, Title: s.Title})
		}
		for _, u := range st.usage {
			if i, ok := index[u.StoryID]; ok {
				out[i].Calls++
				out[i].CostMicros += u.CostMicros
			}
		}
		return nil
	})
	return out, err
}

// --- chat ---

type memChat struct{ r *memRepositories }

func (m memChat) Append(ctx context.Context, msg *models.ChatMessage) error {
	return m.r.do(func(st *memState) error {
		if _, ok := st.stories[msg.StoryID]; !ok {
			return fmt.Errorf("%w: story %s", models.ErrNotFound, msg.StoryID)
		}
		if msg.ID == uuid.Nil {
			msg.ID = uuid.New()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		st.chat = append(st.chat, *msg)
		return nil
	})
}

func (m memChat) ListByStory(ctx context.Context, storyID uuid.UUID) ([]*models.ChatMessage, error) {
	out := make([]*models.ChatMessage, 0)
	err := m.r.do(func(st *memState) error {
		for _, msg := range st.chat {
			if msg.StoryID == storyID {
				msg := msg
				out = append(out, &msg)
			}
		}
		return nil
	})
	return out, err
}
