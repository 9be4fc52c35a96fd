package media_test

import (
	"context"
	"testing"

	"reel-server/internal/media"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLocalStorage_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	store, err := media.NewLocalStorage(t.TempDir(), "http://cdn.local/media/", zap.NewNop())
	require.NoError(t, err)

	ref, err := store.Put(ctx, "stories/a/clip/1.mp4", []byte("video"), "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, "stories/a/clip/1.mp4", ref)
	assert.Equal(t, "http://cdn.local/media/stories/a/clip/1.mp4", store.URL(ref))

	data, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("video"), data)

	require.NoError(t, store.Delete(ctx, ref, "stories/missing.png"))
	_, err = store.Get(ctx, ref)
	assert.ErrorIs(t, err, media.ErrMediaNotFound)
}

func TestLocalStorage_RejectsEscapingKeys(t *testing.T) {
	store, err := media.NewLocalStorage(t.TempDir(), "http://cdn.local", zap.NewNop())
	require.NoError(t, err)

	ref, err := store.Put(context.Background(), "../../etc/passwd", []byte("x"), "text/plain")
	require.NoError(t, err, "leading parent segments are cleaned away")
	assert.Equal(t, "etc/passwd", ref)

	_, err = store.Put(context.Background(), "  ", []byte("x"), "text/plain")
	assert.Error(t, err)
}

func TestObjectKey(t *testing.T) {
	story := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	artifact := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	key := media.ObjectKey(story, "frame", artifact, 3, "image/png")
	assert.Equal(t, "stories/11111111-1111-1111-1111-111111111111/frame/22222222-2222-2222-2222-222222222222-3.png", key)
	assert.Equal(t, ".mp4", media.ExtensionFor("video/mp4; codecs=avc1"))
}
