package provider_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"reel-server/internal/media"
	"reel-server/internal/models"
	"reel-server/internal/provider"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedAdapter struct {
	mu      sync.Mutex
	model   string
	results []func(ctx context.Context) (*provider.Output, error)
	calls   int
}

func (a *scriptedAdapter) Model() string { return a.model }

func (a *scriptedAdapter) Generate(ctx context.Context, req provider.Request) (*provider.Output, error) {
	a.mu.Lock()
	i := a.calls
	a.calls++
	a.mu.Unlock()
	if i >= len(a.results) {
		i = len(a.results) - 1
	}
	return a.results[i](ctx)
}

func ok(out *provider.Output) func(context.Context) (*provider.Output, error) {
	return func(context.Context) (*provider.Output, error) { return out, nil }
}

func fail(err error) func(context.Context) (*provider.Output, error) {
	return func(context.Context) (*provider.Output, error) { return nil, err }
}

func newGateway(t *testing.T, adapters map[models.ProviderKind]provider.Adapter) (*provider.Gateway, *media.LocalStorage) {
	t.Helper()
	storage, err := media.NewLocalStorage(t.TempDir(), "http://media.test", zap.NewNop())
	require.NoError(t, err)
	return provider.NewGateway(adapters, storage, provider.DefaultPricing(), provider.GatewayConfig{
		Retry: provider.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, zap.NewNop()), storage
}

func TestGateway_StoresMediaAndPricesUsage(t *testing.T) {
	image := &scriptedAdapter{model: "img-1", results: []func(context.Context) (*provider.Output, error){
		ok(&provider.Output{Media: []byte("png"), ContentType: "image/png", CallID: "call-1", OutputUnits: 1}),
	}}
	gw, storage := newGateway(t, map[models.ProviderKind]provider.Adapter{models.ProviderImage: image})

	req := provider.Request{StoryID: uuid.New(), ArtifactID: uuid.New(), Attempt: 2, Prompt: "portrait"}
	res, err := gw.Generate(context.Background(), models.ArtifactCharacter, req, time.Second)
	require.NoError(t, err)

	assert.Equal(t, media.ObjectKey(req.StoryID, "character", req.ArtifactID, 2, "image/png"), res.MediaRef)
	data, err := storage.Get(context.Background(), res.MediaRef)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)

	require.Len(t, res.Usage, 1)
	assert.Equal(t, models.ProviderImage, res.Usage[0].Provider)
	assert.Equal(t, int64(40_000), res.Usage[0].CostMicros)
	assert.Equal(t, "call-1", res.CallID)
}

func TestGateway_RetriesTransientFailures(t *testing.T) {
	text := &scriptedAdapter{model: "txt", results: []func(context.Context) (*provider.Output, error){
		fail(provider.NewError(provider.ErrorNetwork, "reset", errors.New("connection reset"))),
		fail(errors.New("dial tcp: refused")),
		ok(&provider.Output{Text: "{}", InputUnits: 100, OutputUnits: 10}),
	}}
	gw, _ := newGateway(t, map[models.ProviderKind]provider.Adapter{models.ProviderText: text})

	res, err := gw.Generate(context.Background(), models.ArtifactScript, provider.Request{Prompt: "p"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "{}", res.Text)
	assert.Equal(t, 3, text.calls)
	require.Len(t, res.Usage, 1, "only the billed success is recorded")
}

func TestGateway_DoesNotRetryRejectedOrRateLimited(t *testing.T) {
	for _, kind := range []provider.ErrorKind{provider.ErrorRejected, provider.ErrorRateLimited} {
		t.Run(string(kind), func(t *testing.T) {
			video := &scriptedAdapter{model: "vid", results: []func(context.Context) (*provider.Output, error){
				fail(&provider.Error{Kind: kind, Message: "no", Usage: []provider.Usage{{OutputUnits: 2}}}),
			}}
			gw, _ := newGateway(t, map[models.ProviderKind]provider.Adapter{models.ProviderVideo: video})

			_, err := gw.Generate(context.Background(), models.ArtifactClip, provider.Request{}, time.Second)
			pe, isProviderErr := provider.AsError(err)
			require.True(t, isProviderErr)
			assert.Equal(t, kind, pe.Kind)
			assert.Equal(t, 1, video.calls)
			require.Len(t, pe.Usage, 1)
			assert.Equal(t, int64(140_000), pe.Usage[0].CostMicros, "billed failures are priced")
		})
	}
}

func TestGateway_GivesUpAfterMaxAttempts(t *testing.T) {
	image := &scriptedAdapter{model: "img", results: []func(context.Context) (*provider.Output, error){
		fail(provider.NewError(provider.ErrorNetwork, "down", nil)),
	}}
	gw, _ := newGateway(t, map[models.ProviderKind]provider.Adapter{models.ProviderImage: image})

	_, err := gw.Generate(context.Background(), models.ArtifactFrame, provider.Request{}, time.Second)
	pe, isProviderErr := provider.AsError(err)
	require.True(t, isProviderErr)
	assert.Equal(t, provider.ErrorNetwork, pe.Kind)
	assert.Equal(t, 3, image.calls)
}

func TestGateway_ClassifiesTimeout(t *testing.T) {
	slow := &scriptedAdapter{model: "img", results: []func(context.Context) (*provider.Output, error){
		func(ctx context.Context) (*provider.Output, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}
	gw, _ := newGateway(t, map[models.ProviderKind]provider.Adapter{models.ProviderImage: slow})

	_, err := gw.Generate(context.Background(), models.ArtifactFrame, provider.Request{}, 5*time.Millisecond)
	pe, isProviderErr := provider.AsError(err)
	require.True(t, isProviderErr)
	assert.Equal(t, provider.ErrorTimeout, pe.Kind)
	assert.Equal(t, 3, slow.calls, "timeouts are retried")
}

func TestGateway_MissingAdapter(t *testing.T) {
	gw, _ := newGateway(t, map[models.ProviderKind]provider.Adapter{})
	_, err := gw.Generate(context.Background(), models.ArtifactClip, provider.Request{}, 0)
	pe, isProviderErr := provider.AsError(err)
	require.True(t, isProviderErr)
	assert.Equal(t, provider.ErrorRejected, pe.Kind)
}

func TestGateway_EmptyMediaIsRejected(t *testing.T) {
	image := &scriptedAdapter{model: "img", results: []func(context.Context) (*provider.Output, error){
		ok(&provider.Output{ContentType: "image/png", OutputUnits: 1}),
	}}
	gw, _ := newGateway(t, map[models.ProviderKind]provider.Adapter{models.ProviderImage: image})

	_, err := gw.Generate(context.Background(), models.ArtifactFrame, provider.Request{}, time.Second)
	pe, isProviderErr := provider.AsError(err)
	require.True(t, isProviderErr)
	assert.Equal(t, provider.ErrorRejected, pe.Kind)
	require.Len(t, pe.Usage, 1)
}
