package mocks

import (
	"context"

	"reel-server/internal/messaging"

	"github.com/stretchr/testify/mock"
)

// MockDispatcher is a mock type for the messaging.Dispatcher type
type MockDispatcher struct {
	mock.Mock
}

func (_m *MockDispatcher) Dispatch(ctx context.Context, task messaging.GenerationTask) error {
	args := _m.Called(ctx, task)
	return args.Error(0)
}

var _ messaging.Dispatcher = (*MockDispatcher)(nil)
