package mocks

import (
	"context"

	"reel-server/internal/assembly"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockConcatenator is a mock type for the assembly.Concatenator type
type MockConcatenator struct {
	mock.Mock
}

func (_m *MockConcatenator) Concatenate(ctx context.Context, storyID uuid.UUID, clipRefs []string) (string, error) {
	args := _m.Called(ctx, storyID, clipRefs)
	return args.String(0), args.Error(1)
}

var _ assembly.Concatenator = (*MockConcatenator)(nil)
