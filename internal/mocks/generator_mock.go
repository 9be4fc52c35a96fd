package mocks

import (
	"context"
	"time"

	"reel-server/internal/models"
	"reel-server/internal/provider"
	"reel-server/internal/service"

	"github.com/stretchr/testify/mock"
)

// MockGenerator is a mock type for the service.Generator type
type MockGenerator struct {
	mock.Mock
}

// Generate provides a mock function with given fields: ctx, kind, req, timeout
func (_m *MockGenerator) Generate(ctx context.Context, kind models.ArtifactKind, req provider.Request, timeout time.Duration) (*provider.Result, error) {
	ret := _m.Called(ctx, kind, req, timeout)

	var r0 *provider.Result
	if rf, ok := ret.Get(0).(func(context.Context, models.ArtifactKind, provider.Request, time.Duration) *provider.Result); ok {
		r0 = rf(ctx, kind, req, timeout)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*provider.Result)
		}
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, models.ArtifactKind, provider.Request, time.Duration) error); ok {
		r1 = rf(ctx, kind, req, timeout)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockGenerator creates a new instance of MockGenerator. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
func NewMockGenerator(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockGenerator {
	m := &MockGenerator{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

var _ service.Generator = (*MockGenerator)(nil)
