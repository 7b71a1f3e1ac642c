package mocks

import (
	"context"

	"parable-server/internal/narrative"

	"github.com/stretchr/testify/mock"
)

// MockNarrativeBackend is a mock type for the narrative.Backend type
type MockNarrativeBackend struct {
	mock.Mock
}

// Name provides a mock function with given fields:
func (_m *MockNarrativeBackend) Name() string {
	ret := _m.Called()
	return ret.String(0)
}

// Complete provides a mock function with given fields: ctx, messages
func (_m *MockNarrativeBackend) Complete(ctx context.Context, messages []narrative.Message) (string, error) {
	ret := _m.Called(ctx, messages)

	var r0 string
	if rf, ok := ret.Get(0).(func(context.Context, []narrative.Message) string); ok {
		r0 = rf(ctx, messages)
	} else {
		r0 = ret.String(0)
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, []narrative.Message) error); ok {
		r1 = rf(ctx, messages)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockNarrativeBackend creates a new instance of MockNarrativeBackend. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
// Name is pre-registered to return "mock".
func NewMockNarrativeBackend(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockNarrativeBackend {
	m := &MockNarrativeBackend{}
	m.Mock.Test(t)
	m.On("Name").Return("mock").Maybe()
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

var _ narrative.Backend = (*MockNarrativeBackend)(nil)
