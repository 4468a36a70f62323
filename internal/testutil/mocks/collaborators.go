// Package mocks holds testify mocks for the core's external collaborators.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
	"github.com/davidleathers/guardian-core/internal/domain/credential"
)

// IdentityStore mock
type IdentityStore struct {
	mock.Mock
}

func (m *IdentityStore) Match(ctx context.Context, c credential.Credential) (bool, error) {
	args := m.Called(ctx, c)
	return args.Bool(0), args.Error(1)
}

// AttemptLimiter mock
type AttemptLimiter struct {
	mock.Mock
}

func (m *AttemptLimiter) Allow(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *AttemptLimiter) Reset(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

// Recorder mock
type Recorder struct {
	mock.Mock
}

func (m *Recorder) Append(ctx context.Context, d activity.Draft) (activity.Event, error) {
	args := m.Called(ctx, d)
	return args.Get(0).(activity.Event), args.Error(1)
}

// ActionLibrary mock
type ActionLibrary struct {
	mock.Mock
}

func (m *ActionLibrary) Invoke(ctx context.Context, action string, params map[string]string) (string, error) {
	args := m.Called(ctx, action, params)
	return args.String(0), args.Error(1)
}
