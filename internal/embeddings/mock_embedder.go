package embeddings

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockModel is a mock implementation of Model using testify/mock.
type MockModel struct {
	mock.Mock
}

func (m *MockModel) Embed(ctx context.Context, audio []byte) (Vector, error) {
	args := m.Called(ctx, audio)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(Vector), args.Error(1)
}
