package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callorchestrator-backend/internal/domain"
)

func TestCachedDirectory(t *testing.T) {
	source := new(MockUserDirectory)
	dir := NewCachedDirectory(source, time.Minute, 100)
	ctx := context.Background()

	cached, missing, failing := uuid.New(), uuid.New(), uuid.New()
	source.On("GetByID", mock.Anything, cached).Return(activeUser(cached), nil).Once()
	source.On("GetByID", mock.Anything, missing).Return(nil, domain.ErrUserNotFound).Twice()
	source.On("GetByID", mock.Anything, failing).Return(nil, errors.New("connection refused")).Twice()

	for i := 0; i < 3; i++ {
		user, err := dir.GetByID(ctx, cached)
		require.NoError(t, err)
		assert.Equal(t, cached, user.UserID)
	}

	user, _ := dir.GetByID(ctx, cached)
	user.Status = domain.AccountSuspended
	again, _ := dir.GetByID(ctx, cached)
	assert.Equal(t, domain.AccountActive, again.Status, "callers get copies")

	for i := 0; i < 2; i++ {
		_, err := dir.GetByID(ctx, missing)
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
		_, err = dir.GetByID(ctx, failing)
		assert.Error(t, err)
	}

	source.AssertExpectations(t)
}

func TestCachedDirectory_Invalidate(t *testing.T) {
	source := new(MockUserDirectory)
	dir := NewCachedDirectory(source, time.Minute, 100)
	userID := uuid.New()
	source.On("GetByID", mock.Anything, userID).Return(activeUser(userID), nil).Twice()

	_, err := dir.GetByID(context.Background(), userID)
	require.NoError(t, err)
	dir.Invalidate(userID)
	_, err = dir.GetByID(context.Background(), userID)
	require.NoError(t, err)

	source.AssertExpectations(t)
}
