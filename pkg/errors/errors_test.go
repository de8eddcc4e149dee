package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasCode_UnwrapsWrappedErrors(t *testing.T) {
	err := fmt.Errorf("join failed: %w", PermissionDeniedError("not a participant"))

	assert.True(t, HasCode(err, ErrCodePermissionDenied))
	assert.False(t, HasCode(err, ErrCodeNotFound))
	assert.False(t, HasCode(fmt.Errorf("plain"), ErrCodeInternal))
}

func TestHasCode_CallNotFoundMatchesNotFound(t *testing.T) {
	assert.True(t, HasCode(CallNotFoundError(), ErrCodeNotFound))
	assert.True(t, HasCode(CallNotFoundError(), ErrCodeCallNotFound))
}

func TestInvalidTransitionError(t *testing.T) {
	err := InvalidTransitionError("participant", "left", "joined")

	assert.Equal(t, ErrCodeInvalidTransition, err.Code)
	assert.Equal(t, http.StatusConflict, err.StatusCode)
	assert.Equal(t, map[string]string{"from": "left", "to": "joined"}, err.Details)
	assert.Contains(t, err.Error(), "participant cannot move from left to joined")
}

func TestGetAppError(t *testing.T) {
	appErr := ResourceExhaustedError("quota")
	assert.Same(t, appErr, GetAppError(fmt.Errorf("wrapped: %w", appErr)))

	internal := GetAppError(fmt.Errorf("boom"))
	assert.Equal(t, ErrCodeInternal, internal.Code)
	assert.Equal(t, http.StatusInternalServerError, internal.StatusCode)
}
