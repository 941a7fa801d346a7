package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", http.StatusBadRequest)
	assert.Equal(t, "INVALID_INPUT: test error", err.Error())
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", http.StatusInternalServerError)

	assert.Same(t, originalErr, err.Cause)
	assert.Contains(t, err.Error(), "original error")
	assert.ErrorIs(t, err, originalErr)
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", http.StatusBadRequest)
	err.WithContext("field", "value").WithContext("count", 42)

	assert.Equal(t, "value", err.Context["field"])
	assert.Equal(t, 42, err.Context["count"])
}

func TestConstructors(t *testing.T) {
	cause := errors.New("boom")
	cases := []struct {
		name   string
		err    *AppError
		code   ErrorCode
		status int
	}{
		{"invalid input", NewInvalidInputError("bad"), ErrCodeInvalidInput, http.StatusBadRequest},
		{"not found", NewNotFoundError("peer"), ErrCodeNotFound, http.StatusNotFound},
		{"signaling timeout", NewSignalingTimeoutError(cause), ErrCodeSignalingTimeout, http.StatusGatewayTimeout},
		{"relay rejected", NewRelayRejectedError(cause), ErrCodeRelayRejected, http.StatusBadGateway},
		{"screen capture", NewScreenCaptureError(cause), ErrCodeScreenCaptureFailed, http.StatusUnprocessableEntity},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, tc.err.Code)
			assert.Equal(t, tc.status, tc.err.HTTPStatus)
		})
	}
	assert.Equal(t, "peer not found", NewNotFoundError("peer").Message)
}

func TestGetAppError_Unwraps(t *testing.T) {
	appErr := NewConflictError("already joined")
	wrapped := fmt.Errorf("join: %w", appErr)

	assert.True(t, IsAppError(wrapped))
	assert.Same(t, appErr, GetAppError(wrapped))
	assert.Nil(t, GetAppError(errors.New("plain")))
	assert.Nil(t, GetAppError(nil))
}
