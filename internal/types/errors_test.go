package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodeHTTPStatus(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationInvalidKind, http.StatusBadRequest},
		{ErrCodeValidationBatchSize, http.StatusBadRequest},
		{ErrCodeNotFoundCampaign, http.StatusNotFound},
		{ErrCodeConflictTerminal, http.StatusConflict},
		{ErrCodeConflictConcurrent, http.StatusConflict},
		{ErrCodeUpstreamRateLimit, http.StatusTooManyRequests},
		{ErrCodeUpstreamMail, http.StatusBadGateway},
		{ErrCodeUpstreamTimeout, http.StatusBadGateway},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrorCode("something_new"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.code.HTTPStatus(), "code %s", tc.code)
	}
}

func TestAppErrorChain(t *testing.T) {
	cause := errors.New("connection refused")
	appErr := NewAppError(ErrCodeInternalDB, "failed to claim recipients", cause)

	wrapped := fmt.Errorf("batch step: %w", appErr)

	var target *AppError
	require.ErrorAs(t, wrapped, &target)
	assert.Equal(t, ErrCodeInternalDB, target.Code)
	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, appErr.Error(), "failed to claim recipients")
}

func TestTruncateError(t *testing.T) {
	assert.Empty(t, TruncateError(nil))
	assert.Equal(t, "mailbox unavailable", TruncateError(errors.New("mailbox unavailable")))
	assert.Equal(t, "unknown delivery error", TruncateError(errors.New("")))

	long := strings.Repeat("x", ErrorMessageMaxLen+100)
	got := TruncateError(errors.New(long))
	assert.Len(t, got, ErrorMessageMaxLen)
}
