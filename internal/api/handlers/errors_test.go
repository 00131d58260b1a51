package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/acme/outbound-orchestrator/pkg/errors"
)

func TestTranslateError(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{apperrors.ErrValidation, http.StatusBadRequest},
		{apperrors.ErrNotFound, http.StatusNotFound},
		{apperrors.ErrConflict, http.StatusConflict},
		{apperrors.ErrInvariant, http.StatusConflict},
		{apperrors.ErrUnauthorized, http.StatusUnauthorized},
		{apperrors.ErrForbidden, http.StatusForbidden},
		{apperrors.ErrQuotaExceeded, http.StatusTooManyRequests},
		{apperrors.ErrUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("campaign service: pause: %w", tc.err)
		var fe *fiber.Error
		require.True(t, errors.As(translateError(wrapped), &fe), tc.err.Error())
		assert.Equal(t, tc.code, fe.Code, tc.err.Error())
	}

	plain := errors.New("boom")
	assert.Same(t, plain, translateError(plain))
	assert.NoError(t, translateError(nil))
}
