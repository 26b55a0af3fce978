package errutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHelpersKeepCause(t *testing.T) {
	cause := errors.New("boom")

	err := Conflict("already there", cause)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "[conflict] already there: boom", err.Error())

	err = NotFound("missing", nil)
	require.Equal(t, "[not_found] missing", err.Error())
}

func TestToBaseError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		code   CoreStatus
		status int
	}{
		{"base", Forbidden("no", nil), StatusForbidden, http.StatusForbidden},
		{"wrapped", fmt.Errorf("outer: %w", TooManyRequest("slow down", nil)), StatusTooManyRequests, http.StatusTooManyRequests},
		{"canceled", context.Canceled, StatusClientClosedRequest, 499},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), StatusTimeout, http.StatusGatewayTimeout},
		{"plain", errors.New("db down"), StatusInternal, http.StatusInternalServerError},
		{"validation", ValidationFailed("bad", nil), StatusValidationFailed, http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			be := ToBaseError(tc.err)
			require.Equal(t, tc.code, be.Code)
			require.Equal(t, tc.status, be.Code.HTTPStatus())
		})
	}
}

func TestJSONShape(t *testing.T) {
	err := ValidationFailed("invalid", nil, WithDetails(Detail{Field: "max_apps", Message: "must be >= 1"}))
	body := ToBaseError(err).JSON().(map[string]interface{})

	inner := body["error"].(map[string]interface{})
	require.Equal(t, StatusValidationFailed, inner["code"])
	require.Equal(t, "invalid", inner["message"])
	require.Len(t, inner["details"], 1)
}
