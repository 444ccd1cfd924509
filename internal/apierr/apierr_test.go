package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIs_MatchesKind(t *testing.T) {
	err := fmt.Errorf("resolve: %w", InvalidParameters("missing %q", "path"))
	assert.ErrorIs(t, err, ErrInvalidParameters)
	assert.NotErrorIs(t, err, ErrInvalidPath)

	// A coded target narrows the match.
	assert.ErrorIs(t, Metadata(404, "gone"), &Error{Kind: KindMetadata, Code: 404})
	assert.NotErrorIs(t, Metadata(500, "boom"), &Error{Kind: KindMetadata, Code: 404})
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{InvalidParameters("x"), http.StatusBadRequest},
		{InvalidParametersCode(http.StatusLengthRequired, "x"), http.StatusLengthRequired},
		{InvalidPath("x"), http.StatusBadRequest},
		{InsufficientQuota("x"), http.StatusRequestEntityTooLarge},
		{Metadata(0, "x"), http.StatusInternalServerError},
		{NotFound("x"), http.StatusNotFound},
		{Conflict("x"), http.StatusConflict},
		{Unauthorized(0, "x"), http.StatusUnauthorized},
		{Unauthorized(http.StatusForbidden, "x"), http.StatusForbidden},
		{Provider("azure", errors.New("reset")), http.StatusBadGateway},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusOf(tc.err), tc.err.Error())
	}
}

func TestKindOf_AndUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Provider("s3compat", cause)
	assert.Equal(t, KindProvider, KindOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "s3compat: connection reset", err.Error())

	assert.Equal(t, KindConflict, KindOf(fmt.Errorf("copy: %w", Conflict("exists"))))
	assert.Equal(t, KindProvider, KindOf(errors.New("plain")))
}
