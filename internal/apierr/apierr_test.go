package apierr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/broadcastd/internal/apierr"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("boom")

	cases := []struct {
		name string
		err  error
		want apierr.Kind
	}{
		{"retryable", apierr.Retryable("db unavailable", cause), apierr.KindRetryable},
		{"validation", apierr.Validation("bad target type", nil), apierr.KindValidation},
		{"not_found", apierr.NotFound("connection closed", nil), apierr.KindNotFound},
		{"external_unavailable", apierr.ExternalUnavailable("directory down", cause), apierr.KindExternalUnavailable},
		{"fatal", apierr.Fatal("invariant violated", nil), apierr.KindFatal},
		{"plain error defaults to fatal", cause, apierr.KindFatal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, apierr.KindOf(tc.err))
		})
	}
}

func TestRetry(t *testing.T) {
	assert.True(t, apierr.Retry(apierr.Retryable("x", nil)))
	assert.False(t, apierr.Retry(apierr.Fatal("x", nil)))
	assert.False(t, apierr.Retry(errors.New("unclassified")))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := apierr.ExternalUnavailable("directory query failed", cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, "directory query failed: root cause", err.Error())

	bare := apierr.NotFound("connection gone", nil)
	assert.Equal(t, "connection gone", bare.Error())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "retryable", apierr.KindRetryable.String())
	assert.Equal(t, "validation", apierr.KindValidation.String())
	assert.Equal(t, "not_found", apierr.KindNotFound.String())
	assert.Equal(t, "external_unavailable", apierr.KindExternalUnavailable.String())
	assert.Equal(t, "fatal", apierr.KindFatal.String())
	assert.Equal(t, "unknown", apierr.Kind(99).String())
}
