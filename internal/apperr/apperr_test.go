package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := New(Validation, "query too long: %d chars", 5000)
	assert.Equal(t, Validation, KindOf(err))
	assert.Contains(t, err.Error(), "5000")

	wrapped := fmt.Errorf("handling request: %w", err)
	assert.Equal(t, Validation, KindOf(wrapped))

	assert.Equal(t, Cancelled, KindOf(context.Canceled))
	assert.Equal(t, Resource, KindOf(context.DeadlineExceeded))
	assert.Equal(t, Internal, KindOf(errors.New("plain")))
}

func TestWrapNil(t *testing.T) {
	// Wrap(nil) must not produce a typed non-nil error.
	assert.NoError(t, Wrap(UpstreamTransient, nil, "call provider"))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(UpstreamTransient, cause, "embed batch")
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, UpstreamTransient, KindOf(err))
	assert.True(t, Is(err, UpstreamTransient))
	assert.False(t, Is(err, Validation))
}
