package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	notFound := New(NotFound, "ticket not found")

	assert.Equal(t, NotFound, CodeOf(notFound))
	assert.Equal(t, NotFound, CodeOf(fmt.Errorf("load: %w", notFound)))
	assert.Equal(t, Internal, CodeOf(errors.New("connection reset")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestMessageOfHidesUnexpectedErrors(t *testing.T) {
	assert.Equal(t, "queue is full", MessageOf(New(ResourceExhausted, "queue is full")))
	assert.Equal(t, "internal server error", MessageOf(errors.New("pq: deadlock detected")))
}

func TestWrappedSentinelKeepsIdentity(t *testing.T) {
	sentinel := New(FailedPrecondition, "invalid ticket state")
	wrapped := fmt.Errorf("complete ticket: %w", sentinel)
	assert.True(t, errors.Is(wrapped, sentinel))
}
