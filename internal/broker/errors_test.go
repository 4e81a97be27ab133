package broker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	assert.Equal(t, KindValidation, KindOf(NewError(KindValidation, "submit_entry", base)))
	assert.Equal(t, KindNotFound, KindOf(fmt.Errorf("wrapped: %w", NewError(KindNotFound, "cancel", base))))
	assert.Equal(t, KindTransport, KindOf(base), "unclassified errors default to transport")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewError(KindTransport, "op", nil)))
	assert.True(t, IsRetryable(NewError(KindStaleData, "op", nil)))
	assert.False(t, IsRetryable(NewError(KindValidation, "op", nil)))
	assert.False(t, IsRetryable(NewError(KindNotFound, "op", nil)))
	assert.False(t, IsRetryable(NewError(KindNotSupported, "op", nil)))
}

func TestErrorFormatting(t *testing.T) {
	err := NewError(KindValidation, "submit_entry", errors.New("qty too small"))
	assert.Contains(t, err.Error(), "submit_entry")
	assert.Contains(t, err.Error(), "validation")
	assert.Contains(t, err.Error(), "qty too small")

	var be *Error
	assert.True(t, errors.As(fmt.Errorf("outer: %w", err), &be))
}
