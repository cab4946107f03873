package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoreErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("gate: %w", NewStoreError("get subscription", context.DeadlineExceeded))

	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "store get subscription")
}

func TestExternalServiceError(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewExternalServiceError("stripe", "api_connection_error", "retrieve subscription", 0, cause)

	assert.ErrorIs(t, err, ErrExternalServiceUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "stripe service error [api_connection_error]: retrieve subscription: connection reset", err.Error())
}

func TestReconcileError(t *testing.T) {
	err := NewReconcileError("u1", "sync", ErrStoreUnavailable)

	var re *ReconcileError
	assert.ErrorAs(t, err, &re)
	assert.Equal(t, "u1", re.UserID)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}
