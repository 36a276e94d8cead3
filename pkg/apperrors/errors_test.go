package apperrors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategories(t *testing.T) {
	tests := []struct {
		err      error
		category error
	}{
		{ErrCyclicSection, ErrValidation},
		{ErrDuplicatePositionNumber, ErrValidation},
		{ErrRateNotFound, ErrReference},
		{ErrCrossTenantReference, ErrReference},
		{ErrMissingMandatoryCoefficient, ErrReference},
		{ErrRecalculationInProgress, ErrConcurrency},
		{ErrRollupMismatch, ErrIntegrity},
		{ErrRecalculationTimeout, ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			wrapped := fmt.Errorf("loading estimate: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.err)
			assert.ErrorIs(t, wrapped, tt.category)
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("x: %w", ErrRecalculationInProgress)))
	assert.True(t, IsRetryable(ErrRecalculationTimeout))
	assert.False(t, IsRetryable(ErrCyclicSection))
	assert.False(t, IsRetryable(nil))
}
