package payment

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusInitiated, true},
		{StatusPending, StatusCompleted, true},
		{StatusPending, StatusFailed, true},
		{StatusInitiated, StatusCompleted, true},
		{StatusInitiated, StatusFailed, true},
		{StatusInitiated, StatusPending, false},
		{StatusInitiated, StatusInitiated, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCompleted, StatusInitiated, false},
		{StatusFailed, StatusCompleted, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusInitiated.Terminal())
}

func TestIsTransient(t *testing.T) {
	err := fmt.Errorf("wrap: %w", &TransientError{Err: errors.New("boom")})
	assert.True(t, IsTransient(err))
	assert.False(t, IsTransient(ErrProviderRejected))
}
