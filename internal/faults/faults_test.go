package faults

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindSurvivesWrapping(t *testing.T) {
	// 1. Classify a low-level error.
	cause := fs.ErrNotExist
	err := E(MissingOutput, "collect roast artifacts", cause)

	// 2. Wrap it twice more, as call sites do.
	err = fmt.Errorf("session abc: %w", err)
	err = fmt.Errorf("simulate: %w", err)

	// 3. The kind and the original cause are both still visible.
	assert.Equal(t, MissingOutput, KindOf(err))
	assert.True(t, Is(err, MissingOutput))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestErrorMessage(t *testing.T) {
	err := E(Timeout, "roast run", errors.New("signal: killed"))
	require.EqualError(t, err, "roast run: timeout: signal: killed")

	bare := E(OOM, "inference", nil)
	require.EqualError(t, bare, "inference: oom")
}

func TestEf(t *testing.T) {
	err := Ef(InputInvalid, "validate recipe", "currents sum to %g, expected 0", 1.5)
	assert.Equal(t, InputInvalid, KindOf(err))
	assert.Contains(t, err.Error(), "currents sum to 1.5")
}
