package ident

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionID(t *testing.T) {
	a := NewSessionID()
	b := NewSessionID()

	require.NotEqual(t, a, b)
	_, err := uuid.Parse(a)
	assert.NoError(t, err)
}

func TestMockClockAdvances(t *testing.T) {
	clk := MockClock()
	start := clk.Now()

	clk.Add(90 * time.Second)
	assert.Equal(t, 90*time.Second, clk.Now().Sub(start))
}
