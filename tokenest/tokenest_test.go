package tokenest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimator_Count(t *testing.T) {
	e := New("")
	n, err := e.Count("hello world")
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

func TestEstimator_LongerTextCountsMoreTokens(t *testing.T) {
	e := New("")
	short, err := e.Count("hello")
	require.NoError(t, err)
	long, err := e.Count(strings.Repeat("hello world ", 50))
	require.NoError(t, err)
	assert.Greater(t, long, short)
}

func TestEstimator_FitsBudget(t *testing.T) {
	e := New("")
	ok, n, err := e.FitsBudget("hello world", 1000)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Greater(t, n, 0)

	ok, _, err = e.FitsBudget(strings.Repeat("word ", 10000), 5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEstimator_DefaultsToCl100kBase(t *testing.T) {
	e := New("")
	assert.Equal(t, "cl100k_base", e.encoding)
}
