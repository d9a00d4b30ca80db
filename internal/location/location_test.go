package location

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRejectsNestedValues(t *testing.T) {
	require.NoError(t, Validate(map[string]any{"page": "docs", "n": 3, "ok": true, "f": 1.5}))
	assert.Error(t, Validate(map[string]any{"nested": map[string]any{"a": 1}}))
	assert.Error(t, Validate(map[string]any{"list": []any{"a"}}))
	assert.Error(t, Validate(map[string]any{"nil": nil}))
}

func TestContainsComparesNumbersAcrossKinds(t *testing.T) {
	loc := Location{"page": "docs", "section": float64(2)}
	assert.True(t, loc.Contains(map[string]any{"section": 2}))
	assert.True(t, loc.Contains(nil))
	assert.False(t, loc.Contains(map[string]any{"page": "home"}))
	assert.False(t, loc.Contains(map[string]any{"missing": true}))
}

func TestKeyIsOrderIndependent(t *testing.T) {
	a := Location{"b": 1, "a": "x"}
	b := Location{"a": "x", "b": float64(1)}
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, a.Hash(), b.Hash())
	assert.True(t, a.Equal(b))

	parsed, err := Parse(a.Key())
	require.NoError(t, err)
	assert.True(t, parsed.Equal(a))
}
