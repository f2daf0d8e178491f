package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_Sorting(t *testing.T) {
	b, err := JCS(map[string]any{"c": 3, "a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{"y": "foo", "x": "bar"},
		"a": 1,
	}
	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	b, err := JCS(map[string]string{"html": "<a>&"})
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<a>&"}`, string(b))
}

func TestJCS_StructTags(t *testing.T) {
	type envelope struct {
		Zeta  string `json:"zeta"`
		Alpha int    `json:"alpha"`
	}
	b, err := JCS(envelope{Zeta: "z", Alpha: 7})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":7,"zeta":"z"}`, string(b))
}

func TestCanonicalHash_StableAcrossKeyOrder(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"a": 1, "b": []string{"x", "y"}})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]any{"b": []string{"x", "y"}, "a": 1})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, h1)
}

func TestCanonicalHash_OrderOfArraysMatters(t *testing.T) {
	h1, err := CanonicalHash([]string{"a", "b"})
	require.NoError(t, err)
	h2, err := CanonicalHash([]string{"b", "a"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
