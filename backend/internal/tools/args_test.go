package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionalLimit(t *testing.T) {
	cases := []struct {
		in   any
		want int
	}{
		{nil, 10},
		{0, 10},
		{5, 5},
		{float64(20), 20},
		{200, 20},
		{"1000", 20},
	}
	for _, c := range cases {
		args := map[string]any{}
		if c.in != nil {
			args["limit"] = c.in
		}
		n, err := optionalLimit(args, "limit", 10, 20)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, n, c.in)
	}

	_, err := optionalLimit(map[string]any{"limit": -1}, "limit", 10, 20)
	assert.Error(t, err)
	_, err = optionalLimit(map[string]any{"limit": 2.5}, "limit", 10, 20)
	assert.Error(t, err)
	_, err = optionalLimit(map[string]any{"limit": "many"}, "limit", 10, 20)
	assert.Error(t, err)
}

func TestNonNegativeIntKeepsAgeRange(t *testing.T) {
	n, err := nonNegativeInt(map[string]any{"age": "42"}, "age")
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	_, err = nonNegativeInt(map[string]any{"age": 200}, "age")
	assert.EqualError(t, err, "age must be between 0 and 150")
}
