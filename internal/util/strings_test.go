package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{name: "shorter", input: "short", maxLen: 10, want: "short"},
		{name: "equal", input: "exactly10c", maxLen: 10, want: "exactly10c"},
		{name: "longer", input: "this-is-a-very-long-token-string", maxLen: 8, want: "this-is-"},
		{name: "zero", input: "test", maxLen: 0, want: ""},
		{name: "negative", input: "test", maxLen: -1, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SafeTruncate(tt.input, tt.maxLen))
		})
	}
}

func TestParseScopes(t *testing.T) {
	assert.Equal(t, []string{"openid", "email", "profile"}, ParseScopes("  openid email  openid profile "))
	assert.Empty(t, ParseScopes(""))
	assert.Equal(t, "openid email", JoinScopes([]string{"openid", "email"}))
}

func TestScopeSets(t *testing.T) {
	assert.True(t, IsSubset([]string{"openid"}, []string{"openid", "email"}))
	assert.True(t, IsSubset(nil, []string{"openid"}))
	assert.False(t, IsSubset([]string{"openid", "admin"}, []string{"openid", "email"}))
	assert.Equal(t, []string{"email"}, Intersect([]string{"admin", "email"}, []string{"openid", "email"}))
}
