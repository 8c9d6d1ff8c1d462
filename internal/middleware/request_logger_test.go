package middleware

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactSensitiveParams(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "terminal connect with token",
			input:    "/api/sessions/abc/terminal?token=eyJhbGciOiJIUzI1NiJ9.x.y",
			expected: "/api/sessions/abc/terminal?token=%5BREDACTED%5D",
		},
		{
			name:     "token among other params",
			input:    "/api/data?foo=bar&token=secret123&baz=qux",
			expected: "/api/data?baz=qux&foo=bar&token=%5BREDACTED%5D",
		},
		{
			name:     "no sensitive params",
			input:    "/api/sessions?status=running",
			expected: "/api/sessions?status=running",
		},
		{
			name:     "no query string",
			input:    "/api/sessions",
			expected: "/api/sessions",
		},
		{
			name:     "empty query string",
			input:    "/api/sessions?",
			expected: "/api/sessions",
		},
		{
			name:     "multiple sensitive params",
			input:    "/api/auth?token=abc&secret=def",
			expected: "/api/auth?secret=%5BREDACTED%5D&token=%5BREDACTED%5D",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, redactSensitiveParams(u))
		})
	}
}
