package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func originRequest(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/ws", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestCheckOrigin(t *testing.T) {
	t.Run("wildcard anywhere in the list disables the gate", func(t *testing.T) {
		h := NewWebSocketHandler(nil, []string{"https://app.bifrost.dev", "*"})
		assert.True(t, h.checkOrigin(originRequest("https://evil.example.com")))
	})

	t.Run("empty list allows everything", func(t *testing.T) {
		h := NewWebSocketHandler(nil, nil)
		assert.True(t, h.checkOrigin(originRequest("https://evil.example.com")))
	})

	t.Run("missing header passes as same-origin", func(t *testing.T) {
		h := NewWebSocketHandler(nil, []string{"https://app.bifrost.dev"})
		assert.True(t, h.checkOrigin(originRequest("")))
	})

	t.Run("unparseable origin is refused", func(t *testing.T) {
		h := NewWebSocketHandler(nil, []string{"https://app.bifrost.dev"})
		assert.False(t, h.checkOrigin(originRequest("://missing-scheme")))
	})

	h := NewWebSocketHandler(nil, []string{
		"https://app.bifrost.dev",
		"ops.bifrost.dev",
		"*.preview.bifrost.dev",
	})

	cases := []struct {
		name    string
		origin  string
		allowed bool
	}{
		{"exact URL entry", "https://app.bifrost.dev", true},
		{"bare host entry", "http://ops.bifrost.dev", true},
		{"subdomain under wildcard entry", "https://pr-42.preview.bifrost.dev", true},
		{"wildcard root domain itself", "https://preview.bifrost.dev", true},
		{"suffix lookalike", "https://evil-preview.bifrost.dev", false},
		{"unlisted origin", "https://evil.example.com", false},
		{"URL entry pins the scheme", "http://app.bifrost.dev", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.allowed, h.checkOrigin(originRequest(tc.origin)))
		})
	}
}
