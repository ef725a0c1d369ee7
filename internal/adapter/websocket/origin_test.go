package websocket

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCheckOrigin(t *testing.T) {
	allowed := []string{"http://localhost:3000", " https://Dash.Example.com "}

	tests := []struct {
		name          string
		origin        string
		isDevelopment bool
		want          bool
	}{
		{"empty origin", "", false, true},
		{"allowed dashboard", "http://localhost:3000", false, true},
		{"allowed is case insensitive", "https://dash.example.com", false, true},
		{"allowed with path", "https://dash.example.com/monitor", false, true},

		{"different host", "https://evil.com", false, false},
		{"different port", "http://localhost:3001", false, false},
		{"http instead of https", "http://dash.example.com", false, false},
		{"subdomain", "https://sub.dash.example.com", false, false},
		{"garbage", "::not a url", false, false},

		{"other localhost port in dev", "http://localhost:5173", true, true},
		{"loopback ip in dev", "http://127.0.0.1:8080", true, true},
		{"other localhost port in prod", "http://localhost:5173", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := NewCheckOrigin(allowed, tt.isDevelopment)

			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}

			assert.Equal(t, tt.want, check(req))
		})
	}
}

func TestNewCheckOrigin_Wildcard(t *testing.T) {
	check := NewCheckOrigin([]string{"*"}, false)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://anything.example.org")

	assert.True(t, check(req))
}
