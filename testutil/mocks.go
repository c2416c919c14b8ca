package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockOsuServer creates a test server that mocks osu! API v2 responses.
type MockOsuServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockOsuServer creates a new mock osu! API server.
func NewMockOsuServer(t *testing.T) *MockOsuServer {
	t.Helper()
	m := &MockOsuServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockTokenResponse adds a handler for the client-credentials token endpoint.
func (m *MockOsuServer) MockTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "Bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockUserResponse adds a handler for /api/v2/users/{id}.
func (m *MockOsuServer) MockUserResponse(id int64, username, countryCode string, previousUsernames []string) {
	if previousUsernames == nil {
		previousUsernames = []string{}
	}
	m.Handlers[fmt.Sprintf("/api/v2/users/%d", id)] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"id":                 id,
			"username":           username,
			"country_code":       countryCode,
			"previous_usernames": previousUsernames,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}
