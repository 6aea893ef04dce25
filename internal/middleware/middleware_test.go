package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openguild/openguild/internal/auth"
)

func TestFixedWindowLimiter(t *testing.T) {
	l := NewFixedWindowLimiter("test", 3, time.Minute)
	start := time.Now()
	l.now = func() time.Time { return start }

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("k"))
		l.Commit("k")
	}
	assert.False(t, l.Allow("k"), "fourth request in the window is denied")
	assert.True(t, l.Allow("other"), "keys are independent")

	// First attempt at reset_at opens a fresh window.
	l.now = func() time.Time { return start.Add(time.Minute) }
	assert.True(t, l.Allow("k"))
}

func TestFixedWindowAllowDoesNotConsume(t *testing.T) {
	l := NewFixedWindowLimiter("test", 1, time.Minute)
	start := time.Now()
	l.now = func() time.Time { return start }

	assert.True(t, l.Allow("k"))
	assert.True(t, l.Allow("k"), "Allow alone must not consume budget")
	l.Commit("k")
	assert.False(t, l.Allow("k"))
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{"plain", "Bearer abc", "abc", true},
		{"lowercase", "bearer abc", "abc", true},
		{"mixed case", "BeArEr abc", "abc", true},
		{"padded", "  Bearer   abc  ", "abc", true},
		{"missing", "", "", false},
		{"wrong scheme", "Basic abc", "", false},
		{"prefix only", "Bearer ", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			got, ok := BearerToken(r)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

type staticVerifier struct {
	claims *auth.Claims
}

func (v staticVerifier) VerifyAccess(token string) (*auth.Claims, error) {
	if token == "good" {
		return v.claims, nil
	}
	return nil, auth.ErrInvalidToken
}

func TestRequireAuth(t *testing.T) {
	claims := &auth.Claims{}
	handler := RequireAuth(staticVerifier{claims})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Same(t, claims, ClaimsFromContext(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("valid token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer good")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})
	t.Run("bad token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer evil")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
	t.Run("no header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestRequestID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, RequestIDFromContext(r.Context()))
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
