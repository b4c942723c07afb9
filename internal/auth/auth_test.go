package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestIssueAndValidate(t *testing.T) {
	m := NewJWTManager("secret", time.Minute)
	tok, err := m.Issue("alice", ScopeEnrich)
	require.NoError(t, err)

	p, err := m.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Subject)
	assert.True(t, p.HasScope(ScopeEnrich))
	assert.False(t, p.HasScope(ScopeSessionsRead))
}

func TestValidateRejects(t *testing.T) {
	m := NewJWTManager("secret", time.Minute)

	other, err := NewJWTManager("other", time.Minute).Issue("alice")
	require.NoError(t, err)
	_, err = m.Validate(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := NewJWTManager("secret", time.Nanosecond).Issue("alice")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = m.Validate(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "alice", "iss": "hypercog"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = m.Validate(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExtractBearerToken(t *testing.T) {
	tok, err := ExtractBearerToken("Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = ExtractBearerToken("Basic abc")
	assert.Error(t, err)
	_, err = ExtractBearerToken("Bearer   ")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestMiddleware(t *testing.T) {
	m := NewJWTManager("secret", time.Minute)
	mw := NewMiddleware(m, false, zaptest.NewLogger(t))
	var seen *Principal
	h := mw.Require(ScopeEnrich, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	good, _ := m.Issue("alice")
	readOnly, _ := m.Issue("bob", ScopeSessionsRead)

	cases := []struct {
		name   string
		path   string
		header string
		code   int
	}{
		{"missing", "/v1/enrich", "", http.StatusUnauthorized},
		{"garbage", "/v1/enrich", "Bearer nope", http.StatusUnauthorized},
		{"wrong scope", "/v1/enrich", "Bearer " + readOnly, http.StatusForbidden},
		{"ok", "/v1/enrich", "Bearer " + good, http.StatusNoContent},
		{"query token on stream", "/v1/stream/sse?access_token=" + good, "", http.StatusNoContent},
		{"query token elsewhere", "/v1/enrich?access_token=" + good, "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.code, rec.Code)
			if tc.code == http.StatusUnauthorized {
				assert.Contains(t, rec.Body.String(), `"status":"failed"`)
			}
		})
	}
	require.NotNil(t, seen)
	assert.Equal(t, "alice", seen.Subject)
}

func TestMiddlewareSkipAuth(t *testing.T) {
	mw := NewMiddleware(nil, true, nil)
	rec := httptest.NewRecorder()
	mw.Require(ScopeEnrich, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := FromContext(r.Context())
		require.True(t, ok)
		assert.Equal(t, "dev", p.Subject)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/enrich", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
