package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ContextKey is the key type for context values
type ContextKey string

const (
	// PrincipalContextKey is the context key for the authenticated caller
	PrincipalContextKey ContextKey = "principal"
)

// Middleware authenticates HTTP requests with bearer JWTs
type Middleware struct {
	jwt      *JWTManager
	skipAuth bool
	logger   *zap.Logger
}

// NewMiddleware creates a new authentication middleware. With skipAuth every
// request runs as a local development principal.
func NewMiddleware(jwtManager *JWTManager, skipAuth bool, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{jwt: jwtManager, skipAuth: skipAuth, logger: logger}
}

// Require wraps next, admitting only callers holding scope
func (m *Middleware) Require(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipAuth {
			ctx := WithPrincipal(r.Context(), &Principal{Subject: "dev", Scopes: DefaultScopes})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		token, err := tokenFrom(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		p, err := m.jwt.Validate(token)
		if err != nil {
			m.logger.Debug("Rejected token", zap.String("path", r.URL.Path), zap.Error(err))
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if !p.HasScope(scope) {
			writeError(w, http.StatusForbidden, "missing required scope: "+scope)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// tokenFrom reads the Authorization header. Stream endpoints also accept
// ?access_token= because EventSource cannot send custom headers.
func tokenFrom(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		return ExtractBearerToken(h)
	}
	if strings.Contains(r.URL.Path, "/stream/") {
		if q := r.URL.Query().Get("access_token"); q != "" {
			return q, nil
		}
	}
	return "", ErrMissingToken
}

// WithPrincipal attaches p to ctx
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}

// FromContext returns the principal attached by the middleware
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(PrincipalContextKey).(*Principal)
	return p, ok && p != nil
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "status": "failed"})
}
