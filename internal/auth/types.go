package auth

import "errors"

// Scopes granted to callers
const (
	ScopeEnrich       = "enrich:write"
	ScopeSessionsRead = "sessions:read"
	ScopeStreamRead   = "stream:read"
)

// DefaultScopes is what a token without an explicit scope claim carries
var DefaultScopes = []string{ScopeEnrich, ScopeSessionsRead, ScopeStreamRead}

var (
	// ErrInvalidToken covers every reason a token is rejected
	ErrInvalidToken = errors.New("invalid token")
	// ErrMissingToken is returned when no credential was presented
	ErrMissingToken = errors.New("missing bearer token")
)

// Principal is the authenticated caller attached to a request context
type Principal struct {
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes"`
}

// HasScope reports whether p was granted scope
func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
