package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Scopes granted to API tokens. ScopeAll matches every scope.
const (
	ScopeAll            = "*"
	ScopeRegionsRead    = "regions:ro"
	ScopeApprovalsRead  = "approvals:ro"
	ScopeApprovalsWrite = "approvals:rw"
)

// Error codes returned by the authentication layer.
const (
	ErrCodeUnauthenticated = "UNAUTHENTICATED"
	ErrCodeForbidden       = "FORBIDDEN"
)

// TokenConfig binds a bearer token to the actor it acts as.
// A token with no scopes is granted ScopeAll.
type TokenConfig struct {
	Actor  string
	Token  string
	Scopes []string
}

// Principal is the authenticated caller of a request.
type Principal struct {
	Actor  string
	Scopes map[string]struct{}
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal set by the auth middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractBearerToken returns the token of an "Authorization: Bearer" header.
func ExtractBearerToken(r *http.Request) (string, error) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return "", errors.New("missing Authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", errors.New("invalid Authorization header format")
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	if token == "" {
		return "", errors.New("missing API token")
	}
	return token, nil
}

// Authenticate matches presented against tokens in constant time.
func Authenticate(presented string, tokens []TokenConfig) (Principal, bool) {
	var (
		found Principal
		ok    bool
	)
	// Every token is compared so that timing does not reveal the position of a match.
	for _, t := range tokens {
		if t.Token == "" || t.Actor == "" {
			continue
		}
		if constantTimeEqual(presented, t.Token) && !ok {
			found = Principal{Actor: t.Actor, Scopes: scopeSet(t.Scopes)}
			ok = true
		}
	}
	return found, ok
}

// HasAnyScope reports whether p holds one of required.
// approvals:rw implies approvals:ro.
func HasAnyScope(p Principal, required ...string) bool {
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
		if s == ScopeApprovalsRead {
			if _, ok := p.Scopes[ScopeApprovalsWrite]; ok {
				return true
			}
		}
	}
	return false
}

func scopeSet(scopes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s != "" {
			set[s] = struct{}{}
		}
	}
	if len(set) == 0 {
		set[ScopeAll] = struct{}{}
	}
	return set
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// authMiddleware rejects requests without a known bearer token.
// With no tokens configured every request is rejected.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.config.Tokens) == 0 {
			s.writeError(w, http.StatusUnauthorized, ErrCodeUnauthenticated, "API authentication is not configured")
			return
		}

		token, err := ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, ErrCodeUnauthenticated, err.Error())
			return
		}

		principal, ok := Authenticate(token, s.config.Tokens)
		if !ok {
			s.logger.Warn().
				Str("path", r.URL.Path).
				Str("remote", r.RemoteAddr).
				Msg("Rejected request with unknown API token")
			s.writeError(w, http.StatusUnauthorized, ErrCodeUnauthenticated, "invalid API token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// requireScopes rejects principals holding none of scopes.
func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				s.writeError(w, http.StatusUnauthorized, ErrCodeUnauthenticated, "unauthenticated")
				return
			}
			if !HasAnyScope(p, scopes...) {
				s.writeError(w, http.StatusForbidden, ErrCodeForbidden, "token lacks scope "+strings.Join(scopes, " or "))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
