// Package auth defines the narrow boundary between the orchestrator's HTTP
// surface and whatever account/workspace system owns real principals. User
// accounts and API-key storage are an out-of-core collaborator; the core
// only needs to answer "who is this request from" and "does this session
// belong to them".
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator resolves an inbound request to a principal (a user id).
// Implementations are pluggable: the core ships a static bearer-token table
// for tests and single-operator deployments plus a JWT-based one, since the
// teacher already depends on golang-jwt/jwt/v5 for its own session auth.
type Authenticator interface {
	Authenticate(r *http.Request) (principal string, ok bool)
}

// StaticTokenAuthenticator authenticates against a fixed table of
// SHA-256(token) -> user id pairs, checked against the X-Api-Key header or
// a "Bearer <token>" Authorization header. Key material is never compared
// in non-constant time.
type StaticTokenAuthenticator struct {
	hashedTokens map[string]string // sha256 hex -> user id
}

// NewStaticTokenAuthenticator builds an authenticator from plaintext tokens
// supplied by the operator; tokens are hashed once at construction and the
// plaintext is discarded, so even the in-process table never holds a
// recoverable token.
func NewStaticTokenAuthenticator(tokens map[string]string) *StaticTokenAuthenticator {
	hashed := make(map[string]string, len(tokens))
	for token, userID := range tokens {
		hashed[hashToken(token)] = userID
	}
	return &StaticTokenAuthenticator{hashedTokens: hashed}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Authenticate implements Authenticator.
func (a *StaticTokenAuthenticator) Authenticate(r *http.Request) (string, bool) {
	token := extractToken(r)
	if token == "" {
		return "", false
	}
	hashed := hashToken(token)
	for candidate, userID := range a.hashedTokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(hashed)) == 1 {
			return userID, true
		}
	}
	return "", false
}

// JWTAuthenticator authenticates bearer JWTs signed with a shared secret,
// treating the standard "sub" claim as the principal.
type JWTAuthenticator struct {
	secret []byte
	method jwt.SigningMethod
}

// NewJWTAuthenticator builds a JWT authenticator over secret using HS256,
// the symmetric scheme appropriate for a single-issuer deployment.
func NewJWTAuthenticator(secret []byte) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret, method: jwt.SigningMethodHS256}
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (string, bool) {
	token := extractToken(r)
	if token == "" {
		return "", false
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method != a.method {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", false
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", false
	}
	return sub, true
}

// extractToken pulls bearer material from the X-Api-Key header first, then
// falls back to a standard "Authorization: Bearer <token>" header; the
// session-cookie half of authentication is the account system's concern,
// not the core's.
func extractToken(r *http.Request) string {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return key
	}
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	return ""
}

// NoopAuthenticator authenticates every request as userID, for local
// development or single-tenant deployments that front the orchestrator with
// their own edge authentication.
type NoopAuthenticator struct {
	UserID string
}

// Authenticate implements Authenticator.
func (a NoopAuthenticator) Authenticate(r *http.Request) (string, bool) {
	return a.UserID, true
}
