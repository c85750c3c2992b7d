// Package auth implements spec.md §9's re-architected auth hook:
// closures replaced by an Authorizer interface returning a typed
// Decision, with a default JWT-backed implementation. The teacher has
// no auth layer of its own; this package's shape follows the
// claims-parsing idiom golang-jwt/jwt/v5 documents, which SPEC_FULL.md
// adopts as the default credential scheme.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Decision is the re-architected sum type from spec.md §9:
// Allow{principal?} | Deny{status, message}. Allowed distinguishes the
// two cases; the other fields are meaningful only for the matching case.
type Decision struct {
	Allowed   bool
	Principal string

	Status  int
	Message string
}

// Allow reports a successful authorization, optionally naming the
// principal (subject) the credential resolved to.
func Allow(principal string) Decision {
	return Decision{Allowed: true, Principal: principal}
}

// Deny reports a failed authorization with the HTTP status and message
// the edge router should respond with.
func Deny(status int, message string) Decision {
	return Decision{Allowed: false, Status: status, Message: message}
}

// Request describes the call being authorized — enough context for a
// hook to check project/stream scoping without reaching into HTTP types.
type Request struct {
	ProjectID string
	StreamID  string
	Token     string // bearer token, "Bearer " prefix already stripped

	// StreamPublic is only meaningful for AuthorizeRead: per spec.md
	// §4.7, a public stream's reads skip auth entirely.
	StreamPublic bool
}

// Authorizer is the pluggable auth hook.
type Authorizer interface {
	AuthorizeRead(ctx context.Context, req Request) Decision
	AuthorizeMutation(ctx context.Context, req Request) Decision
}

// Scope names what a token's claims permit.
type Scope string

const (
	ScopeRead  Scope = "read"
	ScopeWrite Scope = "write" // write implies read
)

// Claims is the default JWT shape: registered claims plus project/stream
// scoping and a permission scope.
type Claims struct {
	jwt.RegisteredClaims
	ProjectID string `json:"pid,omitempty"`
	StreamID  string `json:"sid,omitempty"` // empty means every stream in ProjectID
	Scope     Scope  `json:"scope,omitempty"`
}

// SecretsLookup resolves a project to its valid signing secrets (plural,
// to support rotation without a flag day).
type SecretsLookup func(projectID string) ([]string, error)

// JWTAuthorizer is the default Authorizer: validates a bearer token as
// a JWT signed by one of the project's configured secrets, and checks
// the claims scope the request to this project/stream with sufficient
// permission.
type JWTAuthorizer struct {
	secrets SecretsLookup
}

// NewJWTAuthorizer builds a JWTAuthorizer backed by secrets.
func NewJWTAuthorizer(secrets SecretsLookup) *JWTAuthorizer {
	return &JWTAuthorizer{secrets: secrets}
}

var _ Authorizer = (*JWTAuthorizer)(nil)

// AuthorizeRead implements Authorizer: public streams skip auth
// entirely; otherwise any valid token scoped to this project/stream
// (read or write) is sufficient.
func (a *JWTAuthorizer) AuthorizeRead(ctx context.Context, req Request) Decision {
	if req.StreamPublic {
		return Allow("")
	}
	return a.authorize(req, ScopeRead)
}

// AuthorizeMutation implements Authorizer: mutations always require a
// valid token with write scope, public stream or not.
func (a *JWTAuthorizer) AuthorizeMutation(ctx context.Context, req Request) Decision {
	return a.authorize(req, ScopeWrite)
}

func (a *JWTAuthorizer) authorize(req Request, need Scope) Decision {
	if req.Token == "" {
		return Deny(401, "missing bearer token")
	}

	secrets, err := a.secrets(req.ProjectID)
	if err != nil || len(secrets) == 0 {
		return Deny(403, "no signing secret configured for project")
	}

	claims, err := verify(req.Token, secrets)
	if err != nil {
		return Deny(401, fmt.Sprintf("invalid token: %v", err))
	}

	if claims.ProjectID != "" && claims.ProjectID != req.ProjectID {
		return Deny(403, "token not scoped to this project")
	}
	if claims.StreamID != "" && claims.StreamID != req.StreamID {
		return Deny(403, "token not scoped to this stream")
	}
	if !scopeSatisfies(claims.Scope, need) {
		return Deny(403, "token lacks required scope")
	}

	return Allow(claims.Subject)
}

func scopeSatisfies(have, need Scope) bool {
	if have == ScopeWrite {
		return true // write implies read
	}
	return have == need
}

var errNoMatchingSecret = errors.New("auth: token not valid under any configured secret")

// verify tries each candidate secret in turn (supports rotation: a
// freshly-issued token signed with the new secret and an older token
// signed with the previous one both still validate during the overlap
// window).
func verify(token string, secrets []string) (*Claims, error) {
	var lastErr error = errNoMatchingSecret
	for _, secret := range secrets {
		claims := &Claims{}
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Method)
			}
			return []byte(secret), nil
		})
		if err == nil {
			return claims, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// BearerToken strips the "Bearer " prefix from an Authorization header
// value, returning "" if the header is absent or not a bearer token.
func BearerToken(authorizationHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authorizationHeader, prefix) {
		return ""
	}
	return strings.TrimPrefix(authorizationHeader, prefix)
}
