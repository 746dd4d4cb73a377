// Package authz implements the Sync Kernel's pluggable authentication and
// authorization boundary: the Adapter interface, a permissive default, and
// a JWT-backed adapter.
//
// Grounded on the teacher's internal/relay/jwt.go (ES256 JWT issue/parse
// via golang-jwt/jwt/v5), repurposed from wing-device identity claims to
// doc-sync client bearer tokens.
package authz

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Context carries everything an Adapter needs to decide authentication and
// authorization for one connection or message.
type Context struct {
	DocID    string
	ClientID string
	Token    string
	Meta     map[string]any
	UserID   string
	Role     string
}

// Action is the operation being authorized.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionAdmin Action = "admin"
)

// AuthResult is the outcome of Authenticate.
type AuthResult struct {
	Authenticated bool
	UserID        string
	Role          string
	Reason        string
}

// Adapter is the injected capability set gating connections and writes. Any
// panic recovered by the caller is treated as denial with a sanitized
// reason — implementations should return errors instead of panicking.
type Adapter interface {
	Authenticate(ctx context.Context, actx Context) (AuthResult, error)
	Authorize(ctx context.Context, actx Context, action Action) (bool, error)
}

// Permissive accepts every connection and grants the editor role. It is the
// default adapter when none is configured.
type Permissive struct{}

func (Permissive) Authenticate(ctx context.Context, actx Context) (AuthResult, error) {
	return AuthResult{Authenticated: true, UserID: actx.ClientID, Role: "editor"}, nil
}

func (Permissive) Authorize(ctx context.Context, actx Context, action Action) (bool, error) {
	return true, nil
}

// Claims is the JWT claim set a bearer token must carry.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// JWTAdapter authenticates clients by ES256 bearer token and authorizes
// writes by role: "viewer" may only read, "editor" and "admin" may write,
// only "admin" may perform admin actions.
type JWTAdapter struct {
	PublicKey *ecdsa.PublicKey
}

func NewJWTAdapter(pub *ecdsa.PublicKey) *JWTAdapter {
	return &JWTAdapter{PublicKey: pub}
}

func (a *JWTAdapter) Authenticate(ctx context.Context, actx Context) (AuthResult, error) {
	if actx.Token == "" {
		return AuthResult{Authenticated: false, Reason: "missing token"}, nil
	}
	token, err := jwt.ParseWithClaims(actx.Token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.PublicKey, nil
	})
	if err != nil {
		return AuthResult{Authenticated: false, Reason: "invalid token"}, nil
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return AuthResult{Authenticated: false, Reason: "invalid claims"}, nil
	}
	role := claims.Role
	if role == "" {
		role = "editor"
	}
	return AuthResult{Authenticated: true, UserID: claims.Subject, Role: role}, nil
}

func (a *JWTAdapter) Authorize(ctx context.Context, actx Context, action Action) (bool, error) {
	switch actx.Role {
	case "admin":
		return true, nil
	case "editor":
		return action == ActionRead || action == ActionWrite, nil
	case "viewer":
		return action == ActionRead, nil
	default:
		return false, nil
	}
}

// IssueToken creates an ES256 bearer token for userID with the given role,
// valid for the caller-supplied duration via exp already set on claims.
func IssueToken(key *ecdsa.PrivateKey, claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("authz: sign token: %w", err)
	}
	return signed, nil
}
