// Package auth identifies the caller of a request and resolves the caller's
// marketplace role. It owns no HTTP routing; middleware wires an
// Authenticator and a RoleResolver into the request pipeline and hands the
// resulting Actor to handlers, which pass it explicitly to services.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/tbourn/go-tuition-backend/internal/domain"
)

var (
	// ErrNoCredentials means the request carried no identity at all.
	ErrNoCredentials = errors.New("auth: no credentials")
	// ErrInvalidCredentials means an identity was presented but rejected.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// Identity is what the authentication provider vouches for.
type Identity struct {
	Email string
	Name  string
}

// Actor is the authenticated caller of an operation. An empty Role means the
// identity is valid but has not registered yet.
type Actor struct {
	Email string
	Name  string
	Role  domain.Role
}

// IsAdmin reports whether the actor has the admin role.
func (a Actor) IsAdmin() bool { return a.Role == domain.RoleAdmin }

// Is reports whether the actor holds role r.
func (a Actor) Is(r domain.Role) bool { return a.Role == r }

// Registered reports whether the actor has a role.
func (a Actor) Registered() bool { return a.Role.Valid() }

// Authenticator extracts an Identity from an inbound request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// RoleResolver maps an Identity to an Actor.
type RoleResolver interface {
	Resolve(ctx context.Context, id Identity) (Actor, error)
}

// NormalizeEmail lowercases and trims an email so lookups are stable.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// HeaderAuthenticator trusts X-User-Email / X-User-Name set by an upstream
// gateway. Suitable for local development and tests only.
type HeaderAuthenticator struct{}

// Authenticate implements Authenticator.
func (HeaderAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	email := NormalizeEmail(r.Header.Get("X-User-Email"))
	if email == "" {
		return Identity{}, ErrNoCredentials
	}
	if !strings.Contains(email, "@") {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{Email: email, Name: strings.TrimSpace(r.Header.Get("X-User-Name"))}, nil
}
