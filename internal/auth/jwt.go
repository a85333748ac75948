package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the bearer token payload. Email falls back to the subject.
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HMAC-signed bearer tokens.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewJWTAuthenticator returns an authenticator for tokens signed with secret.
// If issuer is non-empty, the "iss" claim must match it.
func NewJWTAuthenticator(secret, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer, leeway: 30 * time.Second}
}

// Authenticate implements Authenticator. It reads "Authorization: Bearer <token>".
func (j *JWTAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return Identity{}, ErrNoCredentials
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return Identity{}, fmt.Errorf("%w: malformed authorization header", ErrInvalidCredentials)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(j.leeway),
		jwt.WithExpirationRequired(),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	var claims Claims
	tok, err := jwt.ParseWithClaims(strings.TrimSpace(parts[1]), &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.secret, nil
	}, opts...)
	if err != nil || !tok.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	email := claims.Email
	if email == "" {
		email = claims.Subject
	}
	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return Identity{}, fmt.Errorf("%w: token has no email", ErrInvalidCredentials)
	}
	return Identity{Email: email, Name: claims.Name}, nil
}

// Issue signs a token for id valid for ttl. Used by tests and local tooling.
func (j *JWTAuthenticator) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: id.Email,
		Name:  id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Email,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}
