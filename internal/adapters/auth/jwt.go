// Package auth verifies credentials issued by the marketplace auth service.
// A credential is an HS256 JWT whose subject is the identity id.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/marketchat/internal/domain"
)

// Claims is the token body shared with the issuing service.
type Claims struct {
	jwt.RegisteredClaims
	Name   string      `json:"name"`
	Avatar string      `json:"avatar,omitempty"`
	Role   domain.Role `json:"role"`
}

type JWTAuthenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTAuthenticator verifies tokens signed with secret. An empty issuer
// accepts any iss claim. now defaults to time.Now.
func NewJWTAuthenticator(secret, issuer string, now func() time.Time) *JWTAuthenticator {
	if now == nil {
		now = time.Now
	}
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer, now: now}
}

// Authenticate checks the credential and that it was issued for role.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, credential string, role domain.Role) (*domain.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.Errorf(domain.ErrAuthFailed, "authentication aborted: %v", err)
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, domain.Errorf(domain.ErrAuthFailed, "credential is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	if _, err := jwt.ParseWithClaims(credential, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...); err != nil {
		return nil, mapJWTError(err)
	}

	if claims.Role != role {
		return nil, domain.Errorf(domain.ErrAuthFailed, "credential not valid for role %s", role)
	}
	identity, err := domain.NewIdentity(claims.Subject, claims.Name, claims.Avatar, claims.Role)
	if err != nil {
		return nil, domain.Errorf(domain.ErrAuthFailed, "invalid identity claims: %v", err)
	}
	return identity, nil
}

// Issue signs a credential for identity. Used by tooling and tests; production
// credentials come from the auth service.
func (a *JWTAuthenticator) Issue(identity domain.Identity, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(identity.ID),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:   identity.Name,
		Avatar: identity.AvatarURL,
		Role:   identity.Role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return domain.Errorf(domain.ErrAuthFailed, "credential expired")
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return domain.Errorf(domain.ErrAuthFailed, "credential not active yet")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return domain.Errorf(domain.ErrAuthFailed, "credential issuer mismatch")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return domain.Errorf(domain.ErrAuthFailed, "credential signature invalid")
	default:
		return domain.Errorf(domain.ErrAuthFailed, "credential invalid")
	}
}
