// Package security decodes the bearer tokens issued by the Ultra BMS auth service
// and computes their expiry. Decoding is pure: no I/O, no clock reads.
package security

import (
	"crypto"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSkew is how much earlier than its nominal expiry a token is treated as expired.
const DefaultSkew = 5 * time.Second

var (
	// ErrInvalidToken is matched by every DecodeError.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when a well-formed token is already past expiry (including skew).
	ErrExpiredToken = errors.New("token expired")
)

// DecodeError reports a token that cannot be turned into Claims.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return "decode token: " + e.Reason + ": " + e.Err.Error()
	}
	return "decode token: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrInvalidToken) hold for any DecodeError.
func (e *DecodeError) Is(target error) bool { return target == ErrInvalidToken }

// bearerClaims is the JWT payload issued by POST /v1/auth/login and /v1/auth/refresh.
type bearerClaims struct {
	jwt.RegisteredClaims
	Email       string   `json:"email"`
	Name        string   `json:"name,omitempty"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// Claims is the decoded content of a bearer token. It is a value type and is never
// mutated after Decode returns; a refreshed token yields a new Claims.
type Claims struct {
	Subject     string
	Email       string
	Name        string
	Role        Role
	IssuedAt    time.Time
	ExpiresAt   time.Time
	permissions []string
}

// NewClaims builds Claims from explicit values. permissions is copied.
func NewClaims(subject, email, name string, role Role, permissions []string, issuedAt, expiresAt time.Time) Claims {
	return Claims{
		Subject:     subject,
		Email:       email,
		Name:        name,
		Role:        role,
		IssuedAt:    issuedAt,
		ExpiresAt:   expiresAt,
		permissions: slices.Clone(permissions),
	}
}

// Permissions returns a copy of the permission list.
func (c Claims) Permissions() []string { return slices.Clone(c.permissions) }

// HasPermission reports whether p is listed verbatim in the token.
func (c Claims) HasPermission(p string) bool { return slices.Contains(c.permissions, p) }

// SameIdentity reports whether c and o describe the same user with the same grants.
// Timing fields are ignored.
func (c Claims) SameIdentity(o Claims) bool {
	return c.Subject == o.Subject &&
		c.Email == o.Email &&
		c.Name == o.Name &&
		c.Role == o.Role &&
		slices.Equal(c.permissions, o.permissions)
}

// IsExpired reports whether now+skew has reached the token's expiry.
func IsExpired(c Claims, now time.Time, skew time.Duration) bool {
	return !now.Add(skew).Before(c.ExpiresAt)
}

// TimeRemaining returns the time left until expiry, never negative.
func TimeRemaining(c Claims, now time.Time) time.Duration {
	d := c.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// TokenCodec decodes bearer tokens. With a public key it also checks the signature;
// without one it only parses the payload, which is all a browser-side client can do.
type TokenCodec struct {
	key    crypto.PublicKey
	parser *jwt.Parser
}

// NewTokenCodec returns a codec. key may be nil to skip signature verification.
func NewTokenCodec(key crypto.PublicKey) *TokenCodec {
	opts := []jwt.ParserOption{jwt.WithoutClaimsValidation()}
	if key != nil {
		opts = append(opts, jwt.WithValidMethods(signingMethods(key)))
	}
	return &TokenCodec{key: key, parser: jwt.NewParser(opts...)}
}

var unverified = NewTokenCodec(nil)

// Decode parses token without verifying its signature.
func Decode(token string) (Claims, error) {
	return unverified.Decode(token)
}

// Decode parses token into Claims. A well-formed token past its expiry is not an error.
func (c *TokenCodec) Decode(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, &DecodeError{Reason: "empty token"}
	}
	var bc bearerClaims
	var err error
	if c.key == nil {
		_, _, err = c.parser.ParseUnverified(token, &bc)
	} else {
		_, err = c.parser.ParseWithClaims(token, &bc, func(*jwt.Token) (interface{}, error) {
			return c.key, nil
		})
	}
	if err != nil {
		return Claims{}, &DecodeError{Reason: "malformed token", Err: err}
	}
	if bc.Subject == "" {
		return Claims{}, &DecodeError{Reason: "missing sub claim"}
	}
	if bc.ExpiresAt == nil {
		return Claims{}, &DecodeError{Reason: "missing exp claim"}
	}
	var issuedAt time.Time
	if bc.IssuedAt != nil {
		issuedAt = bc.IssuedAt.Time
	}
	return NewClaims(bc.Subject, bc.Email, bc.Name, Role(bc.Role), bc.Permissions, issuedAt, bc.ExpiresAt.Time), nil
}
