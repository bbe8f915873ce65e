package api

import (
	"errors"
	"forecast-workbench/apperrors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer signs and verifies HS256 session tokens whose subject is the
// session id
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer. An empty secret is rejected.
func NewTokenIssuer(secret, issuer string, ttl time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, apperrors.New(apperrors.InvalidConfig, "token issuer", "jwt secret cannot be empty")
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for sessionID
func (ti *TokenIssuer) Issue(sessionID string) (string, error) {
	now := ti.now()
	claims := jwt.RegisteredClaims{
		Subject:   sessionID,
		Issuer:    ti.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", apperrors.Wrap(apperrors.Internal, "issue token", err, "could not sign session token")
	}
	return signed, nil
}

// Verify checks signature, issuer and expiry and returns the session id
func (ti *TokenIssuer) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	keyFunc := func(*jwt.Token) (interface{}, error) {
		return ti.secret, nil
	}
	parsed, err := jwt.ParseWithClaims(token, claims, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(ti.issuer),
		jwt.WithTimeFunc(ti.now),
	)
	if err != nil {
		msg := "session token is invalid"
		if errors.Is(err, jwt.ErrTokenExpired) {
			msg = "session token has expired"
		}
		return "", apperrors.Wrap(apperrors.Unauthorized, "verify token", err, msg)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", apperrors.New(apperrors.Unauthorized, "verify token", "session token is invalid")
	}
	return claims.Subject, nil
}

// bearerToken extracts the token from an Authorization header
func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
