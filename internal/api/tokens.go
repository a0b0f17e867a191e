package api

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer signs and verifies the HS256 tokens handed out by POST /jwt.
type TokenIssuer struct {
	secret []byte
	now    func() time.Time
}

func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), now: time.Now}
}

// Issue signs a token for oid that expires at exp.
func (t *TokenIssuer) Issue(oid string, exp time.Time) (string, error) {
	claims := jwt.MapClaims{
		"oid": oid,
		"iat": t.now().Unix(),
		"exp": exp.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of token and returns its expiry.
func (t *TokenIssuer) Verify(token string) (time.Time, error) {
	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now), jwt.WithExpirationRequired())
	if err != nil {
		return time.Time{}, err
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("token has no expiry")
	}
	return exp.Time, nil
}

// Valid reports whether token verifies. It is the hook used by AuthMiddleware.
func (t *TokenIssuer) Valid(token string) bool {
	_, err := t.Verify(token)
	return err == nil
}
