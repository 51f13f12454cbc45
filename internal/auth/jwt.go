package auth

import (
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	Username string `json:"uname"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// JWTValidator validates HS256 session tokens.
type JWTValidator struct {
	Secret []byte
	Issuer string
	ExpMin int
}

func NewJWTValidator(secret, issuer string) *JWTValidator {
	return &JWTValidator{Secret: []byte(secret), Issuer: issuer, ExpMin: 7 * 24 * 60}
}

// Sign issues a token for username. Used by the account service and tests.
func (v *JWTValidator) Sign(username, role string) (string, error) {
	now := time.Now()
	exp := now.Add(time.Duration(v.ExpMin) * time.Minute)
	claims := Claims{
		Username: username, Role: role,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: v.Issuer, IssuedAt: jwt.NewNumericDate(now), ExpiresAt: jwt.NewNumericDate(exp)},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.Secret)
}

func (v *JWTValidator) ValidateSession(tokenStr string) (Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) { return v.Secret, nil }, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidSession
	}
	return Identity{Username: claims.Username, Role: claims.Role}, nil
}
