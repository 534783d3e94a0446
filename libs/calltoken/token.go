// Package calltoken issues and verifies the signed tokens that media-stream
// URLs carry. A token binds a telephony leg to a hospital.
package calltoken

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// ErrInvalid is returned for tokens that fail signature or claim checks.
var ErrInvalid = errors.New("invalid stream token")

// Claims carried by a stream token.
type Claims struct {
	HospitalID string `json:"hospital_id"`
	jwt.RegisteredClaims
}

// Issue creates an HS256 token for hospitalID valid for ttl.
func Issue(secret, hospitalID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("stream token secret required")
	}
	if hospitalID == "" {
		return "", fmt.Errorf("hospital id required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	// random jti
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate jti: %w", err)
	}

	now := time.Now()
	claims := Claims{
		HospitalID: hospitalID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        hex.EncodeToString(b),
			Issuer:    "hospital-voice-bridge",
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies token and returns the hospital it was issued for.
func Parse(secret, token string) (string, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if claims.HospitalID == "" {
		return "", fmt.Errorf("%w: missing hospital_id", ErrInvalid)
	}
	return claims.HospitalID, nil
}
