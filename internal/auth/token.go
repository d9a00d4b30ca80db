// Package auth issues and verifies the HS256 tokens applications sign with
// their secret. Server tokens carry only the application id; client tokens
// also name the user (and optionally the group) they act as.
package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
	ErrMissingToken = errors.New("missing token")
)

// UserDetails lets a client token create or update its user on first use.
type UserDetails struct {
	Name              string `json:"name,omitempty"`
	ShortName         string `json:"short_name,omitempty"`
	Email             string `json:"email,omitempty"`
	ProfilePictureURL string `json:"profile_picture_url,omitempty"`
}

type Claims struct {
	AppID       string       `json:"app_id"`
	UserID      string       `json:"user_id,omitempty"`
	GroupID     string       `json:"group_id,omitempty"`
	UserDetails *UserDetails `json:"user_details,omitempty"`
	jwt.RegisteredClaims
}

func (c Claims) IsServer() bool { return c.UserID == "" }

// IssueToken signs claims with the application secret. A positive ttl sets
// the expiry; zero leaves the token without one.
func IssueToken(secret []byte, claims Claims, ttl time.Duration) (string, error) {
	if claims.AppID == "" {
		return "", fmt.Errorf("%w: app_id is required", ErrInvalidToken)
	}
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// PeekAppID reads app_id without verifying the signature, so the caller can
// look up which secret to verify with.
func PeekAppID(tokenString string) (string, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return "", ErrMissingToken
	}
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.AppID == "" {
		return "", fmt.Errorf("%w: missing app_id", ErrInvalidToken)
	}
	return claims.AppID, nil
}

func ParseToken(secret []byte, tokenString string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.AppID == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// HashToken fingerprints application secrets for logs.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
