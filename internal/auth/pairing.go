// Package auth issues and verifies the short-lived pairing tokens a
// plug-in channel process presents when it first connects to the
// gateway. Tokens are HMAC-signed jwt.RegisteredClaims carrying a single
// user_id/channel binding; an unconfigured secret yields ErrAuthDisabled
// rather than a panic.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthDisabled is returned by Issue/Verify when the service has no
// signing secret configured.
var ErrAuthDisabled = errors.New("auth: pairing disabled (no secret configured)")

// ErrInvalidToken is returned by Verify for any malformed, expired, or
// mis-signed token.
var ErrInvalidToken = errors.New("auth: invalid pairing token")

// PairingClaims binds a pairing token to the user and channel name the
// plug-in process is allowed to act as.
type PairingClaims struct {
	UserID  string `json:"user_id"`
	Channel string `json:"channel"`
	jwt.RegisteredClaims
}

// PairingService signs and verifies pairing tokens with a single shared
// HMAC secret, generated fresh at process start unless overridden.
type PairingService struct {
	secret []byte
	expiry time.Duration
}

// NewPairingService builds a PairingService. An empty secret makes every
// call return ErrAuthDisabled rather than failing startup.
func NewPairingService(secret string, expiry time.Duration) *PairingService {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &PairingService{secret: []byte(secret), expiry: expiry}
}

// Issue mints a signed pairing token binding channel to userID.
func (s *PairingService) Issue(userID, channel string) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	userID = strings.TrimSpace(userID)
	channel = strings.TrimSpace(channel)
	if userID == "" || channel == "" {
		return "", fmt.Errorf("auth: user id and channel are required")
	}

	now := time.Now()
	claims := PairingClaims{
		UserID:  userID,
		Channel: channel,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses and validates a pairing token, returning the user/channel
// binding it authorizes.
func (s *PairingService) Verify(token string) (userID, channel string, err error) {
	if s == nil || len(s.secret) == 0 {
		return "", "", ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &PairingClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", "", ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*PairingClaims)
	if !ok || !parsed.Valid {
		return "", "", ErrInvalidToken
	}
	if strings.TrimSpace(claims.UserID) == "" || strings.TrimSpace(claims.Channel) == "" {
		return "", "", ErrInvalidToken
	}
	return claims.UserID, claims.Channel, nil
}
