// Package auth issues and checks room tokens for the relay.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing authentication token")
	ErrRoomMismatch = errors.New("token does not grant this room")
)

// Claims holds JWT token claims. An empty Username admits any name.
type Claims struct {
	Username string `json:"username,omitempty"`
	RoomID   string `json:"room_id"`
	jwt.RegisteredClaims
}

// Allows reports whether the token admits username into roomID.
func (c *Claims) Allows(roomID, username string) error {
	if c.RoomID != roomID {
		return fmt.Errorf("room %q: %w", roomID, ErrRoomMismatch)
	}
	if c.Username != "" && c.Username != username {
		return fmt.Errorf("user %q in room %q: %w", username, roomID, ErrRoomMismatch)
	}
	return nil
}

// Auth signs and validates HS256 room tokens. A zero secret disables it.
type Auth struct {
	secret []byte
}

// New creates a new Auth.
func New(jwtSecret string) *Auth {
	return &Auth{secret: []byte(jwtSecret)}
}

// Enabled reports whether tokens are required.
func (a *Auth) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// Issue signs a token for roomID, valid for ttl.
func (a *Auth) Issue(username, roomID string, ttl time.Duration) (string, time.Time, error) {
	if !a.Enabled() {
		return "", time.Time{}, errors.New("no signing secret configured")
	}
	now := time.Now()
	claims := &Claims{
		Username: username,
		RoomID:   roomID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   username,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, claims.ExpiresAt.Time, nil
}

// Validate parses tokenStr and checks its signature and expiry.
func (a *Auth) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Authenticate validates the token carried by r.
func (a *Auth) Authenticate(r *http.Request) (*Claims, error) {
	tokenStr := extractToken(r)
	if tokenStr == "" {
		return nil, ErrMissingToken
	}
	return a.Validate(tokenStr)
}

func extractToken(r *http.Request) string {
	// Bearer token from Authorization header
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Query parameter fallback; browsers cannot set headers on websockets
	return r.URL.Query().Get("token")
}
