package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is what the client can read out of its own access token. It is for
// display only; the signature is not checked and expiry is not enforced.
type Claims struct {
	UserID    string    `json:"user_id,omitempty"`
	TokenType string    `json:"token_type,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Claims decodes the held token as an unverified JWT. ok is false when no
// token is held or the token is not a JWT.
func (s *Store) Claims() (Claims, bool) {
	token, ok := s.Token()
	if !ok {
		return Claims{}, false
	}
	return parseClaims(token)
}

func parseClaims(token string) (Claims, bool) {
	mapClaims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mapClaims); err != nil {
		return Claims{}, false
	}

	var out Claims
	switch v := mapClaims["user_id"].(type) {
	case float64:
		out.UserID = fmt.Sprintf("%d", int64(v))
	case string:
		out.UserID = v
	}
	if tt, ok := mapClaims["token_type"].(string); ok {
		out.TokenType = tt
	}
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, true
}
