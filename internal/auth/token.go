package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"convo/internal/apperr"
)

// Claims are the access-token claims this client cares about. The token is
// minted and verified by the service backend; locally we only decode it to
// learn who we are and when the token expires.
type Claims struct {
	Identity string `json:"identity"`
	jwt.RegisteredClaims
}

// ParseToken decodes an access token without signature verification and
// rejects tokens that are malformed, missing an identity, or already expired.
func ParseToken(token string, now time.Time) (*Claims, error) {
	var claims Claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return nil, apperr.New(apperr.ReasonTokenAccessDenied, fmt.Errorf("decode access token: %w", err))
	}
	if claims.Identity == "" {
		return nil, apperr.New(apperr.ReasonTokenAccessDenied, fmt.Errorf("access token has no identity claim"))
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
		return nil, apperr.New(apperr.ReasonTokenAccessDenied, fmt.Errorf("access token expired at %s", claims.ExpiresAt.Time))
	}
	return &claims, nil
}
