package connection

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims are the claims the client reads from a bearer token. The
// signature is never verified here; that is the server's job.
type TokenClaims struct {
	Subject   string
	ExpiresAt time.Time
}

// ParseToken extracts the claims of a JWT. ok is false for opaque tokens.
func ParseToken(token string) (claims TokenClaims, ok bool) {
	var registered jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &registered); err != nil {
		return TokenClaims{}, false
	}

	claims.Subject = registered.Subject
	if registered.ExpiresAt != nil {
		claims.ExpiresAt = registered.ExpiresAt.Time
	}
	return claims, true
}

// TokenExpired reports whether token is a JWT whose exp claim is not after now.
// Opaque tokens and JWTs without exp never expire locally.
func TokenExpired(token string, now time.Time) bool {
	claims, ok := ParseToken(token)
	if !ok || claims.ExpiresAt.IsZero() {
		return false
	}
	return !claims.ExpiresAt.After(now)
}
