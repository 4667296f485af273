// Package identity resolves connection credentials to stable user ids and
// answers channel-membership questions. Both are external collaborators from
// the gateway's point of view; only their contracts live here.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/treble-chat/voice/internal/domain"
)

// Resolver turns a connection credential into a stable user identifier.
type Resolver interface {
	Resolve(token string) (domain.UserID, error)
}

// Membership reports whether a user may join a channel.
type Membership interface {
	IsMember(ctx context.Context, userID domain.UserID, channelID domain.ChannelID) (bool, error)
}

// JWTResolver validates HMAC-signed tokens and reads the user id from the
// subject claim.
type JWTResolver struct {
	secret []byte
}

func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret)}
}

func (r *JWTResolver) Resolve(token string) (domain.UserID, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("parse token: %w: %w", err, domain.ErrForbidden)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", fmt.Errorf("token has no subject: %w", domain.ErrForbidden)
	}
	return domain.UserID(claims.Subject), nil
}

// Mint issues a token for the user. Used by seeding and tests; production
// tokens come from the auth service sharing the same secret.
func (r *JWTResolver) Mint(userID domain.UserID, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   string(userID),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString(r.secret)
}
