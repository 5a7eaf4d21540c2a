package middleware

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const blacklistPrefix = "blacklist:jwt:"

// TokenBlacklist holds revoked tokens until they would have expired anyway.
type TokenBlacklist interface {
	Revoke(ctx context.Context, token string, ttl time.Duration) error
	IsRevoked(ctx context.Context, token string) bool
}

var tokenBlacklist TokenBlacklist

// SetTokenBlacklist enables revocation checks in JWTMiddleware.
func SetTokenBlacklist(b TokenBlacklist) {
	tokenBlacklist = b
}

// CurrentTokenBlacklist returns the blacklist set by SetTokenBlacklist, or nil.
func CurrentTokenBlacklist() TokenBlacklist {
	return tokenBlacklist
}

type RedisBlacklist struct {
	client *redis.Client
}

func NewRedisBlacklist(client *redis.Client) *RedisBlacklist {
	return &RedisBlacklist{client: client}
}

func (b *RedisBlacklist) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return b.client.Set(ctx, blacklistPrefix+token, "1", ttl).Err()
}

// IsRevoked reports false when Redis cannot be reached.
func (b *RedisBlacklist) IsRevoked(ctx context.Context, token string) bool {
	n, err := b.client.Exists(ctx, blacklistPrefix+token).Result()
	if err != nil {
		logrus.WithError(err).Warn("Token blacklist lookup failed")
		return false
	}
	return n > 0
}
