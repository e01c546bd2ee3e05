package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"crm_server/pkg/apperr"
	"crm_server/pkg/logger"
)

// TokenBlacklist tracks revoked token ids (jti) in Redis.
type TokenBlacklist struct {
	redis  redis.UniversalClient
	prefix string
}

func NewTokenBlacklist(client redis.UniversalClient) *TokenBlacklist {
	if client == nil {
		logger.Warn("[TokenBlacklist] redis not configured, revocation disabled")
		return nil
	}
	return &TokenBlacklist{redis: client, prefix: "token:blacklist:"}
}

func (b *TokenBlacklist) Revoke(ctx context.Context, tokenID string, expiry time.Duration) error {
	if b == nil {
		return nil
	}
	return b.redis.Set(ctx, b.prefix+tokenID, "1", expiry).Err()
}

func (b *TokenBlacklist) IsRevoked(ctx context.Context, tokenID string) bool {
	if b == nil {
		return false
	}
	exists, err := b.redis.Exists(ctx, b.prefix+tokenID).Result()
	if err != nil {
		logger.WithError(err).Debug("[TokenBlacklist] lookup failed")
		return false
	}
	return exists > 0
}

// JWTAuth validates HS256 bearer tokens and stores the caller in locals:
// user_id (uuid.UUID), user_email and claims. EventSource clients cannot
// set headers, so ?token= is accepted as well.
func JWTAuth(secret string, blacklist *TokenBlacklist) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		tokenString := bearerToken(c.Get(fiber.HeaderAuthorization))
		if tokenString == "" {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			return apperr.Unauthorized("missing authorization")
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
			if secret == "" {
				return nil, fmt.Errorf("JWT secret not configured")
			}
			return []byte(secret), nil
		},
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(time.Minute),
		)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return apperr.TokenExpired()
			}
			logger.WithError(err).Warn("[JWTAuth] token validation failed")
			return apperr.InvalidToken("invalid token")
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || !token.Valid {
			return apperr.InvalidToken("invalid claims")
		}

		if jti, ok := claims["jti"].(string); ok && jti != "" && blacklist.IsRevoked(c.Context(), jti) {
			return apperr.InvalidToken("token has been revoked")
		}

		sub, err := claims.GetSubject()
		if err != nil || sub == "" {
			return apperr.InvalidToken("missing user id in token")
		}
		userID, err := uuid.Parse(sub)
		if err != nil {
			return apperr.InvalidToken("invalid user id format")
		}

		email, _ := claims["email"].(string)

		c.Locals("user_id", userID)
		c.Locals("user_email", email)
		c.Locals("claims", claims)
		return c.Next()
	}
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
