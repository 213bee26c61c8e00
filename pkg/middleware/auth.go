package middleware

import (
	"context"
	"errors"
	"strings"
	"time"

	"dropproof/pkg/errutil"

	"github.com/casbin/casbin/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleUser      = "user"
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
)

type Identity struct {
	UserID string
	Role   string
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Claims is the bearer token payload: sub is the user id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token. Used by tests and local tooling.
func IssueToken(secret []byte, issuer, userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Authenticate resolves the bearer token into an Identity on the request context.
func Authenticate(secret []byte, issuer string) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)

	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			_ = c.Error(errutil.Unauthorized("missing bearer token", nil))
			c.Abort()
			return
		}

		var claims Claims
		_, err := parser.ParseWithClaims(strings.TrimSpace(raw), &claims, func(*jwt.Token) (any, error) {
			return secret, nil
		})
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token expired"
			}
			_ = c.Error(errutil.Unauthorized(msg, nil))
			c.Abort()
			return
		}
		if claims.Subject == "" {
			_ = c.Error(errutil.Unauthorized("token has no subject", nil))
			c.Abort()
			return
		}

		role := claims.Role
		if role == "" {
			role = RoleUser
		}
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), Identity{UserID: claims.Subject, Role: role}))
		c.Next()
	}
}

// Authorize checks (role, route, method) against the casbin policy.
func Authorize(enforcer *casbin.Enforcer) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := IdentityFrom(c.Request.Context())
		if !ok {
			_ = c.Error(errutil.Unauthorized("unauthenticated", nil))
			c.Abort()
			return
		}

		allowed, err := enforcer.Enforce(id.Role, c.FullPath(), c.Request.Method)
		if err != nil {
			_ = c.Error(errutil.Internal("authorization failed", err))
			c.Abort()
			return
		}
		if !allowed {
			_ = c.Error(errutil.Forbidden("not allowed", nil))
			c.Abort()
			return
		}
		c.Next()
	}
}
