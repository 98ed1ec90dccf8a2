package handler

import (
	"errors"
	"strings"
	"time"

	"safechat/backend/internal/errutil"
	"safechat/backend/internal/models"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
)

const actorKey = "actor"

// Claims are the identity claims issued by the account service. The subject
// is the user id.
type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 tokens.
type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// IssueToken signs a token for userID. The server only verifies tokens; this
// is used by the admin CLI and tests.
func (a *Authenticator) IssueToken(userID string, role models.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Parse validates a token and returns the caller.
func (a *Authenticator) Parse(tokenString string) (models.Actor, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return models.Actor{}, err
	}
	if claims.Subject == "" {
		return models.Actor{}, errors.New("token has no subject")
	}
	return models.Actor{UserID: claims.Subject, Role: claims.Role}, nil
}

// Middleware authenticates the request from the Authorization header. Browser
// WebSocket clients cannot set headers, so a token query parameter is also
// accepted.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.Query("token")
		if h := c.GetHeader("Authorization"); h != "" {
			if !strings.HasPrefix(h, "Bearer ") {
				c.Error(errutil.Unauthorized("authorization token missing"))
				c.Abort()
				return
			}
			tokenString = strings.TrimPrefix(h, "Bearer ")
		}
		if tokenString == "" {
			c.Error(errutil.Unauthorized("authorization token missing"))
			c.Abort()
			return
		}

		actor, err := a.Parse(tokenString)
		if err != nil {
			c.Error(errutil.Unauthorized("invalid or expired token"))
			c.Abort()
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

// RequireRole lets only the given roles through.
func RequireRole(roles ...models.Role) gin.HandlerFunc {
	allowed := map[models.Role]struct{}{}
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		if _, ok := allowed[actorFrom(c).Role]; !ok {
			c.Error(errutil.Forbidden("role not allowed"))
			c.Abort()
			return
		}
		c.Next()
	}
}

func actorFrom(c *gin.Context) models.Actor {
	v, _ := c.Get(actorKey)
	actor, _ := v.(models.Actor)
	return actor
}
