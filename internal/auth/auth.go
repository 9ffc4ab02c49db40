package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chatroom/internal/chat"
	"chatroom/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Claims 以用户名作为身份；Role 仅作提示，权限判断始终以账户库为准。
type Claims struct {
	Username string `json:"usr"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// UserFinder 是认证所需的最小账户查询能力。
type UserFinder interface {
	FindUser(ctx context.Context, username string) (*models.User, error)
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func VerifyPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

func GenerateAccessToken(username, role, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseAccessToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.Username != "" {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

func GenerateRefreshToken() (string, error) {
	b := make([]byte, 32)
	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// bearerToken 从 Authorization 头取出 token，没有时返回空串。
func bearerToken(authz string) string {
	if len(authz) < len("Bearer ") || !strings.EqualFold(authz[:len("Bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[len("Bearer "):])
}

// Identify 校验 token 并确认用户仍存在，返回账户。
func Identify(ctx context.Context, users UserFinder, secret, tokenStr string) (*models.User, error) {
	if tokenStr == "" {
		return nil, fmt.Errorf("%w: missing token", chat.ErrUnauthenticated)
	}
	claims, err := ParseAccessToken(tokenStr, secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chat.ErrUnauthenticated, err)
	}
	user, err := users.FindUser(ctx, claims.Username)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chat.ErrUnauthenticated, err)
	}
	return user, nil
}

func AuthMiddleware(secret string, users UserFinder) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := bearerToken(c.GetHeader("Authorization"))
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		user, err := Identify(c.Request.Context(), users, secret, tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("username", user.Username)
		c.Set("user", *user)
		c.Next()
	}
}

func GetUsername(c *gin.Context) string {
	return c.GetString("username")
}

// TokenAuthenticator 在 websocket 升级前认证请求，token 取自 ?token= 或 Authorization 头。
type TokenAuthenticator struct {
	Secret string
	Users  UserFinder
}

func (a TokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = bearerToken(r.Header.Get("Authorization"))
	}
	user, err := Identify(r.Context(), a.Users, a.Secret, tokenStr)
	if err != nil {
		return "", err
	}
	return user.Username, nil
}
