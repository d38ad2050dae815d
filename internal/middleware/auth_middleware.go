package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// AuthMiddleware authenticates players (JWT), internal game services (API
// key) and admins (API key or admin-role JWT).
type AuthMiddleware struct {
	jwtSecret   string
	jwtIssuer   string
	internalKey string
	adminKey    string
	skipPaths   map[string]bool
}

func NewAuthMiddleware(jwtSecret, jwtIssuer, internalKey, adminKey string) *AuthMiddleware {
	return &AuthMiddleware{
		jwtSecret:   jwtSecret,
		jwtIssuer:   jwtIssuer,
		internalKey: internalKey,
		adminKey:    adminKey,
		skipPaths: map[string]bool{
			"/health":  true,
			"/ready":   true,
			"/metrics": true,
		},
	}
}

type Claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// JWTAuth validates the bearer token and loads the player identity into the
// request context.
func (a *AuthMiddleware) JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.shouldSkipAuth(c.Request.URL.Path) {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "Authorization header required",
				"message": "Missing Authorization header",
			})
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid authorization format",
				"message": "Authorization header must be 'Bearer <token>'",
			})
			c.Abort()
			return
		}

		claims, err := a.parseToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid token",
				"message": err.Error(),
			})
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Set("role", claims.Role)
		c.Next()
	}
}

// InternalAPIAuth validates the shared key other game services call with.
func (a *AuthMiddleware) InternalAPIAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "API key required",
				"message": "Missing X-API-Key header",
			})
			c.Abort()
			return
		}

		if apiKey != a.internalKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid API key",
				"message": "Invalid or expired API key",
			})
			c.Abort()
			return
		}

		c.Set("is_internal", true)
		c.Set("service_name", c.GetHeader("X-Service-Name"))
		c.Next()
	}
}

// AdminAuth grants admin access to holders of the admin API key or of a JWT
// carrying an admin role.
func (a *AuthMiddleware) AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey := c.GetHeader("X-API-Key"); apiKey != "" && apiKey == a.adminKey {
			c.Set("is_admin", true)
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "Authorization required",
				"message": "Admin access requires authentication",
			})
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid authorization format",
				"message": "Authorization header must be 'Bearer <token>'",
			})
			c.Abort()
			return
		}

		claims, err := a.parseToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid admin token",
				"message": err.Error(),
			})
			c.Abort()
			return
		}

		if claims.Role != "admin" && claims.Role != "game_master" {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "Insufficient privileges",
				"message": "Admin access required",
			})
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("is_admin", true)
		c.Next()
	}
}

// ValidateUserAccess blocks players from touching another player's resources.
// Internal services and admins pass through.
func (a *AuthMiddleware) ValidateUserAccess() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isInternal, exists := c.Get("is_internal"); exists && isInternal.(bool) {
			c.Next()
			return
		}
		if isAdmin, exists := c.Get("is_admin"); exists && isAdmin.(bool) {
			c.Next()
			return
		}

		tokenUserID, exists := c.Get("user_id")
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "User ID not found",
				"message": "User ID not available in token",
			})
			c.Abort()
			return
		}

		requestedUserID := c.Param("userId")
		if requestedUserID == "" {
			c.Next()
			return
		}

		if fmt.Sprintf("%d", tokenUserID.(int64)) != requestedUserID {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "Access denied",
				"message": "Cannot access other user's resources",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (a *AuthMiddleware) parseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(a.jwtSecret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("token contains invalid claims")
	}
	if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("token has expired")
	}
	return claims, nil
}

func (a *AuthMiddleware) shouldSkipAuth(path string) bool {
	if a.skipPaths[path] {
		return true
	}
	for _, prefix := range []string{"/swagger/", "/docs/"} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// GenerateJWT creates a signed token for a user. Used by tests and tooling;
// production tokens come from the identity service.
func (a *AuthMiddleware) GenerateJWT(userID int64, username, role string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    a.jwtIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.jwtSecret))
}
