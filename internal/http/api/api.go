// Package api exposes the control-plane HTTP surface: operator login,
// session administration, undo, and breaker status.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/relaygate/relaygate/internal/breaker"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/loginguard"
	"github.com/relaygate/relaygate/internal/session"
	"github.com/relaygate/relaygate/internal/undo"
)

// Deps bundles the components the API operates on.
type Deps struct {
	DB       *gorm.DB
	JWT      config.JWTConfig
	Guard    *loginguard.Guard
	Tracker  *session.Tracker
	Sessions *session.Repository
	Breakers *breaker.Registry
	Undo     *undo.Store
}

// RegisterRoutes mounts the control-plane routes on r.
func RegisterRoutes(r *gin.Engine, deps Deps) {
	auth := &authHandler{db: deps.DB, jwt: deps.JWT, guard: deps.Guard}
	sessions := &sessionHandler{
		tracker:  deps.Tracker,
		sessions: deps.Sessions,
		undo:     deps.Undo,
	}
	breakers := &breakerHandler{registry: deps.Breakers}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v0 := r.Group("/v0")
	v0.POST("/login", auth.Login)

	authed := v0.Group("", authMiddleware(deps.JWT))
	authed.GET("/sessions", sessions.List)
	authed.POST("/sessions/:id/terminate", sessions.Terminate)
	authed.POST("/undo/:token", sessions.Undo)
	authed.GET("/breakers", breakers.Status)
}

// authMiddleware verifies the bearer token issued by Login.
func authMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims := jwt.MapClaims{}
		token, errParse := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(t *jwt.Token) (any, error) {
			if _, okMethod := t.Method.(*jwt.SigningMethodHMAC); !okMethod {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(jwtCfg.Secret), nil
		})
		if errParse != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if sub, _ := claims["sub"].(string); sub != "" {
			c.Set("admin", sub)
		}
		c.Next()
	}
}

// issueToken signs a JWT for an authenticated admin.
func issueToken(jwtCfg config.JWTConfig, username string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": username,
		"iat": now.Unix(),
		"exp": now.Add(jwtCfg.Expiry).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtCfg.Secret))
}
