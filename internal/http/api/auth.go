package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/loginguard"
	"github.com/relaygate/relaygate/internal/models"
)

// authHandler serves operator login.
type authHandler struct {
	db    *gorm.DB
	jwt   config.JWTConfig
	guard *loginguard.Guard
}

// loginRequest captures the login payload.
type loginRequest struct {
	Username string `json:"username"` // Admin login name.
	Password string `json:"password"` // Admin password.
}

// Login authenticates an admin and issues a bearer token. Attempts are
// throttled per client IP and per username before any credential check runs.
func (h *authHandler) Login(c *gin.Context) {
	var body loginRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	username := strings.TrimSpace(body.Username)
	if username == "" || body.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	ip := c.ClientIP()
	if decision := h.guard.Check(ip, username); !decision.Allowed {
		c.Header("Retry-After", retryAfterValue(decision))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "too many attempts",
			"reason":      decision.Reason,
			"retry_after": decision.RetryAfterSeconds,
		})
		return
	}

	var admin models.Admin
	errFind := h.db.WithContext(c.Request.Context()).
		Where("username = ? AND is_enabled = ?", username, true).
		Take(&admin).Error
	if errFind != nil {
		if !errors.Is(errFind, gorm.ErrRecordNotFound) {
			log.WithError(errFind).Error("login: admin lookup failed")
		}
		h.guard.RecordFailure(ip, username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if errCompare := bcrypt.CompareHashAndPassword([]byte(admin.Password), []byte(body.Password)); errCompare != nil {
		h.guard.RecordFailure(ip, username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	h.guard.RecordSuccess(ip, username)

	now := time.Now().UTC()
	token, errSign := issueToken(h.jwt, admin.Username, now)
	if errSign != nil {
		log.WithError(errSign).Error("login: token signing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token signing failed"})
		return
	}

	h.db.WithContext(c.Request.Context()).
		Model(&models.Admin{}).
		Where("id = ?", admin.ID).
		Update("last_login_at", now)

	c.JSON(http.StatusOK, gin.H{"token": token, "expires_in": int(h.jwt.Expiry.Seconds())})
}

func retryAfterValue(decision loginguard.Decision) string {
	if decision.RetryAfterSeconds <= 0 {
		return "1"
	}
	return strconv.Itoa(decision.RetryAfterSeconds)
}
